package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.html
var templateFS embed.FS

// Template names.
const (
	TemplatePaymentRequired = "payment_required"
	TemplateReceiptReceived = "receipt_received"
	TemplateAdminReceipt    = "admin_receipt"
)

var templateTitles = map[string]string{
	TemplatePaymentRequired: "Your Order Details are Saved!",
	TemplateReceiptReceived: "Thank You For Your Order!",
	TemplateAdminReceipt:    "New Pre-Order Notification",
}

// OrderEmailData feeds every order template.
type OrderEmailData struct {
	CustomerName    string
	TrackingNumber  string
	Copies          int
	ShippingAddress string
	JoinEvent       bool
	BringGuest      bool
	ReceiptURL      string
	Email           string
	Phone           string
	OrderURL        string
}

type renderData struct {
	OrderEmailData
	Title                string
	Year                 int
	ShippingAddressLines []string
	EventDetails         string
}

// Renderer executes the embedded order templates.
type Renderer struct {
	templates map[string]*template.Template
	now       func() time.Time
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[string]*template.Template, len(templateTitles)),
		now:       time.Now,
	}
	for name := range templateTitles {
		tmpl, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("mail: parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render returns the HTML body for the named template.
func (r *Renderer) Render(name string, data OrderEmailData) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("mail: unknown template %q", name)
	}
	// Casers are stateful, so one is built per render.
	data.CustomerName = cases.Title(language.Und, cases.NoLower).String(strings.TrimSpace(data.CustomerName))
	view := renderData{
		OrderEmailData:       data,
		Title:                templateTitles[name],
		Year:                 r.now().Year(),
		ShippingAddressLines: splitLines(data.ShippingAddress),
		EventDetails:         EventDetails(data.JoinEvent, data.BringGuest),
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", view); err != nil {
		return "", fmt.Errorf("mail: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// EventDetails summarises book signing registration for emails.
func EventDetails(joinEvent, bringGuest bool) string {
	switch {
	case !joinEvent:
		return "Not Registered"
	case bringGuest:
		return "Registered (+1 Guest)"
	default:
		return "Registered"
	}
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
