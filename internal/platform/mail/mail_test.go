package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResendSenderPostsEmail(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/emails", r.URL.Path)
		require.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_123"}`))
	}))
	defer srv.Close()

	sender, err := NewResendSender("re_test", srv.URL)
	require.NoError(t, err)

	id, err := sender.Send(context.Background(), Message{
		From:    "Heal in Paradise <orders@healinparadise.com>",
		To:      []string{"aisha@example.com"},
		Subject: "Submission Received",
		HTML:    "<p>hi</p>",
		Tags:    map[string]string{"template": TemplateReceiptReceived},
	})
	require.NoError(t, err)
	require.Equal(t, "email_123", id)
	require.Equal(t, "Submission Received", got["subject"])
	require.Equal(t, []any{"aisha@example.com"}, got["to"])
}

func TestResendSenderSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"statusCode":422,"name":"validation_error","message":"Invalid from address"}`))
	}))
	defer srv.Close()

	sender, err := NewResendSender("re_test", srv.URL)
	require.NoError(t, err)
	_, err = sender.Send(context.Background(), Message{From: "x@y", To: []string{"a@b"}, Subject: "s"})
	require.Error(t, err)
}

func TestSendersValidateMessage(t *testing.T) {
	_, err := NewResendSender(" ", "")
	require.Error(t, err)

	sender := NewLogSender(nil)
	_, err = sender.Send(context.Background(), Message{To: []string{"a@b"}, Subject: "s"})
	require.Error(t, err)
	_, err = sender.Send(context.Background(), Message{From: "x@y", Subject: "s"})
	require.Error(t, err)

	id, err := sender.Send(context.Background(), Message{From: "x@y", To: []string{"a@b"}, Subject: "s"})
	require.NoError(t, err)
	require.Equal(t, "log-1", id)
	require.Len(t, sender.Sent(), 1)
}

func TestRendererTemplates(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	data := OrderEmailData{
		CustomerName:    "aisha ibrahim",
		TrackingNumber:  "HIP-2025-ABCDE",
		Copies:          2,
		ShippingAddress: "H. Blue Villa\r\nMale'",
		JoinEvent:       true,
		BringGuest:      true,
		ReceiptURL:      "https://storage.googleapis.com/receipts/HIP-2025-ABCDE-slip.png",
		Email:           "aisha@example.com",
		Phone:           "+960 777 1234",
		OrderURL:        "https://www.healinparadise.com/order/HIP-2025-ABCDE",
	}

	payment, err := r.Render(TemplatePaymentRequired, data)
	require.NoError(t, err)
	require.Contains(t, payment, "Dear Aisha Ibrahim,")
	require.Contains(t, payment, `href="https://www.healinparadise.com/order/HIP-2025-ABCDE"`)
	require.Contains(t, payment, "2025 Hawla Riza")

	received, err := r.Render(TemplateReceiptReceived, data)
	require.NoError(t, err)
	require.Contains(t, received, "H. Blue Villa<br>Male&#39;<br>")
	require.Contains(t, received, "Registered (+1 Guest)")

	admin, err := r.Render(TemplateAdminReceipt, data)
	require.NoError(t, err)
	require.Contains(t, admin, "View Payment Receipt")
	require.Contains(t, admin, "aisha@example.com")

	_, err = r.Render("missing", data)
	require.Error(t, err)
}

func TestRendererEscapesCustomerInput(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	out, err := r.Render(TemplateAdminReceipt, OrderEmailData{CustomerName: "<script>alert(1)</script>", ReceiptURL: "javascript:alert(1)"})
	require.NoError(t, err)
	require.False(t, strings.Contains(out, "<script>"))
	require.NotContains(t, out, `href="javascript:`)
}

func TestEventDetails(t *testing.T) {
	require.Equal(t, "Not Registered", EventDetails(false, true))
	require.Equal(t, "Registered", EventDetails(true, false))
	require.Equal(t, "Registered (+1 Guest)", EventDetails(true, true))
}

func TestOrderURLBuilder(t *testing.T) {
	build, err := OrderURLBuilder("https://www.healinparadise.com")
	require.NoError(t, err)
	require.Equal(t, "https://www.healinparadise.com/order/HIP-2025-ABCDE", build(" HIP-2025-ABCDE "))

	nested, err := OrderURLBuilder("https://example.com/preorder/")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/preorder/order/HIP-1", nested("HIP-1"))

	_, err = OrderURLBuilder("not a url")
	require.Error(t, err)
}
