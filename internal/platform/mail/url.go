package mail

import (
	"fmt"
	"net/url"
	"strings"
)

func parseBaseURL(raw string) (*url.URL, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("mail: invalid base url %q", raw)
	}
	return parsed, nil
}

// OrderURLBuilder returns a function producing the customer payment page link for a tracking
// number.
func OrderURLBuilder(siteURL string) (func(trackingNumber string) string, error) {
	base, err := parseBaseURL(strings.TrimSpace(siteURL))
	if err != nil {
		return nil, err
	}
	return func(trackingNumber string) string {
		return base.JoinPath("order", strings.TrimSpace(trackingNumber)).String()
	}, nil
}
