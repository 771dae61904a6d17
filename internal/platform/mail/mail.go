// Package mail renders order emails and hands them to a delivery provider.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// Message is a rendered email ready for delivery.
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
	Tags    map[string]string
}

func (m Message) validate() error {
	switch {
	case strings.TrimSpace(m.From) == "":
		return errors.New("mail: from address is required")
	case len(m.To) == 0:
		return errors.New("mail: at least one recipient is required")
	case strings.TrimSpace(m.Subject) == "":
		return errors.New("mail: subject is required")
	}
	return nil
}

// ResendSender delivers mail through the Resend API.
type ResendSender struct {
	client *resend.Client
}

// NewResendSender builds a sender for apiKey. baseURL overrides the API endpoint when set.
func NewResendSender(apiKey, baseURL string) (*ResendSender, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("mail: resend api key is required")
	}
	client := resend.NewClient(apiKey)
	if baseURL != "" {
		parsed, err := parseBaseURL(baseURL)
		if err != nil {
			return nil, err
		}
		client.BaseURL = parsed
	}
	return &ResendSender{client: client}, nil
}

// Send returns the provider message id.
func (s *ResendSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.validate(); err != nil {
		return "", err
	}
	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		ReplyTo: msg.ReplyTo,
	}
	for name, value := range msg.Tags {
		req.Tags = append(req.Tags, resend.Tag{Name: name, Value: value})
	}
	sent, err := s.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mail: resend: %w", err)
	}
	return sent.Id, nil
}

// LogSender writes messages to the log instead of delivering them. It keeps every message so
// local runs and tests can inspect what would have been sent.
type LogSender struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []Message
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := msg.validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	id := fmt.Sprintf("log-%d", len(s.sent))
	s.mu.Unlock()
	s.logger.Info("email not delivered (log provider)",
		zap.String("message_id", id),
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject))
	return id, nil
}

// Sent returns a copy of the messages recorded so far.
func (s *LogSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}
