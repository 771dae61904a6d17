package services

import (
	"mime"
	"regexp"
	"strconv"
	"strings"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/textutil"
)

// DefaultMaxReceiptBytes caps receipt uploads at 5 MiB.
const DefaultMaxReceiptBytes int64 = 5 << 20

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	allowedReceiptTypes = map[string]struct{}{
		"image/jpeg":      {},
		"image/jpg":       {},
		"image/png":       {},
		"application/pdf": {},
	}
)

type orderDraft struct {
	name     string
	email    string
	phone    string
	address  string
	copies   int
	join     bool
	guest    bool
	hasFile  bool
	fileType string
}

func validateSubmission(cmd SubmitOrderCommand, sanitizer *textutil.Sanitizer, maxBytes int64, requireReceipt bool) (orderDraft, error) {
	draft := orderDraft{
		name:    sanitizer.Line(cmd.FullName),
		email:   domain.NormalizeEmail(cmd.Email),
		phone:   sanitizer.Line(cmd.Phone),
		address: sanitizer.Multiline(cmd.ShippingAddress),
		join:    cmd.JoinEvent,
		guest:   cmd.JoinEvent && cmd.BringGuest,
	}
	copiesRaw := strings.TrimSpace(cmd.Copies)
	if draft.name == "" || draft.email == "" || draft.phone == "" || draft.address == "" || copiesRaw == "" {
		return orderDraft{}, invalidInput("", MessageMissingFields)
	}
	if !emailPattern.MatchString(draft.email) {
		return orderDraft{}, invalidInput("email", MessageInvalidEmail)
	}
	copies, err := strconv.Atoi(copiesRaw)
	if err != nil || copies < 1 {
		return orderDraft{}, invalidInput("copies", MessageInvalidCopies)
	}
	draft.copies = copies

	if cmd.Receipt == nil {
		if requireReceipt {
			return orderDraft{}, invalidInput("receipt", MessageReceiptRequired)
		}
		return draft, nil
	}
	fileType, err := validateReceipt(cmd.Receipt, maxBytes)
	if err != nil {
		return orderDraft{}, err
	}
	draft.hasFile = true
	draft.fileType = fileType
	return draft, nil
}

// validateReceipt checks size and declared type and returns the normalised media type.
func validateReceipt(file *ReceiptFile, maxBytes int64) (string, error) {
	if file == nil || file.Body == nil || strings.TrimSpace(file.FileName) == "" {
		return "", invalidInput("", MessageMissingFields)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReceiptBytes
	}
	if file.Size > maxBytes {
		return "", invalidInput("receipt", MessageReceiptTooLarge)
	}
	mediaType, _, err := mime.ParseMediaType(file.ContentType)
	if err != nil {
		return "", invalidInput("receipt", MessageReceiptType)
	}
	mediaType = strings.ToLower(mediaType)
	if _, ok := allowedReceiptTypes[mediaType]; !ok {
		return "", invalidInput("receipt", MessageReceiptType)
	}
	return mediaType, nil
}
