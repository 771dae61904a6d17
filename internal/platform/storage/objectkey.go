package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ReceiptObjectKey composes the object key for a receipt: "<trackingNumber>-<fileName>" under
// an optional prefix. Directory components in fileName are dropped so a client cannot
// write outside the receipts area.
func ReceiptObjectKey(prefix, trackingNumber, fileName string) (string, error) {
	tn, err := validateSegment("trackingNumber", trackingNumber)
	if err != nil {
		return "", err
	}
	name, err := baseFileName(fileName)
	if err != nil {
		return "", err
	}
	key := tn + "-" + name
	if prefix = strings.Trim(strings.TrimSpace(prefix), "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key, nil
}

// PublicObjectURL is the browser URL of a publicly readable Cloud Storage object.
func PublicObjectURL(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "https://storage.googleapis.com/" + bucket + "/" + strings.Join(segments, "/")
}

// ObjectKeyFromURL recovers the object key from a URL produced by PublicObjectURL for bucket or
// by MemoryReceiptStore.Put.
func ObjectKeyFromURL(bucket, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	var escaped string
	switch {
	case strings.HasPrefix(raw, memoryURLPrefix):
		return strings.TrimPrefix(raw, memoryURLPrefix), raw != memoryURLPrefix
	case bucket != "" && strings.HasPrefix(raw, "https://storage.googleapis.com/"+bucket+"/"):
		escaped = strings.TrimPrefix(raw, "https://storage.googleapis.com/"+bucket+"/")
	default:
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func baseFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if i := strings.LastIndexAny(value, "/\\"); i >= 0 {
		value = value[i+1:]
	}
	if value == "" || value == "." || value == ".." {
		return "", errors.New("storage: fileName is required")
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return "", errors.New("storage: fileName contains control characters")
	}
	return value, nil
}
