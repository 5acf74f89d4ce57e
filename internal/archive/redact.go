package archive

import "regexp"

const (
	emailMarker = "[email]"
	phoneMarker = "[phone]"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+\d[\d\s.\-]{7,}\d|(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
)

// Redact replaces email addresses and phone numbers in text with markers.
func Redact(text string) string {
	if text == "" {
		return text
	}
	text = emailPattern.ReplaceAllString(text, emailMarker)
	return phonePattern.ReplaceAllString(text, phoneMarker)
}
