package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy        = bluemonday.UGCPolicy()
	textPolicy    = bluemonday.StrictPolicy()
	nicknameRegex = regexp.MustCompile(`^[\p{L}\p{N}._-]+$`)
	md            = goldmark.New()
)

// Sanitize strips all markup from untrusted inbound text, leaving plain
// text safe to display anywhere. Used for message bodies and nicknames
// received from the backend.
func Sanitize(input string) string {
	return textPolicy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a markdown message body to HTML and sanitizes the result
// with a UGC policy. Intended for web views embedding the chat.
func Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimRight(policy.Sanitize(buf.String()), "\n"), nil
}

// ValidateNickname checks that the nickname contains only letters, digits,
// dot, dash or underscore, and is not empty.
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return errors.New("nickname cannot be empty")
	}
	if !nicknameRegex.MatchString(nickname) {
		return errors.New("nickname contains invalid characters (allowed: letters, digits, dot, dash, underscore)")
	}
	return nil
}
