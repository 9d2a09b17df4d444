// Package email delivers the recovery-token mail.
package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrHeaderInjection is returned when a header name or value contains a line break.
var ErrHeaderInjection = errors.New("email header contains a line break")

// Message is a plain-text mail. Headers holds extra headers beyond
// From/To/Subject.
type Message struct {
	To      string
	Subject string
	Body    string
	Headers map[string]string
}

// Sender delivers mail.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Render returns msg as an RFC 5322 message with CRLF line endings.
// Extra headers are emitted in name order.
func (m Message) Render(from string) ([]byte, error) {
	names := make([]string, 0, len(m.Headers))
	for name := range m.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{
		"From: " + from,
		"To: " + m.To,
		"Subject: " + m.Subject,
	}
	for _, name := range names {
		lines = append(lines, name+": "+m.Headers[name])
	}
	for _, l := range lines {
		if strings.ContainsAny(l, "\r\n") {
			return nil, fmt.Errorf("%w: %q", ErrHeaderInjection, l)
		}
	}
	lines = append(lines,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		strings.ReplaceAll(strings.ReplaceAll(m.Body, "\r\n", "\n"), "\n", "\r\n"),
	)
	return []byte(strings.Join(lines, "\r\n")), nil
}
