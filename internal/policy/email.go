package policy

import (
	"net/mail"
	"strings"
)

// InvalidEmailMessage is shown when an email address fails ValidEmail.
const InvalidEmailMessage = "Please enter a valid email address."

// ValidEmail reports whether addr is a bare addr-spec with a dotted domain.
// Display-name forms such as "Ben <ben@example.com>" are rejected.
func ValidEmail(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" || len(addr) > 254 {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Name != "" || parsed.Address != addr {
		return false
	}
	at := strings.LastIndexByte(addr, '@')
	domain := addr[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
