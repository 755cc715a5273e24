package security

import "strings"

// Identity is the authenticated caller passed explicitly to every component.
// It is resolved once per request from JWT claims or an API key record.
type Identity struct {
	UserID   uint64
	Username string
	Email    string
	Tier     string
	Pro      bool
}

// Unlimited reports whether the caller bypasses balance checks: either the
// pro tier claim is set, or the account email belongs to an allow-listed
// domain.
func (id Identity) Unlimited(allowedDomains []string) bool {
	if id.Pro || strings.EqualFold(id.Tier, "pro") {
		return true
	}
	at := strings.LastIndex(id.Email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(id.Email[at+1:]))
	if domain == "" {
		return false
	}
	for _, allowed := range allowedDomains {
		if strings.EqualFold(strings.TrimSpace(allowed), domain) {
			return true
		}
	}
	return false
}
