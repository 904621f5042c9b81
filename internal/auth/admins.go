package auth

import "strings"

// AdminSet is the configured list of privileged identities.
type AdminSet map[string]struct{}

// NewAdminSet builds a set from email addresses, ignoring case and blanks.
func NewAdminSet(emails []string) AdminSet {
	set := make(AdminSet, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

// Contains reports whether email is an admin.
func (s AdminSet) Contains(email string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[strings.ToLower(strings.TrimSpace(email))]
	return ok
}
