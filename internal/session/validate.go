package session

import (
	"fmt"
	"regexp"
)

// Session names become directory components under ~/.chatkit/sessions, so
// the alphabet is restricted to filesystem-safe characters.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a session directory name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: need 1-64 chars of [a-z0-9_-]", name)
	}
	return nil
}
