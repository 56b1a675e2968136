package session

import (
	"fmt"
	"regexp"
)

var userRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,127}$`)

// ValidateUserID checks that id is safe to use as a directory name and
// storage namespace.
func ValidateUserID(id string) error {
	if !userRegexp.MatchString(id) {
		return fmt.Errorf("invalid user id %q: must match %s", id, userRegexp.String())
	}
	return nil
}
