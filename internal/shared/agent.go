package shared

import (
	"fmt"
	"regexp"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateAgentID rejects ids that are empty, too long, or unsafe to use as
// a path component.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("invalid agent id %q", id)
	}
	return nil
}
