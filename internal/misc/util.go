package misc

import (
	"fmt"
	"strings"
)

// ValidateIdentifier rejects identifiers that are unsafe to use as a path
// component or object key segment.
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%s too long (max %d characters)", kind, MaxIdentifierLength)
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\ ") {
		return fmt.Errorf("%s contains invalid characters", kind)
	}
	return nil
}
