package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// StreamCodeRegex validates the stream code grammar: two or three
	// lowercase alphanumeric segments joined by hyphens.
	StreamCodeRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+){1,2}$`)

	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// ValidateStreamCode validates a stream code
func ValidateStreamCode(code string) error {
	if code == "" {
		return fmt.Errorf("stream code is required")
	}
	if len(code) > 100 {
		return fmt.Errorf("stream code is too long (max 100 characters)")
	}
	if !StreamCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid stream code format")
	}
	return nil
}

// ValidateIdentifier validates a login identifier (username or email)
func ValidateIdentifier(identifier string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return fmt.Errorf("username or email is required")
	}
	if len(identifier) > 254 {
		return fmt.Errorf("username or email is too long (max 254 characters)")
	}
	if strings.Contains(identifier, "@") && !EmailRegex.MatchString(identifier) {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// ValidateSecret validates a login secret
func ValidateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("password is required")
	}
	if len(secret) > 128 {
		return fmt.Errorf("password is too long (max 128 characters)")
	}
	return nil
}

// ValidateQuality validates a replay quality label
func ValidateQuality(quality string) error {
	if quality == "" {
		return fmt.Errorf("quality is required")
	}
	if !regexp.MustCompile(`^[0-9]{3,4}p$`).MatchString(quality) {
		return fmt.Errorf("invalid quality label (expected e.g. 720p)")
	}
	return nil
}
