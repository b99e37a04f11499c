package crawl

import (
	"fmt"
	"regexp"
	"strings"
)

// Platform identifies a supported social network.
type Platform string

// Platforms the service coordinates crawling for.
const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformFacebook Platform = "facebook"
)

// Platforms returns all supported platforms in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformLinkedIn, PlatformFacebook}
}

// ParsePlatform validates a path or config value against the platform enum.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformLinkedIn:
		return PlatformLinkedIn, nil
	case PlatformFacebook:
		return PlatformFacebook, nil
	default:
		return "", fmt.Errorf("unsupported platform %q", s)
	}
}

// Valid reports whether p is a member of the platform enum.
func (p Platform) Valid() bool {
	_, err := ParsePlatform(string(p))
	return err == nil
}

// PlatformRules carries the per-platform constants used for account-id
// derivation, URL construction, seed validation, and keyword search. Rules
// are injected at construction time wherever platform behavior branches;
// nothing consults a global registry.
type PlatformRules struct {
	// ProfileURLFormat is a fmt template building a profile URL from an
	// account id.
	ProfileURLFormat string
	// AccountIDPattern extracts the account id from a profile URL; the
	// first capture group is the id.
	AccountIDPattern *regexp.Regexp
	// SeedURLPattern validates seed entry URLs; nil means the platform
	// does not take seeds.
	SeedURLPattern *regexp.Regexp
	// KeywordSuffix is appended once to every search keyword.
	KeywordSuffix string
	// Keywords reports whether the platform is discovered via search
	// keywords.
	Keywords bool
	// Seeds reports whether the platform is discovered via seed pages.
	Seeds bool
}

// ProfileURL builds the canonical profile URL for an account id.
func (r PlatformRules) ProfileURL(accountID string) string {
	return fmt.Sprintf(r.ProfileURLFormat, accountID)
}

// AccountID derives the account id from a profile URL, or "" when the URL
// does not match the platform's profile shape.
func (r PlatformRules) AccountID(url string) string {
	if r.AccountIDPattern == nil {
		return ""
	}
	m := r.AccountIDPattern.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// DefaultRules returns the rule set for every supported platform.
func DefaultRules() map[Platform]PlatformRules {
	return map[Platform]PlatformRules{
		PlatformLinkedIn: {
			ProfileURLFormat: "https://www.linkedin.com/in/%s",
			AccountIDPattern: regexp.MustCompile(`linkedin\.com/in/([^/?#]+)`),
			KeywordSuffix:    " site:linkedin.com",
			Keywords:         true,
		},
		PlatformFacebook: {
			ProfileURLFormat: "https://www.facebook.com/%s",
			AccountIDPattern: regexp.MustCompile(`facebook\.com/([^/?#]+?)/?(?:[?#]|$)`),
			SeedURLPattern:   regexp.MustCompile(`^https://www\.facebook\.com/([^/?#]+)/followers/?$`),
			Seeds:            true,
		},
	}
}
