package validate

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// URL validation errors
var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrLoopbackHost     = errors.New("URL host is loopback")
)

// URLConstraints defines validation constraints for URLs.
type URLConstraints struct {
	AllowedSchemes []string // e.g., []string{"https", "http"}
	BlockLoopback  bool     // Reject localhost and loopback literals
	MaxLength      int      // Maximum URL length (0 = no limit)
}

// ProductionReturnURLConstraints apply to checkout return URLs in production.
var ProductionReturnURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https"},
	BlockLoopback:  true,
	MaxLength:      2048,
}

// DevelopmentReturnURLConstraints allow plain HTTP against a local frontend.
var DevelopmentReturnURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https", "http"},
	MaxLength:      2048,
}

// URL validates a URL against the given constraints.
// Returns the trimmed URL string and an error if validation fails.
func URL(urlStr string, constraints URLConstraints) (string, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", ErrEmpty
	}
	if constraints.MaxLength > 0 && len(urlStr) > constraints.MaxLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrStringTooLong, constraints.MaxLength)
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if len(constraints.AllowedSchemes) > 0 && !slices.Contains(constraints.AllowedSchemes, parsed.Scheme) {
		return "", fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, parsed.Scheme, constraints.AllowedSchemes)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	if constraints.BlockLoopback && isLoopback(hostname) {
		return "", fmt.Errorf("%w: %s", ErrLoopbackHost, hostname)
	}
	return urlStr, nil
}

// Only literals are inspected; no DNS lookup happens here.
func isLoopback(hostname string) bool {
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// ReturnURL validates a checkout success or cancel URL. The gateway appends
// its own query parameters, so an existing query string is allowed.
func ReturnURL(urlStr string, production bool) (string, error) {
	if production {
		return URL(urlStr, ProductionReturnURLConstraints)
	}
	return URL(urlStr, DevelopmentReturnURLConstraints)
}
