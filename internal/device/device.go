// Package device derives human-readable device display names from
// User-Agent strings for session telemetry.
package device

import (
	"strings"

	"github.com/mssola/useragent"
)

// ParseUserAgent returns a short "Browser on OS" display name for telemetry.
// It never fails; unparseable input yields "Unknown Device".
func ParseUserAgent(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Unknown Device"
	}

	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	os := ua.OSInfo().Name
	if os == "" {
		os = ua.Platform()
	}

	switch {
	case browser == "" && os == "":
		return "Unknown Device"
	case browser == "":
		return os
	case os == "":
		return browser
	default:
		return browser + " on " + os
	}
}
