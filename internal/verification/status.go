package verification

import "strings"

// MapProviderStatus normalizes a provider status token into the canonical
// vocabulary. The mapping is total and case-insensitive; unknown or absent
// tokens mean the session is still in progress. Webhook ingestion and
// decision polling both go through this single function.
func MapProviderStatus(token string) Status {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "approved", "completed", "success", "verified":
		return StatusApproved
	case "declined", "rejected", "failed", "denied":
		return StatusRejected
	case "review", "pending_review", "manual_review":
		return StatusReview
	default:
		return StatusInProgress
	}
}

// StatusToken pulls the provider status token out of a decoded payload.
// Decision bodies use either "status" or "decision".
func StatusToken(payload map[string]any) string {
	if s, ok := payload["status"].(string); ok && s != "" {
		return s
	}
	if s, ok := payload["decision"].(string); ok && s != "" {
		return s
	}
	return ""
}

// VendorData pulls the correlation value the provider round-trips for us.
// It must equal the subject ID passed at session creation.
func VendorData(payload map[string]any) string {
	if v, ok := payload["vendor_data"].(string); ok {
		return v
	}
	return ""
}

// fullNameContainers is the ordered set of payload locations searched for a
// subject full name; the first non-empty hit wins.
var fullNameContainers = []string{"user", "data", "verified_data"}

var fullNameFields = []string{"full_name", "name"}

// ExtractFullName searches the known payload locations for a full-name
// field. Returns empty when none is present.
func ExtractFullName(payload map[string]any) string {
	for _, container := range fullNameContainers {
		nested, ok := payload[container].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range fullNameFields {
			if v, ok := nested[field].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}
