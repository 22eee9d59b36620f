package auth

import (
	"strings"

	"github.com/agendapos/agendapos/internal/config"
)

// ValidateAPIKey resolves a static API key to its tenant and user identity.
// Keys map to "tenantID:userID" values in configuration.
func ValidateAPIKey(cfg *config.Configuration, key string) (tenantID string, userID string, valid bool) {
	if key == "" || len(cfg.Auth.APIKeys) == 0 {
		return "", "", false
	}

	identity, ok := cfg.Auth.APIKeys[key]
	if !ok {
		return "", "", false
	}

	parts := strings.SplitN(identity, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
