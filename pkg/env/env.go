package env

import (
	"os"
	"strings"
)

// Get returns the trimmed value of the given environment variable or a
// fallback. Platform-injected variables (PORT, DYNO) bypass pkg/config, which
// only knows HABISTAT_* names.
func Get(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
