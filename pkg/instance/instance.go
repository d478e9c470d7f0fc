package instance

import (
	"os"
	"strings"
)

// GetID returns the process instance identifier used in logs and lock
// ownership: an explicit HABISTAT_INSTANCE_ID, the platform dyno name, the
// hostname, or "local".
func GetID() string {
	for _, env := range []string{"HABISTAT_INSTANCE_ID", "DYNO"} {
		if id := strings.TrimSpace(os.Getenv(env)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
