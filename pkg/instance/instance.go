package instance

import (
	"os"
	"strings"
)

// GetID returns the worker instance identifier: CHATRELAY_WORKER_ID, then
// the host name, then a fixed default.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv("CHATRELAY_WORKER_ID")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
