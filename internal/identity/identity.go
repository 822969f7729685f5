package identity

import (
	"fmt"
	"strings"
)

// DefaultInstance is used when a caller names only the application.
const DefaultInstance = "default"

// ID names a single allocation/service as an (app, instance) pair.
// Records are persisted under the key form "<app_id>:<instance_id>".
type ID struct {
	App      string `json:"app_id"`
	Instance string `json:"instance_id"`
}

// New builds an ID, defaulting the instance when empty.
func New(app, instance string) ID {
	if instance == "" {
		instance = DefaultInstance
	}
	return ID{App: app, Instance: instance}
}

// Key returns the persisted key form "<app_id>:<instance_id>".
func (id ID) Key() string { return id.App + ":" + id.Instance }

func (id ID) String() string { return id.Key() }

// Parse splits a "<app_id>:<instance_id>" key back into an ID.
// A bare app id (no colon) gets the default instance.
func Parse(key string) (ID, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ID{}, fmt.Errorf("empty identity")
	}
	app, inst, found := strings.Cut(key, ":")
	if !found {
		inst = DefaultInstance
	}
	id := ID{App: app, Instance: inst}
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Validate rejects identities that would be unsafe as store keys or
// health-check labels. Allowed chars: [A-Za-z0-9._-], no path separators.
func (id ID) Validate() error {
	if id.App == "" {
		return fmt.Errorf("identity requires app_id")
	}
	if !safeName(id.App) {
		return fmt.Errorf("invalid app_id %q: allowed [A-Za-z0-9._-]", id.App)
	}
	if id.Instance == "" {
		return fmt.Errorf("identity %s requires instance_id", id.App)
	}
	if !safeName(id.Instance) {
		return fmt.Errorf("invalid instance_id %q: allowed [A-Za-z0-9._-]", id.Instance)
	}
	return nil
}

func safeName(s string) bool {
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
