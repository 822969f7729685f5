package registry

import (
	"fmt"
	"time"

	"portkeeper/internal/identity"
)

// Status is the lifecycle state of a registered service.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusUnhealthy  Status = "unhealthy"
	StatusStopped    Status = "stopped"
)

// AllStatuses in lifecycle order, for gauges and list filters.
var AllStatuses = []Status{StatusRegistered, StatusStarting, StatusRunning, StatusUnhealthy, StatusStopped}

func (s Status) Valid() bool {
	switch s {
	case StatusRegistered, StatusStarting, StatusRunning, StatusUnhealthy, StatusStopped:
		return true
	}
	return false
}

// canTransition enforces the forward-or-lateral rule:
// registered → starting → running ⇄ unhealthy → stopped, any state may go
// directly to stopped, and a same-status update is a lateral no-op.
// registered → running is a legal forward jump: adapters report running
// directly once serving, without a starting phase.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusStopped {
		return true
	}
	switch from {
	case StatusRegistered:
		return to == StatusStarting || to == StatusRunning
	case StatusStarting:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusUnhealthy
	case StatusUnhealthy:
		return to == StatusRunning
	}
	return false
}

// CheckType selects how a service is probed.
type CheckType string

const (
	CheckTCP     CheckType = "tcp"
	CheckHTTP    CheckType = "http"
	CheckCommand CheckType = "command"
	CheckCustom  CheckType = "custom"
	CheckNone    CheckType = "none"
)

func (c CheckType) Valid() bool {
	switch c {
	case CheckTCP, CheckHTTP, CheckCommand, CheckCustom, CheckNone, "":
		return true
	}
	return false
}

// Record is a registered service instance. The registry exclusively owns
// record lifetime; the health checker and resolver only read records and
// propose transitions through the registry's mutation API.
type Record struct {
	Identity   identity.ID `json:"identity"`
	Name       string      `json:"name"`
	Technology string      `json:"technology,omitempty"`
	Host       string      `json:"host"`
	// Port mirrors the allocation's port at registration time. Copied, not
	// live-linked: the registry stays self-consistent even when allocator
	// state is queried independently later.
	Port   int    `json:"port"`
	Status Status `json:"status"`

	HealthCheckType   CheckType `json:"health_check_type"`
	HealthCheckTarget string    `json:"health_check_target,omitempty"`

	// Dependencies are identity keys that must be running before this
	// service is considered ready.
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	ConsecutiveHealthFailures int `json:"consecutive_health_failures"`

	// Generation increments on every fresh Register of the same identity.
	// A probe result carrying an older generation is discarded, which makes
	// unregister effective even with a probe in flight.
	Generation uint64 `json:"generation"`
}

// URL returns the base URL of the service.
func (r Record) URL() string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, r.Port)
}

// Addr returns the dialable host:port of the service.
func (r Record) Addr() string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, r.Port)
}

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	App        string
	Technology string
	Status     Status
}

func (f Filter) matches(r Record) bool {
	if f.App != "" && r.Identity.App != f.App {
		return false
	}
	if f.Technology != "" && r.Technology != f.Technology {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}
