package client

import "time"

// AllocateRequest asks the daemon for a port.
type AllocateRequest struct {
	App       string `json:"app_id"`
	Instance  string `json:"instance_id,omitempty"`
	Preferred int    `json:"preferred,omitempty"`
	Strict    bool   `json:"strict,omitempty"`
	RangeMin  int    `json:"range_min,omitempty"`
	RangeMax  int    `json:"range_max,omitempty"`
}

// RegisterRequest registers a service instance with the daemon. The
// identity must already hold a port allocation.
type RegisterRequest struct {
	Identity          IdentityRef       `json:"identity"`
	Name              string            `json:"name,omitempty"`
	Technology        string            `json:"technology,omitempty"`
	Host              string            `json:"host,omitempty"`
	Port              int               `json:"port,omitempty"`
	HealthCheckType   string            `json:"health_check_type,omitempty"`
	HealthCheckTarget string            `json:"health_check_target,omitempty"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type IdentityRef struct {
	App      string `json:"app_id"`
	Instance string `json:"instance_id"`
}

// Service mirrors the daemon's service record.
type Service struct {
	Identity          IdentityRef       `json:"identity"`
	Name              string            `json:"name"`
	Technology        string            `json:"technology,omitempty"`
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	Status            string            `json:"status"`
	HealthCheckType   string            `json:"health_check_type"`
	HealthCheckTarget string            `json:"health_check_target,omitempty"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RegisteredAt      time.Time         `json:"registered_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Generation        uint64            `json:"generation"`
}

// Allocation mirrors the daemon's allocation record.
type Allocation struct {
	Identity   IdentityRef `json:"identity"`
	Port       int         `json:"port"`
	State      string      `json:"state"`
	ReservedAt time.Time   `json:"reserved_at"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// HealthResult is the outcome of an on-demand health check.
type HealthResult struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// APIError is a non-2xx daemon response. Code is stable and machine
// readable; Message is for humans.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type portBody struct {
	Port int `json:"port"`
}

type availableBody struct {
	Port      int  `json:"port"`
	Available bool `json:"available"`
}
