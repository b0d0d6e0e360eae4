package client

import "time"

// Operation mirrors an operation record as served by the API.
type Operation struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	PID          int       `json:"pid"`
	Name         string    `json:"name"`
	Command      string    `json:"command,omitempty"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Connection is a configured host without its credentials.
type Connection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`
}

// Summary counts the outcome of one reconciliation pass.
type Summary struct {
	Checked int `json:"checked"`
	Synced  int `json:"synced"`
	Errors  int `json:"errors"`
}

// ListResponse is the body of an operations listing.
type ListResponse struct {
	Operations []Operation `json:"operations"`
	Synced     bool        `json:"synced"`
	// Degraded is set when a sync was requested but the host was unreachable.
	Degraded string  `json:"degraded,omitempty"`
	Summary  Summary `json:"summary"`
}

// LaunchRequest starts a command on a connection's host.
type LaunchRequest struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`
}

// Event is one message of the event stream.
type Event struct {
	Type         string     `json:"type"`
	ConnectionID string     `json:"connection_id"`
	Operation    *Operation `json:"operation,omitempty"`
	Summary      *Summary   `json:"summary,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// EventsQuery narrows the event stream.
type EventsQuery struct {
	ConnectionID string
	Type         string
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
