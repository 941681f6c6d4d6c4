// Package api defines the JSON contract between ecud's ops socket and its
// clients. Read-only: mutation happens on the command queue, not here.
package api

import "time"

type QueueHealth struct {
	Undelivered int       `json:"undelivered"`
	Exhausted   int       `json:"exhausted"`
	CheckedAt   time.Time `json:"checked_at"`
}

type HealthResponse struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Status        string      `json:"status"`
	OperatorMode  string      `json:"operator_mode"`
	Queue         QueueHealth `json:"queue"`
}

type EventRecord struct {
	EventID          string    `json:"event_id"`
	Type             string    `json:"type"`
	Payload          string    `json:"payload"`
	CreatedAt        time.Time `json:"created_at"`
	Delivered        bool      `json:"delivered"`
	DeliveryAttempts int       `json:"delivery_attempts"`
}

type EventsResponse struct {
	SchemaVersion string        `json:"schema_version"`
	Events        []EventRecord `json:"events"`
}

type SessionRecord struct {
	SessionID        string     `json:"session_id"`
	VehicleSessionID string     `json:"vehicle_session_id"`
	ChangesetID      string     `json:"changeset_id,omitempty"`
	Mode             string     `json:"mode"`
	Armed            bool       `json:"armed"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Status           string     `json:"status"`
	RevertReason     string     `json:"revert_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type SessionsResponse struct {
	SchemaVersion string          `json:"schema_version"`
	Sessions      []SessionRecord `json:"sessions"`
}

type FlashJobRecord struct {
	JobID             string `json:"job_id"`
	EngineID          string `json:"engine_id"`
	SessionID         string `json:"session_id"`
	State             string `json:"state"`
	Progress          int    `json:"progress"`
	ChecksumOK        bool   `json:"checksum_ok"`
	ValidationOK      bool   `json:"validation_ok"`
	RollbackAvailable bool   `json:"rollback_available"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

type StateResponse struct {
	SchemaVersion string           `json:"schema_version"`
	Connection    ConnectionState  `json:"connection"`
	Telemetry     *Telemetry       `json:"telemetry,omitempty"`
	Diagnostics   DiagnosticsState `json:"diagnostics"`
	ActiveFlash   *FlashJobRecord  `json:"active_flash,omitempty"`
	Safety        SafetyState      `json:"safety"`
}

type ConnectionState struct {
	Status      string    `json:"status"`
	InterfaceID string    `json:"interface_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Telemetry struct {
	RPM     float64   `json:"rpm"`
	Boost   float64   `json:"boost"`
	AFR     float64   `json:"afr"`
	Knock   float64   `json:"knock"`
	Coolant float64   `json:"coolant"`
	IAT     float64   `json:"iat"`
	TakenAt time.Time `json:"taken_at"`
}

type DiagnosticsState struct {
	Codes      []DiagnosticCode `json:"codes"`
	LastScanAt *time.Time       `json:"last_scan_at,omitempty"`
	InProgress bool             `json:"in_progress"`
}

type DiagnosticCode struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type SafetyState struct {
	Armed     bool   `json:"armed"`
	Level     string `json:"level"`
	LastEvent string `json:"last_event,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
