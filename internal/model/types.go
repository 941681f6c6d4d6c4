package model

import "time"

// OperatorMode selects the write policy for the whole process. It is read
// once at startup and never changes for the process lifetime.
type OperatorMode string

const (
	ModeDev      OperatorMode = "DEV"
	ModeWorkshop OperatorMode = "WORKSHOP"
	ModeLab      OperatorMode = "LAB"
)

// ModeConfig is the policy profile a mode maps to.
type ModeConfig struct {
	AllowsMockInterface  bool
	AllowsEcuWrites      bool
	RequiresRealHardware bool
	RequiresConfirmation bool
}

type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

type SafetyLevel string

const (
	LevelReadOnly   SafetyLevel = "read_only"
	LevelSimulation SafetyLevel = "simulation"
	LevelLiveApply  SafetyLevel = "live_apply"
)

// SafetySnapshot is one timestamped reading of the critical engine
// parameters used to gate writes.
type SafetySnapshot struct {
	RPM     float64
	Boost   float64
	AFR     float64
	Knock   float64
	Coolant float64
	IAT     float64
	TakenAt time.Time
}

type ConnectionState struct {
	Status      ConnectionStatus
	InterfaceID string
	LastError   string
	UpdatedAt   time.Time
}

type DiagnosticCode struct {
	Code     string
	Message  string
	Severity string
}

type DiagnosticsState struct {
	Codes      []DiagnosticCode
	LastScanAt *time.Time
	InProgress bool
}

type SafetyState struct {
	Armed     bool
	Level     SafetyLevel
	LastEvent string
}

type FlashState struct {
	Active  *FlashJob
	History []FlashJob
}

// ApplicationState is the single authoritative snapshot of vehicle-facing
// state. It is owned by the command processor; everyone else sees copies.
type ApplicationState struct {
	Connection  ConnectionState
	Telemetry   *SafetySnapshot
	Diagnostics DiagnosticsState
	Flash       FlashState
	Safety      SafetyState
}

// Clone returns a deep value copy safe to hand to subscribers.
func (s ApplicationState) Clone() ApplicationState {
	out := s
	if s.Telemetry != nil {
		t := *s.Telemetry
		out.Telemetry = &t
	}
	if s.Diagnostics.Codes != nil {
		out.Diagnostics.Codes = append([]DiagnosticCode(nil), s.Diagnostics.Codes...)
	}
	if s.Diagnostics.LastScanAt != nil {
		v := *s.Diagnostics.LastScanAt
		out.Diagnostics.LastScanAt = &v
	}
	if s.Flash.Active != nil {
		j := *s.Flash.Active
		out.Flash.Active = &j
	}
	if s.Flash.History != nil {
		out.Flash.History = append([]FlashJob(nil), s.Flash.History...)
	}
	return out
}

type CommandType string

const (
	CmdConnect         CommandType = "connection:connect"
	CmdDisconnect      CommandType = "connection:disconnect"
	CmdTelemetryPoll   CommandType = "telemetry:poll"
	CmdDiagnosticsScan CommandType = "diagnostics:scan"
	CmdSafetyArm       CommandType = "safety:arm"
	CmdSafetyDisarm    CommandType = "safety:disarm"
	CmdSessionCreate   CommandType = "session:create"
	CmdSessionArm      CommandType = "session:arm"
	CmdSessionApply    CommandType = "session:apply"
	CmdSessionCancel   CommandType = "session:cancel"
	CmdSessionSweep    CommandType = "session:sweep"
	CmdFlashStart      CommandType = "flash:start"
	CmdFlashContinue   CommandType = "flash:continue"
	CmdFlashAbort      CommandType = "flash:abort"
)

// Command is the only way state is mutated. Consumed exactly once, FIFO by
// enqueue order, never mutated after creation.
type Command struct {
	ID         string
	Type       CommandType
	Payload    any
	EnqueuedAt time.Time
}

type SafetyEventType string

const (
	EventViolation      SafetyEventType = "violation"
	EventSessionCreated SafetyEventType = "sessionCreated"
	EventSessionArmed   SafetyEventType = "sessionArmed"
	EventSessionApplied SafetyEventType = "sessionApplied"
	EventSessionExpired SafetyEventType = "sessionExpired"
)

// SafetyEvent is durably recorded before the occurrence it describes is
// considered to have happened. Only the delivery bookkeeping fields mutate.
type SafetyEvent struct {
	EventID          string
	Type             SafetyEventType
	Payload          string
	CreatedAt        time.Time
	Delivered        bool
	DeliveryAttempts int
}

type SessionMode string

const (
	SessionSimulate  SessionMode = "SIMULATE"
	SessionLiveApply SessionMode = "LIVE_APPLY"
	SessionFlash     SessionMode = "FLASH"
)

type SessionStatus string

const (
	SessionPending  SessionStatus = "PENDING"
	SessionArmed    SessionStatus = "ARMED"
	SessionApplying SessionStatus = "APPLYING"
	SessionApplied  SessionStatus = "APPLIED"
	SessionReverted SessionStatus = "REVERTED"
	SessionExpired  SessionStatus = "EXPIRED"
	SessionFailed   SessionStatus = "FAILED"
)

// TerminalSessionStatuses are the states a session can never leave.
var TerminalSessionStatuses = map[SessionStatus]bool{
	SessionApplied:  true,
	SessionReverted: true,
	SessionExpired:  true,
	SessionFailed:   true,
}

type TuningApplySession struct {
	SessionID        string
	VehicleSessionID string
	ChangesetID      string
	Mode             SessionMode
	Armed            bool
	ApplyToken       string
	ExpiresAt        *time.Time
	Status           SessionStatus
	RevertReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ParameterChange is one delta of a changeset. Previous carries the value
// needed to revert an already-applied write.
type ParameterChange struct {
	Parameter string
	Address   uint32
	Value     []byte
	Previous  []byte
}

type FlashJobState string

const (
	FlashPrepared  FlashJobState = "PREPARED"
	FlashFlashing  FlashJobState = "FLASHING"
	FlashVerifying FlashJobState = "VERIFYING"
	FlashCompleted FlashJobState = "COMPLETED"
	FlashFailed    FlashJobState = "FAILED"
	FlashAborted   FlashJobState = "ABORTED"
)

var TerminalFlashStates = map[FlashJobState]bool{
	FlashCompleted: true,
	FlashFailed:    true,
	FlashAborted:   true,
}

type FlashJob struct {
	JobID             string
	EngineID          string
	SessionID         string
	State             FlashJobState
	Progress          int
	ChecksumOK        bool
	ValidationOK      bool
	RollbackAvailable bool
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Command payloads. A payload is created by the caller and never mutated
// after enqueue.

type ConnectPayload struct {
	InterfaceID string
}

type SessionCreatePayload struct {
	VehicleSessionID string
	ChangesetID      string
	Mode             SessionMode
}

type SessionArmPayload struct {
	SessionID string
	Confirm   bool
}

type SessionApplyPayload struct {
	SessionID string
	Changes   []ParameterChange
}

type SessionCancelPayload struct {
	SessionID string
	Reason    string
}

type SafetyArmPayload struct {
	Level   SafetyLevel
	Confirm bool
}

type FlashStartPayload struct {
	JobID       string
	EngineID    string
	SessionID   string
	Image       []byte
	ExpectedCRC uint16
	BaseAddr    uint32
	// Backup is the pre-flash image captured by the caller. Its presence
	// is what makes rollback available.
	Backup []byte
}

type FlashAbortPayload struct {
	JobID  string
	Reason string
}

type FlashContinuePayload struct {
	JobID string
}

// Error codes surfaced on the command and ops API surfaces.
const (
	ErrPolicyDenied       = "E_POLICY_DENIED"
	ErrSafetyViolation    = "E_SAFETY_VIOLATION"
	ErrTransportFailure   = "E_TRANSPORT_FAILURE"
	ErrPersistenceFailure = "E_PERSISTENCE_FAILURE"
	ErrSessionExpired     = "E_SESSION_EXPIRED"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrUnknownCommand     = "E_UNKNOWN_COMMAND"
	ErrNotFound           = "E_NOT_FOUND"
)
