// Package statestore is the serialized command processor. It owns the one
// authoritative ApplicationState and the one hardware transport handle; all
// mutation flows through its FIFO command queue, drained by a single
// consumer goroutine. The queue is the lock.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calibworks/ecud/internal/flash"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/policy"
	"github.com/calibworks/ecud/internal/pubsub"
	"github.com/calibworks/ecud/internal/safety"
	"github.com/calibworks/ecud/internal/session"
	"github.com/calibworks/ecud/internal/transport"
)

var (
	ErrQueueFull    = errors.New("command queue full")
	ErrPolicyDenied = errors.New(model.ErrPolicyDenied)
)

// writeCommands are the command types that must clear the operator mode
// gate before they are accepted into the queue. Denial short-circuits: the
// command is never enqueued and no event is recorded.
var writeCommands = map[model.CommandType]bool{
	model.CmdSafetyArm:    true,
	model.CmdSessionArm:   true,
	model.CmdSessionApply: true,
	model.CmdFlashStart:   true,
}

type Store struct {
	gate      *policy.Gate
	bus       *pubsub.Bus
	transport transport.Transport
	sessions  *session.Manager
	flash     *flash.Manager
	profile   safety.Profile
	logger    *slog.Logger

	historyLimit int
	commands     chan model.Command

	mu    sync.RWMutex
	state model.ApplicationState
}

type Options struct {
	QueueDepth        int
	FlashHistoryLimit int
}

func New(gate *policy.Gate, bus *pubsub.Bus, tr transport.Transport, sessions *session.Manager, flashMgr *flash.Manager, profile safety.Profile, logger *slog.Logger, opts Options) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.FlashHistoryLimit <= 0 {
		opts.FlashHistoryLimit = 20
	}
	s := &Store{
		gate:         gate,
		bus:          bus,
		transport:    tr,
		sessions:     sessions,
		flash:        flashMgr,
		profile:      profile,
		logger:       logger,
		historyLimit: opts.FlashHistoryLimit,
		commands:     make(chan model.Command, opts.QueueDepth),
		state: model.ApplicationState{
			Connection: model.ConnectionState{Status: model.ConnDisconnected},
			Safety:     model.SafetyState{Level: model.LevelReadOnly},
		},
	}
	s.publishAll()
	return s
}

// Enqueue accepts the command into the FIFO and returns immediately. The
// only synchronous failure modes are a policy denial and a saturated queue.
func (s *Store) Enqueue(cmd model.Command) error {
	if writeCommands[cmd.Type] {
		if decision := s.gate.Authorize(policy.OpEcuWrite); !decision.Allowed {
			return fmt.Errorf("%w: %s", ErrPolicyDenied, decision.Reason)
		}
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now().UTC()
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// State returns a deep value copy; no caller can reach the live state.
func (s *Store) State() model.ApplicationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Subscribe registers for one state channel and immediately receives the
// current value as if it had just changed.
func (s *Store) Subscribe(ch pubsub.Channel, fn pubsub.Handler) func() {
	return s.bus.Subscribe(ch, fn)
}

// Run drains the queue until ctx is done. Exactly one command executes at
// a time, in strict enqueue order; a handler failure degrades the command's
// session or job, never the loop.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			s.process(ctx, cmd)
		}
	}
}

func (s *Store) process(ctx context.Context, cmd model.Command) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command handler panicked",
				slog.String("command_id", cmd.ID),
				slog.String("command_type", string(cmd.Type)),
				slog.Any("panic", r))
		}
	}()

	var err error
	switch cmd.Type {
	case model.CmdConnect:
		err = s.handleConnect(ctx, cmd)
	case model.CmdDisconnect:
		err = s.handleDisconnect(ctx)
	case model.CmdTelemetryPoll:
		err = s.handleTelemetryPoll(ctx)
	case model.CmdDiagnosticsScan:
		err = s.handleDiagnosticsScan(ctx)
	case model.CmdSafetyArm:
		err = s.handleSafetyArm(cmd)
	case model.CmdSafetyDisarm:
		s.handleSafetyDisarm()
	case model.CmdSessionCreate:
		err = s.handleSessionCreate(ctx, cmd)
	case model.CmdSessionArm:
		err = s.handleSessionArm(ctx, cmd)
	case model.CmdSessionApply:
		err = s.handleSessionApply(ctx, cmd)
	case model.CmdSessionCancel:
		err = s.handleSessionCancel(ctx, cmd)
	case model.CmdSessionSweep:
		err = s.handleSessionSweep(ctx)
	case model.CmdFlashStart:
		err = s.handleFlashStart(ctx, cmd)
	case model.CmdFlashContinue:
		err = s.handleFlashContinue(ctx, cmd)
	case model.CmdFlashAbort:
		err = s.handleFlashAbort(ctx, cmd)
	default:
		s.logger.Warn("unknown command type dropped",
			slog.String("command_id", cmd.ID),
			slog.String("command_type", string(cmd.Type)))
		return
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("command failed",
			slog.String("command_id", cmd.ID),
			slog.String("command_type", string(cmd.Type)),
			slog.String("error", err.Error()))
	}
}

func (s *Store) handleConnect(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.ConnectPayload)
	if !ok {
		return fmt.Errorf("%s: connect payload", model.ErrPreconditionFailed)
	}
	s.updateConnection(model.ConnectionState{
		Status:      model.ConnConnecting,
		InterfaceID: p.InterfaceID,
		UpdatedAt:   time.Now().UTC(),
	})
	if err := s.transport.Connect(ctx, p.InterfaceID); err != nil {
		s.updateConnection(model.ConnectionState{
			Status:      model.ConnError,
			InterfaceID: p.InterfaceID,
			LastError:   err.Error(),
			UpdatedAt:   time.Now().UTC(),
		})
		return fmt.Errorf("%s: %w", model.ErrTransportFailure, err)
	}
	s.updateConnection(model.ConnectionState{
		Status:      model.ConnConnected,
		InterfaceID: p.InterfaceID,
		UpdatedAt:   time.Now().UTC(),
	})
	return nil
}

func (s *Store) handleDisconnect(ctx context.Context) error {
	err := s.transport.Disconnect(ctx)
	state := model.ConnectionState{Status: model.ConnDisconnected, UpdatedAt: time.Now().UTC()}
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		state.Status = model.ConnError
		state.LastError = err.Error()
	}
	s.updateConnection(state)
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return fmt.Errorf("%s: %w", model.ErrTransportFailure, err)
	}
	return nil
}

func (s *Store) handleTelemetryPoll(ctx context.Context) error {
	snap, err := s.transport.ReadTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", model.ErrTransportFailure, err)
	}
	s.mutate(func(st *model.ApplicationState) {
		st.Telemetry = &snap
	})
	s.bus.Publish(pubsub.ChannelTelemetry, snap)
	return nil
}

func (s *Store) handleDiagnosticsScan(ctx context.Context) error {
	s.mutate(func(st *model.ApplicationState) {
		st.Diagnostics.InProgress = true
	})
	s.publishDiagnostics()

	snap, err := s.transport.ReadTelemetry(ctx)
	now := time.Now().UTC()
	if err != nil {
		s.mutate(func(st *model.ApplicationState) {
			st.Diagnostics.InProgress = false
		})
		s.publishDiagnostics()
		return fmt.Errorf("%s: %w", model.ErrTransportFailure, err)
	}

	codes := diagnosticCodes(s.profile.Check(snap))
	s.mutate(func(st *model.ApplicationState) {
		st.Diagnostics = model.DiagnosticsState{
			Codes:      codes,
			LastScanAt: &now,
			InProgress: false,
		}
		st.Telemetry = &snap
	})
	s.publishDiagnostics()
	s.bus.Publish(pubsub.ChannelTelemetry, snap)
	return nil
}

func (s *Store) handleSafetyArm(cmd model.Command) error {
	p, ok := cmd.Payload.(model.SafetyArmPayload)
	if !ok {
		return fmt.Errorf("%s: safety arm payload", model.ErrPreconditionFailed)
	}
	if s.gate.Config().RequiresConfirmation && !p.Confirm {
		return fmt.Errorf("%s: mode %s requires explicit confirmation to arm", model.ErrPreconditionFailed, s.gate.Mode())
	}
	level := p.Level
	if level == "" {
		level = model.LevelLiveApply
	}
	s.mutate(func(st *model.ApplicationState) {
		st.Safety.Armed = true
		st.Safety.Level = level
	})
	s.publishSafety()
	return nil
}

func (s *Store) handleSafetyDisarm() {
	s.mutate(func(st *model.ApplicationState) {
		st.Safety.Armed = false
		st.Safety.Level = model.LevelReadOnly
	})
	s.publishSafety()
}

func (s *Store) handleSessionCreate(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.SessionCreatePayload)
	if !ok {
		return fmt.Errorf("%s: session create payload", model.ErrPreconditionFailed)
	}
	_, err := s.sessions.Create(ctx, p)
	if err != nil {
		return err
	}
	s.noteSafetyEvent(string(model.EventSessionCreated))
	return nil
}

func (s *Store) handleSessionArm(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.SessionArmPayload)
	if !ok {
		return fmt.Errorf("%s: session arm payload", model.ErrPreconditionFailed)
	}
	_, err := s.sessions.Arm(ctx, p.SessionID, p.Confirm, time.Now().UTC())
	if err != nil {
		return err
	}
	s.noteSafetyEvent(string(model.EventSessionArmed))
	return nil
}

func (s *Store) handleSessionApply(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.SessionApplyPayload)
	if !ok {
		return fmt.Errorf("%s: session apply payload", model.ErrPreconditionFailed)
	}
	_, err := s.sessions.Apply(ctx, p.SessionID, p.Changes, time.Now().UTC())
	switch {
	case errors.Is(err, session.ErrSafetyViolation):
		s.noteSafetyEvent(string(model.EventViolation))
		return err
	case errors.Is(err, session.ErrSessionExpired):
		s.noteSafetyEvent(string(model.EventSessionExpired))
		return err
	case err != nil:
		return err
	}
	s.noteSafetyEvent(string(model.EventSessionApplied))
	return nil
}

func (s *Store) handleSessionCancel(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.SessionCancelPayload)
	if !ok {
		return fmt.Errorf("%s: session cancel payload", model.ErrPreconditionFailed)
	}
	_, err := s.sessions.Cancel(ctx, p.SessionID, p.Reason, time.Now().UTC())
	return err
}

func (s *Store) handleSessionSweep(ctx context.Context) error {
	expired, err := s.sessions.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if expired > 0 {
		s.noteSafetyEvent(string(model.EventSessionExpired))
	}
	return nil
}

func (s *Store) handleFlashStart(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.FlashStartPayload)
	if !ok {
		return fmt.Errorf("%s: flash start payload", model.ErrPreconditionFailed)
	}
	job, err := s.flash.Start(ctx, p, time.Now().UTC())
	if err != nil {
		return err
	}
	s.setActiveFlashJob(job)
	return s.enqueueFollowup(model.Command{
		Type:    model.CmdFlashContinue,
		Payload: model.FlashContinuePayload{JobID: job.JobID},
	}, job.JobID)
}

func (s *Store) handleFlashContinue(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.FlashContinuePayload)
	if !ok {
		return fmt.Errorf("%s: flash continue payload", model.ErrPreconditionFailed)
	}
	job, done, err := s.flash.Continue(ctx, p.JobID, time.Now().UTC())
	if err != nil {
		return err
	}
	if done {
		s.retireFlashJob(job)
		return nil
	}
	s.setActiveFlashJob(job)
	return s.enqueueFollowup(model.Command{
		Type:    model.CmdFlashContinue,
		Payload: model.FlashContinuePayload{JobID: job.JobID},
	}, job.JobID)
}

func (s *Store) handleFlashAbort(ctx context.Context, cmd model.Command) error {
	p, ok := cmd.Payload.(model.FlashAbortPayload)
	if !ok {
		return fmt.Errorf("%s: flash abort payload", model.ErrPreconditionFailed)
	}
	job, err := s.flash.Abort(ctx, p.JobID, p.Reason, time.Now().UTC())
	if err != nil {
		return err
	}
	s.retireFlashJob(job)
	return nil
}

// enqueueFollowup re-queues flash progress behind any commands that arrived
// in the meantime, which is exactly what lets an abort land on a block
// boundary.
func (s *Store) enqueueFollowup(cmd model.Command, jobID string) error {
	cmd.ID = uuid.NewString()
	cmd.EnqueuedAt = time.Now().UTC()
	select {
	case s.commands <- cmd:
		return nil
	default:
		s.logger.Error("command queue saturated; aborting flash job", slog.String("job_id", jobID))
		if _, err := s.flash.Abort(context.Background(), jobID, "command queue saturated", time.Now().UTC()); err != nil {
			return err
		}
		return ErrQueueFull
	}
}

func (s *Store) setActiveFlashJob(job model.FlashJob) {
	s.mutate(func(st *model.ApplicationState) {
		st.Flash.Active = &job
	})
	s.publishFlash()
}

func (s *Store) retireFlashJob(job model.FlashJob) {
	s.mutate(func(st *model.ApplicationState) {
		if st.Flash.Active != nil && st.Flash.Active.JobID == job.JobID {
			st.Flash.Active = nil
		}
		st.Flash.History = append([]model.FlashJob{job}, st.Flash.History...)
		if len(st.Flash.History) > s.historyLimit {
			st.Flash.History = st.Flash.History[:s.historyLimit]
		}
	})
	s.publishFlash()
}

func (s *Store) noteSafetyEvent(event string) {
	s.mutate(func(st *model.ApplicationState) {
		st.Safety.LastEvent = event
	})
	s.publishSafety()
}

func (s *Store) updateConnection(conn model.ConnectionState) {
	s.mutate(func(st *model.ApplicationState) {
		st.Connection = conn
	})
	s.bus.Publish(pubsub.ChannelConnection, conn)
}

func (s *Store) mutate(fn func(st *model.ApplicationState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *Store) publishSafety() {
	s.mu.RLock()
	safetyState := s.state.Safety
	s.mu.RUnlock()
	s.bus.Publish(pubsub.ChannelSafety, safetyState)
}

func (s *Store) publishDiagnostics() {
	s.mu.RLock()
	diag := s.state.Clone().Diagnostics
	s.mu.RUnlock()
	s.bus.Publish(pubsub.ChannelDiagnostics, diag)
}

func (s *Store) publishFlash() {
	s.mu.RLock()
	flashState := s.state.Clone().Flash
	s.mu.RUnlock()
	s.bus.Publish(pubsub.ChannelFlash, flashState)
}

func (s *Store) publishAll() {
	s.mu.RLock()
	clone := s.state.Clone()
	s.mu.RUnlock()
	s.bus.Publish(pubsub.ChannelConnection, clone.Connection)
	s.bus.Publish(pubsub.ChannelDiagnostics, clone.Diagnostics)
	s.bus.Publish(pubsub.ChannelFlash, clone.Flash)
	s.bus.Publish(pubsub.ChannelSafety, clone.Safety)
}

// troubleCodes maps bound findings onto the nearest OBD-II trouble codes
// so a scan reads like a scan tool would report it.
var troubleCodes = map[string]model.DiagnosticCode{
	"rpm":     {Code: "P0219", Message: "engine overspeed condition"},
	"boost":   {Code: "P0234", Message: "turbocharger overboost condition"},
	"afr":     {Code: "P0171", Message: "system too lean"},
	"knock":   {Code: "P0325", Message: "knock sensor circuit"},
	"coolant": {Code: "P0217", Message: "engine coolant over temperature"},
	"iat":     {Code: "P0113", Message: "intake air temperature high"},
}

func diagnosticCodes(findings []safety.Finding) []model.DiagnosticCode {
	codes := make([]model.DiagnosticCode, 0, len(findings))
	for _, f := range findings {
		if f.Severity == safety.SeverityOK {
			continue
		}
		code, ok := troubleCodes[f.Parameter]
		if !ok {
			code = model.DiagnosticCode{Code: "P1000", Message: f.Detail}
		}
		code.Severity = string(f.Severity)
		codes = append(codes, code)
	}
	return codes
}
