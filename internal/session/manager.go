// Package session implements the tuning apply session state machine. All
// methods are invoked from the command processor's single consumer, so a
// session transition never races another command.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/policy"
	"github.com/calibworks/ecud/internal/safety"
	"github.com/calibworks/ecud/internal/safetyq"
	"github.com/calibworks/ecud/internal/transport"
)

var (
	ErrSessionExpired  = errors.New(model.ErrSessionExpired)
	ErrSafetyViolation = errors.New(model.ErrSafetyViolation)
)

type Manager struct {
	store     *db.Store
	events    *safetyq.Queue
	gate      *policy.Gate
	profile   safety.Profile
	transport transport.Transport
	logger    *slog.Logger
	ttl       time.Duration
}

func NewManager(store *db.Store, events *safetyq.Queue, gate *policy.Gate, profile safety.Profile, tr transport.Transport, logger *slog.Logger, ttl time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Manager{
		store:     store,
		events:    events,
		gate:      gate,
		profile:   profile,
		transport: tr,
		logger:    logger,
		ttl:       ttl,
	}
}

func (m *Manager) Create(ctx context.Context, p model.SessionCreatePayload) (model.TuningApplySession, error) {
	switch p.Mode {
	case model.SessionSimulate, model.SessionLiveApply, model.SessionFlash:
	default:
		return model.TuningApplySession{}, fmt.Errorf("%s: unknown session mode %q", model.ErrPreconditionFailed, p.Mode)
	}
	now := time.Now().UTC()
	sess := model.TuningApplySession{
		SessionID:        uuid.NewString(),
		VehicleSessionID: p.VehicleSessionID,
		ChangesetID:      p.ChangesetID,
		Mode:             p.Mode,
		Status:           model.SessionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return model.TuningApplySession{}, err
	}
	if _, err := m.events.Append(ctx, model.EventSessionCreated, sessionEventPayload(sess, "")); err != nil {
		return model.TuningApplySession{}, err
	}
	return sess, nil
}

// Arm authorizes a session for live writes for a bounded window: fresh
// apply token, expiry set, confirmation honored when the mode demands it.
func (m *Manager) Arm(ctx context.Context, sessionID string, confirm bool, now time.Time) (model.TuningApplySession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.TuningApplySession{}, err
	}
	if sess.Status != model.SessionPending {
		return model.TuningApplySession{}, fmt.Errorf("%s: session %s is %s, not PENDING", model.ErrPreconditionFailed, sessionID, sess.Status)
	}
	if decision := m.gate.Authorize(policy.OpEcuWrite); !decision.Allowed {
		return model.TuningApplySession{}, fmt.Errorf("%s: %s", model.ErrPolicyDenied, decision.Reason)
	}
	if m.gate.Config().RequiresConfirmation && !confirm {
		return model.TuningApplySession{}, fmt.Errorf("%s: mode %s requires explicit confirmation to arm", model.ErrPreconditionFailed, m.gate.Mode())
	}

	expires := now.Add(m.ttl)
	sess.Armed = true
	sess.ApplyToken = uuid.NewString()
	sess.ExpiresAt = &expires
	sess.Status = model.SessionArmed
	sess.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return model.TuningApplySession{}, err
	}
	if _, err := m.events.Append(ctx, model.EventSessionArmed, sessionEventPayload(sess, "")); err != nil {
		return model.TuningApplySession{}, err
	}
	return sess, nil
}

// Apply writes the changeset live. The ARMED-and-not-expired check happens
// here, inside the single-threaded processor, so an apply that races the
// expiry sweep still loses to the clock.
func (m *Manager) Apply(ctx context.Context, sessionID string, changes []model.ParameterChange, now time.Time) (model.TuningApplySession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.TuningApplySession{}, err
	}
	if sess.Status == model.SessionArmed && sess.ExpiresAt != nil && !now.Before(*sess.ExpiresAt) {
		expired, expireErr := m.expire(ctx, sess, now)
		if expireErr != nil {
			return model.TuningApplySession{}, expireErr
		}
		return expired, fmt.Errorf("%w: session %s expired at %s", ErrSessionExpired, sessionID, sess.ExpiresAt.Format(time.RFC3339))
	}
	if sess.Status != model.SessionArmed {
		return model.TuningApplySession{}, fmt.Errorf("%s: session %s is %s, not ARMED", model.ErrPreconditionFailed, sessionID, sess.Status)
	}
	if sess.Mode == model.SessionFlash {
		return model.TuningApplySession{}, fmt.Errorf("%s: FLASH sessions are consumed by flash jobs, not parameter apply", model.ErrPreconditionFailed)
	}
	if len(changes) == 0 {
		return model.TuningApplySession{}, fmt.Errorf("%s: empty changeset", model.ErrPreconditionFailed)
	}

	sess.Status = model.SessionApplying
	sess.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return model.TuningApplySession{}, err
	}

	applied := make([]model.ParameterChange, 0, len(changes))
	for _, change := range changes {
		snap, err := m.transport.ReadTelemetry(ctx)
		if err != nil {
			return m.fail(ctx, sess, applied, fmt.Sprintf("telemetry read failed before %s: %v", change.Parameter, err))
		}
		if err := m.store.InsertSnapshot(ctx, uuid.NewString(), sess.SessionID, snap); err != nil {
			return m.fail(ctx, sess, applied, fmt.Sprintf("snapshot persistence failed: %v", err))
		}
		if worst := m.profile.Worst(snap); worst.Severity == safety.SeverityCritical {
			// The violation is durably recorded before any further
			// hardware call, including the revert writes.
			if _, appendErr := m.events.Append(ctx, model.EventViolation, violationPayload(sess, worst)); appendErr != nil {
				_, _ = m.fail(ctx, sess, nil, fmt.Sprintf("violation record failed: %v", appendErr))
				return sess, appendErr
			}
			out, failErr := m.fail(ctx, sess, applied, worst.Detail)
			if failErr != nil {
				return out, failErr
			}
			return out, fmt.Errorf("%w: %s", ErrSafetyViolation, worst.Detail)
		}
		if sess.Mode == model.SessionLiveApply {
			if _, err := m.transport.WriteBlock(ctx, change.Address, change.Value); err != nil {
				return m.fail(ctx, sess, applied, fmt.Sprintf("write %s failed: %v", change.Parameter, err))
			}
		}
		applied = append(applied, change)
	}

	sess.Status = model.SessionApplied
	sess.Armed = false
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return model.TuningApplySession{}, err
	}
	if _, err := m.events.Append(ctx, model.EventSessionApplied, sessionEventPayload(sess, "")); err != nil {
		return model.TuningApplySession{}, err
	}
	return sess, nil
}

// Cancel reverts a session from any non-terminal state.
func (m *Manager) Cancel(ctx context.Context, sessionID, reason string, now time.Time) (model.TuningApplySession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.TuningApplySession{}, err
	}
	if model.TerminalSessionStatuses[sess.Status] {
		return model.TuningApplySession{}, fmt.Errorf("%s: session %s already %s", model.ErrPreconditionFailed, sessionID, sess.Status)
	}
	if reason == "" {
		reason = "operator cancel"
	}
	sess.Status = model.SessionReverted
	sess.Armed = false
	sess.RevertReason = reason
	sess.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return model.TuningApplySession{}, err
	}
	return sess, nil
}

// SweepExpired moves stale ARMED sessions to EXPIRED and records the
// lifecycle event for each. Runs as a command, so it is ordered against
// arms and applies.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.store.ListExpiredArmedSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, sess := range stale {
		if _, err := m.expire(ctx, sess, now); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (model.TuningApplySession, error) {
	return m.store.GetSession(ctx, sessionID)
}

func (m *Manager) expire(ctx context.Context, sess model.TuningApplySession, now time.Time) (model.TuningApplySession, error) {
	sess.Status = model.SessionExpired
	sess.Armed = false
	sess.ApplyToken = ""
	sess.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return model.TuningApplySession{}, err
	}
	if _, err := m.events.Append(ctx, model.EventSessionExpired, sessionEventPayload(sess, "")); err != nil {
		return model.TuningApplySession{}, err
	}
	return sess, nil
}

// fail finishes a session on the failure path: already-applied deltas are
// written back when the profile supports revert, otherwise the session
// lands in REVERTED with the reason recorded.
func (m *Manager) fail(ctx context.Context, sess model.TuningApplySession, applied []model.ParameterChange, reason string) (model.TuningApplySession, error) {
	status := model.SessionFailed
	if len(applied) > 0 {
		if m.profile.SupportsRevert && sess.Mode == model.SessionLiveApply {
			m.revertApplied(ctx, applied)
		} else {
			status = model.SessionReverted
		}
	}
	sess.Status = status
	sess.Armed = false
	sess.RevertReason = reason
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return model.TuningApplySession{}, err
	}
	return sess, nil
}

func (m *Manager) revertApplied(ctx context.Context, applied []model.ParameterChange) {
	for i := len(applied) - 1; i >= 0; i-- {
		change := applied[i]
		if change.Previous == nil {
			m.logger.Warn("no previous value to revert", slog.String("parameter", change.Parameter))
			continue
		}
		if _, err := m.transport.WriteBlock(ctx, change.Address, change.Previous); err != nil {
			m.logger.Error("revert write failed",
				slog.String("parameter", change.Parameter),
				slog.String("error", err.Error()))
		}
	}
}

func sessionEventPayload(sess model.TuningApplySession, detail string) map[string]any {
	p := map[string]any{
		"session_id": sess.SessionID,
		"status":     string(sess.Status),
		"mode":       string(sess.Mode),
	}
	if sess.ExpiresAt != nil {
		p["expires_at"] = sess.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if detail != "" {
		p["detail"] = detail
	}
	return p
}

func violationPayload(sess model.TuningApplySession, worst safety.Finding) map[string]any {
	return map[string]any{
		"session_id": sess.SessionID,
		"parameter":  worst.Parameter,
		"value":      worst.Value,
		"severity":   string(worst.Severity),
		"detail":     worst.Detail,
	}
}
