package statestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/flash"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/policy"
	"github.com/calibworks/ecud/internal/pubsub"
	"github.com/calibworks/ecud/internal/safety"
	"github.com/calibworks/ecud/internal/safetyq"
	"github.com/calibworks/ecud/internal/session"
	"github.com/calibworks/ecud/internal/statestore"
	"github.com/calibworks/ecud/internal/testutil"
	"github.com/calibworks/ecud/internal/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	store  *db.Store
	sim    *transport.Sim
	bus    *pubsub.Bus
	states *statestore.Store
	ctx    context.Context
}

func newFixture(t *testing.T, mode model.OperatorMode, opts statestore.Options) *fixture {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	gate, err := policy.NewGate(mode)
	require.NoError(t, err)
	bus := pubsub.NewBus()
	sim := transport.NewSim()
	profile := safety.DefaultProfile()
	queue := safetyq.New(store, bus, nil, safetyq.Options{})
	sessions := session.NewManager(store, queue, gate, profile, sim, nil, 2*time.Minute)
	flashMgr := flash.NewManager(store, queue, sim, nil, 4)
	states := statestore.New(gate, bus, sim, sessions, flashMgr, profile, nil, opts)
	return &fixture{store: store, sim: sim, bus: bus, states: states, ctx: ctx}
}

// run starts the consumer loop and stops it when the test ends.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(f.ctx)
	t.Cleanup(cancel)
	go f.states.Run(ctx)
}

func TestWriteCommandDeniedInDevModeIsNeverEnqueued(t *testing.T) {
	f := newFixture(t, model.ModeDev, statestore.Options{})
	f.run(t)

	err := f.states.Enqueue(model.Command{
		Type:    model.CmdSafetyArm,
		Payload: model.SafetyArmPayload{Level: model.LevelLiveApply, Confirm: true},
	})
	require.ErrorIs(t, err, statestore.ErrPolicyDenied)

	err = f.states.Enqueue(model.Command{
		Type:    model.CmdFlashStart,
		Payload: model.FlashStartPayload{EngineID: "engine-1", SessionID: "sess-1", Image: []byte{1}},
	})
	require.ErrorIs(t, err, statestore.ErrPolicyDenied)

	// Reads still pass, proving the loop is alive and the denial
	// happened before the queue, not inside it.
	require.NoError(t, f.states.Enqueue(model.Command{
		Type:    model.CmdConnect,
		Payload: model.ConnectPayload{InterfaceID: "sim0"},
	}))
	require.Eventually(t, func() bool {
		return f.states.State().Connection.Status == model.ConnConnected
	}, waitFor, tick)

	state := f.states.State()
	require.False(t, state.Safety.Armed)
	require.Equal(t, model.LevelReadOnly, state.Safety.Level)

	events, err := f.store.ListRecentEvents(f.ctx, 10, false)
	require.NoError(t, err)
	require.Empty(t, events, "a denied command leaves no durable trace")
}

func TestCommandsExecuteInEnqueueOrder(t *testing.T) {
	f := newFixture(t, model.ModeDev, statestore.Options{})

	// Enqueue before the consumer starts so ordering is the only
	// variable: poll must run while connected, disconnect last.
	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdConnect, Payload: model.ConnectPayload{InterfaceID: "sim0"}}))
	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdTelemetryPoll}))
	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdDisconnect}))
	f.run(t)

	require.Eventually(t, func() bool {
		return f.states.State().Connection.Status == model.ConnDisconnected
	}, waitFor, tick)

	state := f.states.State()
	require.NotNil(t, state.Telemetry, "poll between connect and disconnect must have seen a connected transport")
	require.Equal(t, 850.0, state.Telemetry.RPM)
}

func TestUnknownCommandIsDroppedWithoutKillingTheLoop(t *testing.T) {
	f := newFixture(t, model.ModeDev, statestore.Options{})

	require.NoError(t, f.states.Enqueue(model.Command{Type: "espresso:brew"}))
	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdConnect, Payload: model.ConnectPayload{InterfaceID: "sim0"}}))
	f.run(t)

	require.Eventually(t, func() bool {
		return f.states.State().Connection.Status == model.ConnConnected
	}, waitFor, tick)
}

func TestEnqueueSaturatedQueue(t *testing.T) {
	f := newFixture(t, model.ModeDev, statestore.Options{QueueDepth: 1})

	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdTelemetryPoll}))
	err := f.states.Enqueue(model.Command{Type: model.CmdTelemetryPoll})
	require.ErrorIs(t, err, statestore.ErrQueueFull)
}

func TestSafetyArmRequiresConfirmation(t *testing.T) {
	f := newFixture(t, model.ModeWorkshop, statestore.Options{})
	f.run(t)

	require.NoError(t, f.states.Enqueue(model.Command{
		Type:    model.CmdSafetyArm,
		Payload: model.SafetyArmPayload{Level: model.LevelLiveApply},
	}))
	// The unconfirmed arm is consumed and rejected; a sentinel read
	// command proves it has been processed.
	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdConnect, Payload: model.ConnectPayload{InterfaceID: "can0"}}))
	require.Eventually(t, func() bool {
		return f.states.State().Connection.Status == model.ConnConnected
	}, waitFor, tick)
	require.False(t, f.states.State().Safety.Armed)

	require.NoError(t, f.states.Enqueue(model.Command{
		Type:    model.CmdSafetyArm,
		Payload: model.SafetyArmPayload{Level: model.LevelLiveApply, Confirm: true},
	}))
	require.Eventually(t, func() bool {
		return f.states.State().Safety.Armed
	}, waitFor, tick)
	require.Equal(t, model.LevelLiveApply, f.states.State().Safety.Level)

	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdSafetyDisarm}))
	require.Eventually(t, func() bool {
		return !f.states.State().Safety.Armed
	}, waitFor, tick)
	require.Equal(t, model.LevelReadOnly, f.states.State().Safety.Level)
}

func TestDiagnosticsScanMapsFindingsToTroubleCodes(t *testing.T) {
	f := newFixture(t, model.ModeDev, statestore.Options{})
	f.run(t)

	f.sim.SetTelemetry(model.SafetySnapshot{RPM: 2500, AFR: 14.7, Coolant: 125, IAT: 40})
	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdConnect, Payload: model.ConnectPayload{InterfaceID: "sim0"}}))
	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdDiagnosticsScan}))

	require.Eventually(t, func() bool {
		return f.states.State().Diagnostics.LastScanAt != nil
	}, waitFor, tick)

	diag := f.states.State().Diagnostics
	require.False(t, diag.InProgress)
	require.NotEmpty(t, diag.Codes)
	require.Equal(t, "P0217", diag.Codes[0].Code, "critical coolant maps to the over temperature code")
	require.Equal(t, string(safety.SeverityCritical), diag.Codes[0].Severity)
}

func TestSessionLifecycleThroughQueue(t *testing.T) {
	f := newFixture(t, model.ModeWorkshop, statestore.Options{})
	f.run(t)

	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdConnect, Payload: model.ConnectPayload{InterfaceID: "can0"}}))
	require.NoError(t, f.states.Enqueue(model.Command{
		Type:    model.CmdSessionCreate,
		Payload: model.SessionCreatePayload{VehicleSessionID: "vehicle-1", Mode: model.SessionLiveApply},
	}))

	var sessionID string
	require.Eventually(t, func() bool {
		sessions, err := f.store.ListSessions(f.ctx, 10)
		if err != nil || len(sessions) == 0 {
			return false
		}
		sessionID = sessions[0].SessionID
		return true
	}, waitFor, tick)

	require.NoError(t, f.states.Enqueue(model.Command{
		Type:    model.CmdSessionArm,
		Payload: model.SessionArmPayload{SessionID: sessionID, Confirm: true},
	}))
	require.NoError(t, f.states.Enqueue(model.Command{
		Type: model.CmdSessionApply,
		Payload: model.SessionApplyPayload{SessionID: sessionID, Changes: []model.ParameterChange{
			{Parameter: "boost_target", Address: 0x1000, Value: []byte{0x10}, Previous: []byte{0x08}},
		}},
	}))

	require.Eventually(t, func() bool {
		sess, err := f.store.GetSession(f.ctx, sessionID)
		return err == nil && sess.Status == model.SessionApplied
	}, waitFor, tick)
	require.Equal(t, string(model.EventSessionApplied), f.states.State().Safety.LastEvent)
	require.Equal(t, 1, f.sim.WriteCount())
}

func TestFlashJobDrivenByFollowupCommands(t *testing.T) {
	f := newFixture(t, model.ModeWorkshop, statestore.Options{})
	f.run(t)

	expires := time.Now().UTC().Add(2 * time.Minute)
	sess := testutil.SeedSession(t, f.store, f.ctx, "sess-1", model.SessionFlash, model.SessionPending)
	sess.Armed = true
	sess.Status = model.SessionArmed
	sess.ExpiresAt = &expires
	require.NoError(t, f.store.UpdateSession(f.ctx, sess))

	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdConnect, Payload: model.ConnectPayload{InterfaceID: "can0"}}))
	require.NoError(t, f.states.Enqueue(model.Command{
		Type: model.CmdFlashStart,
		Payload: model.FlashStartPayload{
			JobID:     "job-1",
			EngineID:  "engine-1",
			SessionID: "sess-1",
			Image:     make([]byte, 12),
		},
	}))

	require.Eventually(t, func() bool {
		history := f.states.State().Flash.History
		return len(history) == 1 && history[0].State == model.FlashCompleted
	}, waitFor, tick)

	state := f.states.State()
	require.Nil(t, state.Flash.Active)
	require.Equal(t, 100, state.Flash.History[0].Progress)
	require.Equal(t, 3, f.sim.WriteCount())

	job, err := f.store.GetFlashJob(f.ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.FlashCompleted, job.State)
}

func TestSweepCommandExpiresSessions(t *testing.T) {
	f := newFixture(t, model.ModeWorkshop, statestore.Options{})
	f.run(t)

	stale := time.Now().UTC().Add(-time.Minute)
	sess := testutil.SeedSession(t, f.store, f.ctx, "sess-1", model.SessionLiveApply, model.SessionPending)
	sess.Armed = true
	sess.Status = model.SessionArmed
	sess.ExpiresAt = &stale
	require.NoError(t, f.store.UpdateSession(f.ctx, sess))

	require.NoError(t, f.states.Enqueue(model.Command{Type: model.CmdSessionSweep}))

	require.Eventually(t, func() bool {
		got, err := f.store.GetSession(f.ctx, "sess-1")
		return err == nil && got.Status == model.SessionExpired
	}, waitFor, tick)
	require.Equal(t, string(model.EventSessionExpired), f.states.State().Safety.LastEvent)
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	f := newFixture(t, model.ModeDev, statestore.Options{})

	got := make(chan model.ConnectionState, 1)
	unsub := f.states.Subscribe(pubsub.ChannelConnection, func(v any) {
		if conn, ok := v.(model.ConnectionState); ok {
			select {
			case got <- conn:
			default:
			}
		}
	})
	defer unsub()

	select {
	case conn := <-got:
		require.Equal(t, model.ConnDisconnected, conn.Status)
	case <-time.After(waitFor):
		t.Fatal("no replay on subscribe")
	}
}
