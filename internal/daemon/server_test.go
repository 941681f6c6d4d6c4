package daemon_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calibworks/ecud/internal/config"
	"github.com/calibworks/ecud/internal/daemon"
	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/flash"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/opsclient"
	"github.com/calibworks/ecud/internal/policy"
	"github.com/calibworks/ecud/internal/pubsub"
	"github.com/calibworks/ecud/internal/safety"
	"github.com/calibworks/ecud/internal/safetyq"
	"github.com/calibworks/ecud/internal/session"
	"github.com/calibworks/ecud/internal/statestore"
	"github.com/calibworks/ecud/internal/testutil"
	"github.com/calibworks/ecud/internal/transport"
)

func startServer(t *testing.T) (string, *db.Store, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	socketPath := filepath.Join(t.TempDir(), "ecud.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	gate, err := policy.NewGate(model.ModeDev)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	bus := pubsub.NewBus()
	sim := transport.NewSim()
	profile := safety.DefaultProfile()
	queue := safetyq.New(store, bus, nil, safetyq.Options{MaxAttempts: 3})
	sessions := session.NewManager(store, queue, gate, profile, sim, nil, time.Minute)
	flashMgr := flash.NewManager(store, queue, sim, nil, 4096)
	states := statestore.New(gate, bus, sim, sessions, flashMgr, profile, nil, statestore.Options{})

	srv := daemon.NewServer(cfg, store, states, queue, model.ModeDev, nil)
	serveCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(serveCtx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})

	waitForSocket(t, socketPath, errCh)
	return socketPath, store, ctx
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			t.Fatalf("server exited early: %v", err)
		default:
		}
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close() //nolint:errcheck
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}

func TestHealthEndpoint(t *testing.T) {
	socketPath, _, ctx := startServer(t)
	client := opsclient.New(socketPath)

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if health.SchemaVersion != "v1" {
		t.Fatalf("schema_version = %q, want v1", health.SchemaVersion)
	}
	if health.Status != "ok" {
		t.Fatalf("status = %q, want ok", health.Status)
	}
	if health.OperatorMode != string(model.ModeDev) {
		t.Fatalf("operator_mode = %q, want DEV", health.OperatorMode)
	}
}

func TestHealthDegradedOnExhaustedEvents(t *testing.T) {
	socketPath, store, ctx := startServer(t)

	ev := model.SafetyEvent{EventID: "ev-stuck", Type: model.EventViolation, Payload: "{}"}
	if err := store.AppendSafetyEvent(ctx, ev); err != nil {
		t.Fatalf("append event: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.IncrementEventAttempts(ctx, []string{"ev-stuck"}); err != nil {
			t.Fatalf("increment attempts: %v", err)
		}
	}

	client := opsclient.New(socketPath)
	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if health.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", health.Status)
	}
	if health.Queue.Exhausted != 1 {
		t.Fatalf("exhausted = %d, want 1", health.Queue.Exhausted)
	}
}

func TestStateEndpoint(t *testing.T) {
	socketPath, _, ctx := startServer(t)
	client := opsclient.New(socketPath)

	state, err := client.State(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Connection.Status != string(model.ConnDisconnected) {
		t.Fatalf("connection = %q, want disconnected", state.Connection.Status)
	}
	if state.Safety.Armed {
		t.Fatalf("fresh daemon must not be armed")
	}
	if state.Safety.Level != string(model.LevelReadOnly) {
		t.Fatalf("safety level = %q, want read_only", state.Safety.Level)
	}
}

func TestEventsEndpointFilters(t *testing.T) {
	socketPath, store, ctx := startServer(t)

	for _, ev := range []model.SafetyEvent{
		{EventID: "ev-1", Type: model.EventSessionCreated, Payload: "{}"},
		{EventID: "ev-2", Type: model.EventViolation, Payload: "{}"},
	} {
		if err := store.AppendSafetyEvent(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", ev.EventID, err)
		}
	}
	if err := store.MarkEventsDelivered(ctx, []string{"ev-1"}); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	client := opsclient.New(socketPath)
	all, err := client.Events(ctx, opsclient.EventsOptions{})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(all.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(all.Events))
	}

	undelivered, err := client.Events(ctx, opsclient.EventsOptions{UndeliveredOnly: true})
	if err != nil {
		t.Fatalf("get undelivered events: %v", err)
	}
	if len(undelivered.Events) != 1 || undelivered.Events[0].EventID != "ev-2" {
		t.Fatalf("unexpected undelivered set: %+v", undelivered.Events)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	socketPath, store, ctx := startServer(t)
	testutil.SeedSession(t, store, ctx, "sess-1", model.SessionSimulate, model.SessionPending)

	client := opsclient.New(socketPath)
	sessions, err := client.Sessions(ctx)
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if len(sessions.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions.Sessions))
	}
	if sessions.Sessions[0].SessionID != "sess-1" || sessions.Sessions[0].Status != string(model.SessionPending) {
		t.Fatalf("unexpected session record: %+v", sessions.Sessions[0])
	}
}

func TestShutdownRemovesSocket(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	socketPath := filepath.Join(t.TempDir(), "ecud.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	gate, err := policy.NewGate(model.ModeDev)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	bus := pubsub.NewBus()
	sim := transport.NewSim()
	profile := safety.DefaultProfile()
	queue := safetyq.New(store, bus, nil, safetyq.Options{})
	sessions := session.NewManager(store, queue, gate, profile, sim, nil, time.Minute)
	flashMgr := flash.NewManager(store, queue, sim, nil, 4096)
	states := statestore.New(gate, bus, sim, sessions, flashMgr, profile, nil, statestore.Options{})

	srv := daemon.NewServer(cfg, store, states, queue, model.ModeDev, nil)
	serveCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(serveCtx)
	}()
	waitForSocket(t, socketPath, errCh)

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("socket not removed on shutdown: %v", err)
	}
}
