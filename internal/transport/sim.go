package transport

import (
	"context"
	"sync"
	"time"

	"github.com/calibworks/ecud/internal/model"
)

// Sim is the mock transport used in DEV mode and in tests. Telemetry and
// write failures are scriptable; written blocks are retained so tests can
// verify apply and revert traffic.
type Sim struct {
	mu        sync.Mutex
	connected bool
	ifaceID   string
	steady    model.SafetySnapshot
	queued    []model.SafetySnapshot
	writeErr  error
	memory    map[uint32][]byte
	writeLog  []ChecksumResult
}

func NewSim() *Sim {
	return &Sim{
		steady: model.SafetySnapshot{
			RPM:     850,
			Boost:   0,
			AFR:     14.7,
			Knock:   0,
			Coolant: 88,
			IAT:     35,
		},
		memory: make(map[uint32][]byte),
	}
}

func (s *Sim) Connect(_ context.Context, ifaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return ErrAlreadyConnected
	}
	s.connected = true
	s.ifaceID = ifaceID
	return nil
}

func (s *Sim) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.connected = false
	s.ifaceID = ""
	return nil
}

func (s *Sim) WriteBlock(_ context.Context, addr uint32, data []byte) (ChecksumResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ChecksumResult{}, ErrNotConnected
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.writeErr = nil
		return ChecksumResult{}, err
	}
	s.memory[addr] = append([]byte(nil), data...)
	result := ChecksumResult{Address: addr, Written: len(data), CRC: Checksum(data)}
	s.writeLog = append(s.writeLog, result)
	return result, nil
}

func (s *Sim) ReadTelemetry(_ context.Context) (model.SafetySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return model.SafetySnapshot{}, ErrNotConnected
	}
	snap := s.steady
	if len(s.queued) > 0 {
		snap = s.queued[0]
		s.queued = s.queued[1:]
	}
	snap.TakenAt = time.Now().UTC()
	return snap, nil
}

// SetTelemetry replaces the steady-state snapshot returned when the queue
// is empty.
func (s *Sim) SetTelemetry(snap model.SafetySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steady = snap
}

// QueueTelemetry schedules snapshots to be returned, in order, before the
// steady-state value.
func (s *Sim) QueueTelemetry(snaps ...model.SafetySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, snaps...)
}

// FailNextWrite makes the next WriteBlock call return err.
func (s *Sim) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// BlockData returns a copy of the last data written at addr.
func (s *Sim) BlockData(addr uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.memory[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// WriteCount reports how many block writes have been accepted.
func (s *Sim) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writeLog)
}
