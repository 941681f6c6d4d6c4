// Package transport is the vehicle-facing hardware capability. The command
// processor owns the single handle; nothing else may call it. Simulation
// and real pass-through devices sit behind the same contract.
package transport

import (
	"context"
	"errors"

	"github.com/calibworks/ecud/internal/model"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
)

// ChecksumResult reports the device-computed checksum for one block write.
// Callers compare it against a locally computed CRC before trusting the
// write.
type ChecksumResult struct {
	Address uint32
	Written int
	CRC     uint16
}

type Transport interface {
	Connect(ctx context.Context, ifaceID string) error
	Disconnect(ctx context.Context) error
	WriteBlock(ctx context.Context, addr uint32, data []byte) (ChecksumResult, error)
	ReadTelemetry(ctx context.Context) (model.SafetySnapshot, error)
}
