package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calibworks/ecud/internal/model"
)

func TestSimConnectGuards(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()

	require.ErrorIs(t, sim.Disconnect(ctx), ErrNotConnected)
	_, err := sim.ReadTelemetry(ctx)
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = sim.WriteBlock(ctx, 0x1000, []byte{1})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, sim.Connect(ctx, "sim0"))
	require.ErrorIs(t, sim.Connect(ctx, "sim0"), ErrAlreadyConnected)
	require.NoError(t, sim.Disconnect(ctx))
}

func TestSimTelemetryQueueDrainsBeforeSteady(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	require.NoError(t, sim.Connect(ctx, "sim0"))

	sim.QueueTelemetry(
		model.SafetySnapshot{RPM: 3000},
		model.SafetySnapshot{RPM: 6500},
	)

	snap, err := sim.ReadTelemetry(ctx)
	require.NoError(t, err)
	require.Equal(t, 3000.0, snap.RPM)
	require.False(t, snap.TakenAt.IsZero())

	snap, err = sim.ReadTelemetry(ctx)
	require.NoError(t, err)
	require.Equal(t, 6500.0, snap.RPM)

	snap, err = sim.ReadTelemetry(ctx)
	require.NoError(t, err)
	require.Equal(t, 850.0, snap.RPM, "queue exhausted, steady snapshot expected")
}

func TestSimWriteBlockRetainsDataAndChecksums(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	require.NoError(t, sim.Connect(ctx, "sim0"))

	data := []byte{0x10, 0x20, 0x30}
	result, err := sim.WriteBlock(ctx, 0x8000, data)
	require.NoError(t, err)
	require.Equal(t, uint32(0x8000), result.Address)
	require.Equal(t, len(data), result.Written)
	require.Equal(t, Checksum(data), result.CRC)

	stored, ok := sim.BlockData(0x8000)
	require.True(t, ok)
	require.Equal(t, data, stored)
	require.Equal(t, 1, sim.WriteCount())
}

func TestSimFailNextWriteIsOneShot(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	require.NoError(t, sim.Connect(ctx, "sim0"))

	boom := errors.New("bus glitch")
	sim.FailNextWrite(boom)

	_, err := sim.WriteBlock(ctx, 0x100, []byte{1})
	require.ErrorIs(t, err, boom)

	_, err = sim.WriteBlock(ctx, 0x100, []byte{1})
	require.NoError(t, err)
}
