package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/calibworks/ecud/internal/model"
)

const (
	frameSOF      = 0xA5
	opWriteBlock  = 0x10
	opTelemetry   = 0x20
	ackOK         = 0x00
	telemetryLen  = 24 // six big-endian float32 readings
	serialTimeout = 2 * time.Second
)

// Serial talks to a pass-through interface box over a serial line. Frames
// carry a CRC-16-CCITT trailer; the device echoes its own CRC of the
// written block so the caller can confirm the transfer.
type Serial struct {
	mu     sync.Mutex
	device string
	baud   int
	port   serial.Port
}

func NewSerial(device string, baud int) *Serial {
	return &Serial{device: device, baud: baud}
}

func (s *Serial) Connect(ctx context.Context, ifaceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return ErrAlreadyConnected
	}
	device := s.device
	if ifaceID != "" {
		device = ifaceID
	}
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", device, err)
	}
	if err := port.SetReadTimeout(serialTimeout); err != nil {
		port.Close() //nolint:errcheck
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	s.port = port
	return nil
}

func (s *Serial) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotConnected
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return fmt.Errorf("close serial port: %w", err)
	}
	return nil
}

func (s *Serial) WriteBlock(ctx context.Context, addr uint32, data []byte) (ChecksumResult, error) {
	if err := ctx.Err(); err != nil {
		return ChecksumResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ChecksumResult{}, ErrNotConnected
	}

	frame := make([]byte, 0, 8+len(data)+2)
	frame = append(frame, frameSOF, opWriteBlock)
	frame = binary.BigEndian.AppendUint32(frame, addr)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(data)))
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint16(frame, Checksum(frame[1:]))
	if _, err := s.port.Write(frame); err != nil {
		return ChecksumResult{}, fmt.Errorf("write block frame: %w", err)
	}

	// Ack: SOF, status, device CRC of the block, CRC of the ack body.
	ack := make([]byte, 6)
	if _, err := io.ReadFull(s.port, ack); err != nil {
		return ChecksumResult{}, fmt.Errorf("read block ack: %w", err)
	}
	if ack[0] != frameSOF {
		return ChecksumResult{}, fmt.Errorf("block ack framing byte 0x%02x", ack[0])
	}
	if got, want := binary.BigEndian.Uint16(ack[4:6]), Checksum(ack[1:4]); got != want {
		return ChecksumResult{}, fmt.Errorf("block ack crc mismatch: got 0x%04x want 0x%04x", got, want)
	}
	if ack[1] != ackOK {
		return ChecksumResult{}, fmt.Errorf("device rejected block write: status 0x%02x", ack[1])
	}
	return ChecksumResult{
		Address: addr,
		Written: len(data),
		CRC:     binary.BigEndian.Uint16(ack[2:4]),
	}, nil
}

func (s *Serial) ReadTelemetry(ctx context.Context) (model.SafetySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.SafetySnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return model.SafetySnapshot{}, ErrNotConnected
	}

	poll := []byte{frameSOF, opTelemetry}
	poll = binary.BigEndian.AppendUint16(poll, Checksum(poll[1:2]))
	if _, err := s.port.Write(poll); err != nil {
		return model.SafetySnapshot{}, fmt.Errorf("write telemetry poll: %w", err)
	}

	resp := make([]byte, 1+telemetryLen+2)
	if _, err := io.ReadFull(s.port, resp); err != nil {
		return model.SafetySnapshot{}, fmt.Errorf("read telemetry frame: %w", err)
	}
	if resp[0] != frameSOF {
		return model.SafetySnapshot{}, fmt.Errorf("telemetry framing byte 0x%02x", resp[0])
	}
	body := resp[1 : 1+telemetryLen]
	if got, want := binary.BigEndian.Uint16(resp[1+telemetryLen:]), Checksum(body); got != want {
		return model.SafetySnapshot{}, fmt.Errorf("telemetry crc mismatch: got 0x%04x want 0x%04x", got, want)
	}
	return model.SafetySnapshot{
		RPM:     readF32(body[0:4]),
		Boost:   readF32(body[4:8]),
		AFR:     readF32(body[8:12]),
		Knock:   readF32(body[12:16]),
		Coolant: readF32(body[16:20]),
		IAT:     readF32(body[20:24]),
		TakenAt: time.Now().UTC(),
	}, nil
}

func readF32(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}
