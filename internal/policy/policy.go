// Package policy implements the operator mode gate. Every write-path entry
// point consults it before a command is accepted into the queue.
package policy

import (
	"fmt"
	"strings"

	"github.com/calibworks/ecud/internal/model"
)

type OperationKind string

const (
	OpRead     OperationKind = "read"
	OpEcuWrite OperationKind = "ecu_write"
	OpMockUse  OperationKind = "mock_use"
	OpFlash    OperationKind = "flash"
)

type Decision struct {
	Allowed bool
	Reason  string
}

// modeConfigs is the full policy table. DEV never allows ECU writes;
// WORKSHOP and LAB always require real hardware and confirmation.
var modeConfigs = map[model.OperatorMode]model.ModeConfig{
	model.ModeDev: {
		AllowsMockInterface:  true,
		AllowsEcuWrites:      false,
		RequiresRealHardware: false,
		RequiresConfirmation: false,
	},
	model.ModeWorkshop: {
		AllowsMockInterface:  false,
		AllowsEcuWrites:      true,
		RequiresRealHardware: true,
		RequiresConfirmation: true,
	},
	model.ModeLab: {
		AllowsMockInterface:  false,
		AllowsEcuWrites:      true,
		RequiresRealHardware: true,
		RequiresConfirmation: true,
	},
}

// Gate is constructed once at startup and immutable thereafter.
type Gate struct {
	mode model.OperatorMode
	cfg  model.ModeConfig
}

func NewGate(mode model.OperatorMode) (*Gate, error) {
	cfg, ok := modeConfigs[mode]
	if !ok {
		return nil, fmt.Errorf("unknown operator mode %q", mode)
	}
	return &Gate{mode: mode, cfg: cfg}, nil
}

func (g *Gate) Mode() model.OperatorMode { return g.mode }

func (g *Gate) Config() model.ModeConfig { return g.cfg }

// Authorize is a pure function of the mode and the operation kind. No side
// effects, no I/O.
func (g *Gate) Authorize(op OperationKind) Decision {
	switch op {
	case OpRead:
		return Decision{Allowed: true}
	case OpMockUse:
		if !g.cfg.AllowsMockInterface {
			return Decision{Reason: fmt.Sprintf("mode %s forbids mock interfaces", g.mode)}
		}
		return Decision{Allowed: true}
	case OpEcuWrite, OpFlash:
		if !g.cfg.AllowsEcuWrites {
			return Decision{Reason: fmt.Sprintf("mode %s forbids ECU writes", g.mode)}
		}
		return Decision{Allowed: true}
	default:
		return Decision{Reason: fmt.Sprintf("unknown operation kind %q", op)}
	}
}

// ParseMode normalizes an operator mode read from the environment.
func ParseMode(raw string) (model.OperatorMode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(model.ModeDev), "":
		return model.ModeDev, nil
	case string(model.ModeWorkshop):
		return model.ModeWorkshop, nil
	case string(model.ModeLab):
		return model.ModeLab, nil
	default:
		return "", fmt.Errorf("unknown operator mode %q", raw)
	}
}
