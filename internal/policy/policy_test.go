package policy

import (
	"testing"

	"github.com/calibworks/ecud/internal/model"
)

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name    string
		mode    model.OperatorMode
		op      OperationKind
		allowed bool
	}{
		{"dev reads", model.ModeDev, OpRead, true},
		{"dev mock", model.ModeDev, OpMockUse, true},
		{"dev write denied", model.ModeDev, OpEcuWrite, false},
		{"dev flash denied", model.ModeDev, OpFlash, false},
		{"workshop write", model.ModeWorkshop, OpEcuWrite, true},
		{"workshop mock denied", model.ModeWorkshop, OpMockUse, false},
		{"lab flash", model.ModeLab, OpFlash, true},
		{"lab mock denied", model.ModeLab, OpMockUse, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate, err := NewGate(tc.mode)
			if err != nil {
				t.Fatalf("new gate: %v", err)
			}
			decision := gate.Authorize(tc.op)
			if decision.Allowed != tc.allowed {
				t.Fatalf("authorize %s in %s: got allowed=%t want %t (reason %q)", tc.op, tc.mode, decision.Allowed, tc.allowed, decision.Reason)
			}
			if !decision.Allowed && decision.Reason == "" {
				t.Fatalf("denial without reason")
			}
		})
	}
}

func TestAuthorizeUnknownOperation(t *testing.T) {
	gate, err := NewGate(model.ModeLab)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if decision := gate.Authorize("telepathy"); decision.Allowed {
		t.Fatalf("unknown operation kind must be denied")
	}
}

func TestNewGateUnknownMode(t *testing.T) {
	if _, err := NewGate("GARAGE"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		raw  string
		want model.OperatorMode
		ok   bool
	}{
		{"DEV", model.ModeDev, true},
		{"dev", model.ModeDev, true},
		{"", model.ModeDev, true},
		{" workshop ", model.ModeWorkshop, true},
		{"LAB", model.ModeLab, true},
		{"prod", "", false},
	}
	for _, tc := range cases {
		mode, err := ParseMode(tc.raw)
		if tc.ok != (err == nil) {
			t.Fatalf("parse %q: err=%v, want ok=%t", tc.raw, err, tc.ok)
		}
		if tc.ok && mode != tc.want {
			t.Fatalf("parse %q: got %s want %s", tc.raw, mode, tc.want)
		}
	}
}
