package safety

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calibworks/ecud/internal/model"
)

func TestWorstHealthySnapshot(t *testing.T) {
	profile := DefaultProfile()
	worst := profile.Worst(model.SafetySnapshot{
		RPM: 850, Boost: 0, AFR: 14.7, Knock: 0, Coolant: 88, IAT: 35,
	})
	require.Equal(t, SeverityOK, worst.Severity)
}

func TestCheckSortsMostSevereFirst(t *testing.T) {
	profile := DefaultProfile()
	findings := profile.Check(model.SafetySnapshot{
		RPM: 7200, Boost: 0.5, AFR: 14.7, Knock: 12, Coolant: 88, IAT: 35,
	})
	require.NotEmpty(t, findings)
	require.Equal(t, SeverityCritical, findings[0].Severity)
	require.Equal(t, "knock", findings[0].Parameter)
	require.Equal(t, SeverityWarning, findings[1].Severity)
	require.Equal(t, "rpm", findings[1].Parameter)
}

func TestEvaluateBounds(t *testing.T) {
	bounds := Bounds{Min: -40, Max: 150, Warning: 110, Critical: 120}
	cases := []struct {
		value float64
		want  Severity
	}{
		{88, SeverityOK},
		{110, SeverityWarning},
		{119.9, SeverityWarning},
		{120, SeverityCritical},
		{151, SeverityCritical},
		{-45, SeverityCritical},
	}
	for _, tc := range cases {
		f := evaluate("coolant", tc.value, bounds)
		require.Equalf(t, tc.want, f.Severity, "coolant=%.1f", tc.value)
		if f.Severity != SeverityOK {
			require.NotEmpty(t, f.Detail)
		}
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: track-day
supports_revert: true
checks:
  coolant:
    min: -40
    max: 150
    warning: 105
    critical: 115
`), 0o600))

	profile, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, "track-day", profile.Name)
	require.True(t, profile.SupportsRevert)

	worst := profile.Worst(model.SafetySnapshot{Coolant: 108})
	require.Equal(t, SeverityWarning, worst.Severity)
}

func TestLoadProfileRejectsEmptyChecks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: empty\n"), 0o600))
	_, err := LoadProfile(path)
	require.Error(t, err)
}
