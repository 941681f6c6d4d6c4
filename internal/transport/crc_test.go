package transport

import "testing"

func TestChecksumKnownVectors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want uint16
	}{
		{"empty", nil, 0xFFFF},
		{"check string", []byte("123456789"), 0x29B1},
		{"single zero", []byte{0x00}, 0xE1F0},
	}
	for _, tc := range cases {
		if got := Checksum(tc.data); got != tc.want {
			t.Fatalf("%s: checksum = 0x%04X, want 0x%04X", tc.name, got, tc.want)
		}
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	clean := Checksum(data)
	data[2] ^= 0x01
	if Checksum(data) == clean {
		t.Fatalf("single-bit corruption went undetected")
	}
}
