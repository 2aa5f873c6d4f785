package serialmux

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		raw  string
		want Line
	}{
		{"2POS 1500\r\n", Line{ID: "2POS", Args: []string{"1500"}, Raw: "2POS 1500"}},
		{"2MOV +", Line{ID: "2MOV", Args: []string{"+"}, Raw: "2MOV +"}},
		{"2MOV !,E00011", Line{ID: "2MOV", Args: []string{"!", "E00011"}, Raw: "2MOV !,E00011"}},
		{"  1BTN 4 ", Line{ID: "1BTN", Args: []string{"4"}, Raw: "1BTN 4"}},
		{"X", Line{ID: "X", Raw: "X"}},
	}
	for _, tt := range tests {
		got, err := ParseLine(tt.raw)
		if err != nil {
			t.Errorf("ParseLine(%q): %v", tt.raw, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", tt.raw, diff)
		}
	}

	if _, err := ParseLine("\r\n"); err == nil {
		t.Error("expected an empty line to be rejected")
	}
}

func TestIsInvalidCommand(t *testing.T) {
	for raw, want := range map[string]bool{"X": true, "x": true, "2POS 1": false, "XPOS 1": false} {
		l, _ := ParseLine(raw)
		if got := l.IsInvalidCommand(); got != want {
			t.Errorf("%q: IsInvalidCommand = %v, want %v", raw, got, want)
		}
	}
}
