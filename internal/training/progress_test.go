package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		name string
		line string
		step int
		ok   bool
	}{
		{"bare marker line", "STEP:250", 250, true},
		{"marker mid-line", "epoch 1 STEP:980 loss=0.031", 980, true},
		{"trailing carriage return", "STEP:40\r", 40, true},
		{"zero step", "STEP:0", 0, true},
		{"digits then text", "STEP:125abc", 125, true},
		{"space after colon", "STEP: 250", 0, false},
		{"no digits", "STEP:abc", 0, false},
		{"marker alone", "STEP:", 0, false},
		{"no marker", "steps/sec: 4.2", 0, false},
		{"lowercase marker", "step:250", 0, false},
		{"empty line", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, ok := ParseStep(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.step, step)
		})
	}
}
