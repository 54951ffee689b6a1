package training

import "strings"

const stepMarker = "STEP:"

// ParseStep extracts the step counter from one line of training output.
// The trainer emits lines of the form "STEP:<n>" with the base-10 digits
// immediately after the marker; anything else on the line past the digit
// run is ignored. Lines without the marker, or with no digit directly
// following it, report no step.
func ParseStep(line string) (int, bool) {
	idx := strings.Index(line, stepMarker)
	if idx < 0 {
		return 0, false
	}

	rest := line[idx+len(stepMarker):]
	step := 0
	digits := 0
	for _, c := range rest {
		if c < '0' || c > '9' {
			break
		}
		step = step*10 + int(c-'0')
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	return step, true
}
