package rate

import "time"

// Stage is one linear segment of a ramp: move to Target over Duration.
type Stage struct {
	Duration time.Duration
	Target   float64
}

// TotalDuration sums the durations of all stages.
func TotalDuration(stages []Stage) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += s.Duration
	}
	return total
}

// ValueAt interpolates the ramp at elapsed, starting from start.
//
// Each stage moves linearly from the previous stage's target to its own,
// so at the end of a stage the value equals that stage's target exactly.
// The second return is false once elapsed is past the last stage.
func ValueAt(stages []Stage, start float64, elapsed time.Duration) (float64, bool) {
	from := start
	var offset time.Duration

	for _, s := range stages {
		end := offset + s.Duration
		if elapsed < end {
			if s.Duration <= 0 {
				return s.Target, true
			}
			progress := float64(elapsed-offset) / float64(s.Duration)
			return from + (s.Target-from)*progress, true
		}
		from = s.Target
		offset = end
	}
	return from, false
}

// StageIndex returns the index of the stage active at elapsed, or -1 when done.
func StageIndex(stages []Stage, elapsed time.Duration) int {
	var offset time.Duration
	for i, s := range stages {
		offset += s.Duration
		if elapsed < offset {
			return i
		}
	}
	return -1
}
