package recovery

import "time"

// DefaultSchedule matches the configuration default: retries at one day,
// three days, and one week after the first failure.
var DefaultSchedule = []time.Duration{
	24 * time.Hour,
	72 * time.Hour,
	168 * time.Hour,
}

// NextRetryAt returns when retry number attempts+1 should run. Offsets apply
// from the first failure time, not the most recent one, so a late sweep never
// pushes the remaining schedule further out. Returns nil once the schedule is
// exhausted.
func NextRetryAt(firstFailure time.Time, attempts int, schedule []time.Duration) *time.Time {
	if attempts < 0 || attempts >= len(schedule) {
		return nil
	}
	t := firstFailure.Add(schedule[attempts])
	return &t
}
