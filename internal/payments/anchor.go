package payments

import "time"

// NextAnchorDate returns the next occurrence of the configured billing day of
// month, at midnight UTC, strictly after now. Recurring add-ons accepted in
// the funnel all bill on this shared calendar date rather than individually
// staggered "now plus interval" dates.
//
// Days above 28 are clamped to 28 so the anchor exists in every month.
func NextAnchorDate(now time.Time, anchorDay int) time.Time {
	if anchorDay < 1 {
		anchorDay = 1
	}
	if anchorDay > 28 {
		anchorDay = 28
	}
	now = now.UTC()
	anchor := time.Date(now.Year(), now.Month(), anchorDay, 0, 0, 0, 0, time.UTC)
	if !anchor.After(now) {
		anchor = time.Date(now.Year(), now.Month()+1, anchorDay, 0, 0, 0, 0, time.UTC)
	}
	return anchor
}
