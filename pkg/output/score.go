package output

import "github.com/danpilch/perfmon/pkg/event"

// HealthScore computes a 0-100 responsiveness score from detected events.
// Starts at 100, -15 per confirmed stall, -5 per stuck-frame burst, -3 per
// low frame rate cycle.
func HealthScore(events []event.Event) int {
	score := 100
	for _, e := range events {
		switch e.Kind() {
		case event.KindStallConfirmed:
			score -= 15
		case event.KindFrameStuck:
			score -= 5
		case event.KindLowFrameRate:
			score -= 3
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ScoreLabel returns a human-readable label for a health score.
func ScoreLabel(score int) string {
	if score >= 80 {
		return "Smooth"
	}
	if score >= 50 {
		return "Janky"
	}
	return "Unresponsive"
}
