package commit

import (
	"time"

	"skyplan/internal/domain"
)

// BuildItems turns a computed schedule into commit items, 1:1 and order
// preserving. It is total: malformed or missing optional fields stay absent
// in the output, they never become an error.
func BuildItems(schedule []domain.Opportunity) []domain.CommitItem {
	items := make([]domain.CommitItem, 0, len(schedule))
	for _, opp := range schedule {
		items = append(items, domain.CommitItem{
			OpportunityID: opp.OpportunityID,
			SatelliteID:   opp.SatelliteID,
			TargetID:      opp.TargetID,
			StartTime:     opp.StartTime,
			EndTime:       opp.EndTime,
			Roll:          rollAngle(opp),
			Pitch:         opp.Pitch,
			SARMode:       opp.SARMode,
			Value:         opp.Value,
		})
	}
	return items
}

// rollAngle prefers the primary roll field, falls back to delta roll, and is
// zero only when both are absent.
func rollAngle(opp domain.Opportunity) float64 {
	if opp.Roll != nil {
		return *opp.Roll
	}
	if opp.DeltaRoll != nil {
		return *opp.DeltaRoll
	}
	return 0
}

// ModeFor derives the commit mode from the first schedule item; a commit
// batch is assumed mode-homogeneous.
func ModeFor(schedule []domain.Opportunity) string {
	if len(schedule) > 0 && schedule[0].SARMode != nil {
		return "SAR"
	}
	return "OPTICAL"
}

// buildScheduleEntries maps commit items to receipt entries, computing the
// slack to the next acquisition. The last entry and unparseable timestamps
// get zero slack.
func buildScheduleEntries(items []domain.CommitItem) []domain.ScheduleEntry {
	entries := make([]domain.ScheduleEntry, 0, len(items))
	for i, item := range items {
		entry := domain.ScheduleEntry{
			OpportunityID: item.OpportunityID,
			SatelliteID:   item.SatelliteID,
			TargetID:      item.TargetID,
			StartTime:     item.StartTime,
			EndTime:       item.EndTime,
			Roll:          item.Roll,
			Value:         item.Value,
		}
		if i+1 < len(items) {
			entry.SlackSeconds = slackSeconds(item.EndTime, items[i+1].StartTime)
		}
		entries = append(entries, entry)
	}
	return entries
}

func slackSeconds(endTime, nextStart string) float64 {
	end, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return 0
	}
	start, err := time.Parse(time.RFC3339, nextStart)
	if err != nil {
		return 0
	}
	gap := start.Sub(end).Seconds()
	if gap < 0 {
		return 0
	}
	return gap
}
