package appointment

import (
	"time"

	"github.com/wemeerkats/server/cmd/models"
	"gorm.io/gorm"
)

// blockingStatuses are the statuses that hold a time slot. Rejected,
// cancelled, completed and no-show appointments free their slot.
var blockingStatuses = []string{models.StatusPending, models.StatusAccepted, models.StatusRescheduled}

// overlaps reports whether the half-open intervals [s1, e1) and [s2, e2)
// intersect. Back-to-back sessions sharing a boundary do not overlap.
func overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// findConflict returns the first blocking appointment of either participant
// that overlaps [start, start+duration), or nil. excludeID skips the
// appointment being rescheduled so it cannot conflict with itself.
//
// The query bounds the candidate window with the maximum session length and
// the final interval check happens here, which keeps the behavior identical
// across database backends.
func findConflict(tx *gorm.DB, mentorID, learnerID uint, start time.Time, duration int, excludeID uint) (*models.Appointment, error) {
	end := start.Add(time.Duration(duration) * time.Minute)
	windowStart := start.Add(-time.Duration(maxDurationMinutes) * time.Minute)

	var candidates []models.Appointment
	query := tx.
		Where("(mentor_id = ? OR learner_id = ?)", mentorID, learnerID).
		Where("status IN ?", blockingStatuses).
		Where("start_time > ? AND start_time < ?", windowStart, end)
	if excludeID != 0 {
		query = query.Where("id <> ?", excludeID)
	}
	if err := query.Find(&candidates).Error; err != nil {
		return nil, err
	}

	for i := range candidates {
		c := &candidates[i]
		if overlaps(start, end, c.StartTime, c.EndTime()) {
			return c, nil
		}
	}
	return nil, nil
}
