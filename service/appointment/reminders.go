package appointment

import (
	"fmt"
	"log"
	"time"

	"github.com/wemeerkats/server/cmd/models"
)

// DispatchReminders emails and notifies both participants of accepted
// sessions starting within the window. Meant to run from a scheduler;
// each appointment is reminded at most once via the reminder_sent flag.
func (s *Service) DispatchReminders(window time.Duration) (int, error) {
	now := time.Now()

	var due []models.Appointment
	err := s.db.
		Where("status = ?", models.StatusAccepted).
		Where("start_time > ? AND start_time <= ?", now, now.Add(window)).
		Where("email_reminder_sent = ?", false).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range due {
		appt := &due[i]
		mentor, learner, err := s.participants(appt)
		if err != nil {
			log.Printf("reminder for appointment %d: load participants: %v", appt.ID, err)
			continue
		}

		mailFailed := false
		if err := s.mailer.SendAppointmentReminder(appt, mentor); err != nil {
			log.Printf("reminder email to mentor for appointment %d failed: %v", appt.ID, err)
			mailFailed = true
		}
		if err := s.mailer.SendAppointmentReminder(appt, learner); err != nil {
			log.Printf("reminder email to learner for appointment %d failed: %v", appt.ID, err)
			mailFailed = true
		}

		msg := fmt.Sprintf("Reminder: your %s session starts at %s",
			appt.Skill, appt.StartTime.Format("3:04 PM MST on Jan 2"))
		if err := s.notifier.Notify(appt.MentorID, models.RoleMentor, models.NotificationSessionReminder, msg); err != nil {
			log.Printf("reminder notification to mentor %d failed: %v", appt.MentorID, err)
		}
		if err := s.notifier.Notify(appt.LearnerID, models.RoleLearner, models.NotificationSessionReminder, msg); err != nil {
			log.Printf("reminder notification to learner %d failed: %v", appt.LearnerID, err)
		}

		if !mailFailed {
			s.updateEmailTracking(appt.ID, map[string]interface{}{
				"email_reminder_sent": true,
				"email_last_sent_at":  now,
			})
			sent++
		}
	}
	return sent, nil
}
