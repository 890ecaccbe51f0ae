package appointment

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wemeerkats/server/cmd/models"
)

// The functions in this file run after a status change has committed. Each
// side effect is attempted independently; a failure is logged and recorded
// on the appointment row but never surfaces to the caller and never touches
// the status.

func (s *Service) notifyBooked(appt *models.Appointment, learner *models.User) {
	msg := fmt.Sprintf("%s requested a %s session on %s",
		learner.FullName, appt.Skill, appt.StartTime.Format("Jan 2, 2006 at 3:04 PM MST"))
	if err := s.notifier.Notify(appt.MentorID, models.RoleMentor, models.NotificationAppointmentBooked, msg); err != nil {
		log.Printf("notify mentor %d failed: %v", appt.MentorID, err)
	}
}

// afterAccept syncs the calendar event and sends confirmation emails. Runs
// on first acceptance and again after an accepted reschedule, where it
// updates the existing event instead of creating a second one.
func (s *Service) afterAccept(apptID uint) {
	appt, err := s.reload(apptID)
	if err != nil {
		log.Printf("post-accept fanout: reload appointment %d: %v", apptID, err)
		return
	}
	mentor, learner, err := s.participants(appt)
	if err != nil {
		log.Printf("post-accept fanout: load participants for appointment %d: %v", apptID, err)
		return
	}

	s.syncCalendarEvent(appt, mentor, learner)

	if err := s.mailer.SendAppointmentConfirmation(appt, mentor, learner); err != nil {
		log.Printf("confirmation email for appointment %d failed: %v", appt.ID, err)
	} else {
		now := time.Now()
		s.updateEmailTracking(appt.ID, map[string]interface{}{
			"email_invite_sent":  true,
			"email_last_sent_at": now,
		})
	}

	msg := fmt.Sprintf("%s accepted your %s session on %s",
		mentor.FullName, appt.Skill, appt.StartTime.Format("Jan 2, 2006 at 3:04 PM MST"))
	if err := s.notifier.Notify(appt.LearnerID, models.RoleLearner, models.NotificationAppointmentAccepted, msg); err != nil {
		log.Printf("notify learner %d failed: %v", appt.LearnerID, err)
	}
}

func (s *Service) afterCancel(apptID uint, cancelledBy models.Actor, reason string) {
	appt, err := s.reload(apptID)
	if err != nil {
		log.Printf("post-cancel fanout: reload appointment %d: %v", apptID, err)
		return
	}
	mentor, learner, err := s.participants(appt)
	if err != nil {
		log.Printf("post-cancel fanout: load participants for appointment %d: %v", apptID, err)
		return
	}

	if appt.Calendar.EventID != "" {
		if err := s.calendar.CancelEvent(appt); err != nil {
			s.recordSyncFailure(appt.ID, err)
		} else {
			now := time.Now()
			s.updateCalendarSync(appt.ID, map[string]interface{}{
				"calendar_synced":         false,
				"calendar_last_synced_at": now,
				"calendar_sync_error":     "",
			})
		}
	}

	cancelledByName := learner.FullName
	if cancelledBy.IsMentor() {
		cancelledByName = mentor.FullName
	}
	if err := s.mailer.SendAppointmentCancellation(appt, mentor, learner, cancelledByName, reason); err != nil {
		log.Printf("cancellation email for appointment %d failed: %v", appt.ID, err)
	} else {
		now := time.Now()
		s.updateEmailTracking(appt.ID, map[string]interface{}{
			"email_cancellation_sent": true,
			"email_last_sent_at":      now,
		})
	}

	msg := fmt.Sprintf("Your %s session on %s was cancelled by %s",
		appt.Skill, appt.StartTime.Format("Jan 2, 2006 at 3:04 PM MST"), cancelledByName)
	if reason != "" {
		msg += ": " + reason
	}
	if err := s.notifier.Notify(appt.MentorID, models.RoleMentor, models.NotificationAppointmentCancelled, msg); err != nil {
		log.Printf("notify mentor %d failed: %v", appt.MentorID, err)
	}
	if err := s.notifier.Notify(appt.LearnerID, models.RoleLearner, models.NotificationAppointmentCancelled, msg); err != nil {
		log.Printf("notify learner %d failed: %v", appt.LearnerID, err)
	}
}

// syncCalendarEvent creates or updates the mirrored event and records the
// outcome on the appointment row.
func (s *Service) syncCalendarEvent(appt *models.Appointment, mentor, learner *models.User) {
	var info *EventInfo
	var err error
	if appt.Calendar.EventID == "" {
		info, err = s.calendar.CreateEvent(appt, mentor, learner)
	} else {
		info, err = s.calendar.UpdateEvent(appt, mentor, learner)
	}
	if err != nil {
		s.recordSyncFailure(appt.ID, err)
		return
	}

	now := time.Now()
	updates := map[string]interface{}{
		"calendar_synced":         true,
		"calendar_last_synced_at": now,
		"calendar_sync_error":     "",
	}
	if info != nil {
		updates["calendar_event_id"] = info.EventID
		updates["calendar_event_link"] = info.EventLink
		updates["calendar_meeting_link"] = info.MeetingLink
		appt.Calendar.EventID = info.EventID
		appt.Calendar.EventLink = info.EventLink
		appt.Calendar.MeetingLink = info.MeetingLink
	}
	appt.Calendar.Synced = true
	s.updateCalendarSync(appt.ID, updates)
}

// SyncCalendar retries the calendar mirror for an accepted appointment on
// demand. Unlike the automatic fanout this surfaces the failure to the
// caller so the client can show it.
func (s *Service) SyncCalendar(actor models.Actor, apptID uint) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if appt.Status != models.StatusAccepted {
		return nil, fmt.Errorf("%w: only accepted appointments sync to the calendar", ErrValidation)
	}
	mentor, learner, err := s.participants(appt)
	if err != nil {
		return nil, err
	}

	var info *EventInfo
	if appt.Calendar.EventID == "" {
		info, err = s.calendar.CreateEvent(appt, mentor, learner)
	} else {
		info, err = s.calendar.UpdateEvent(appt, mentor, learner)
	}
	if err != nil {
		s.recordSyncFailure(appt.ID, err)
		return nil, err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"calendar_synced":         true,
		"calendar_last_synced_at": now,
		"calendar_sync_error":     "",
	}
	if info != nil {
		updates["calendar_event_id"] = info.EventID
		updates["calendar_event_link"] = info.EventLink
		updates["calendar_meeting_link"] = info.MeetingLink
	}
	s.updateCalendarSync(appt.ID, updates)

	return s.reload(appt.ID)
}

func (s *Service) recordSyncFailure(apptID uint, cause error) {
	if errors.Is(cause, ErrCalendarNotConnected) {
		log.Printf("calendar sync skipped for appointment %d: mentor not connected", apptID)
	} else {
		log.Printf("calendar sync failed for appointment %d: %v", apptID, cause)
	}
	now := time.Now()
	s.updateCalendarSync(apptID, map[string]interface{}{
		"calendar_synced":         false,
		"calendar_last_synced_at": now,
		"calendar_sync_error":     cause.Error(),
	})
}

func (s *Service) updateCalendarSync(apptID uint, updates map[string]interface{}) {
	if err := s.db.Model(&models.Appointment{}).Where("id = ?", apptID).Updates(updates).Error; err != nil {
		log.Printf("recording calendar sync state for appointment %d failed: %v", apptID, err)
	}
}

func (s *Service) updateEmailTracking(apptID uint, updates map[string]interface{}) {
	if err := s.db.Model(&models.Appointment{}).Where("id = ?", apptID).Updates(updates).Error; err != nil {
		log.Printf("recording email state for appointment %d failed: %v", apptID, err)
	}
}

func (s *Service) reload(apptID uint) (*models.Appointment, error) {
	var appt models.Appointment
	if err := s.db.First(&appt, apptID).Error; err != nil {
		return nil, err
	}
	return &appt, nil
}
