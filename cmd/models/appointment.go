package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	StatusPending     = "pending"
	StatusAccepted    = "accepted"
	StatusRejected    = "rejected"
	StatusRescheduled = "rescheduled"
	StatusCancelled   = "cancelled"
	StatusCompleted   = "completed"
	StatusNoShow      = "no-show"
)

// CalendarSync tracks the mirror of an appointment in the mentor's Google
// Calendar. It is bookkeeping only: a failed sync is recorded here and never
// changes the appointment status.
type CalendarSync struct {
	EventID      string     `gorm:"column:event_id;size:255;index" json:"event_id,omitempty"`
	EventLink    string     `gorm:"column:event_link;size:512" json:"event_link,omitempty"`
	MeetingLink  string     `gorm:"column:meeting_link;size:512" json:"meeting_link,omitempty"`
	Synced       bool       `gorm:"column:synced;default:false" json:"synced"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at" json:"last_synced_at,omitempty"`
	SyncError    string     `gorm:"column:sync_error;type:text" json:"sync_error,omitempty"`
}

// EmailTracking records which notification emails went out. Best effort,
// not authoritative.
type EmailTracking struct {
	InviteSent       bool       `gorm:"column:invite_sent;default:false" json:"invite_sent"`
	ReminderSent     bool       `gorm:"column:reminder_sent;default:false" json:"reminder_sent"`
	CancellationSent bool       `gorm:"column:cancellation_sent;default:false" json:"cancellation_sent"`
	LastSentAt       *time.Time `gorm:"column:last_sent_at" json:"last_sent_at,omitempty"`
}

type Appointment struct {
	gorm.Model
	MentorID    uint      `gorm:"column:mentor_id;not null;index:idx_appointments_mentor_start" json:"mentor_id"`
	LearnerID   uint      `gorm:"column:learner_id;not null;index:idx_appointments_learner_start" json:"learner_id"`
	StartTime   time.Time `gorm:"column:start_time;not null;index:idx_appointments_mentor_start;index:idx_appointments_learner_start" json:"start_time"`
	Duration    int       `gorm:"column:duration;not null;default:60" json:"duration"`
	Skill       string    `gorm:"column:skill;size:255;not null" json:"skill"`
	Status      string    `gorm:"column:status;size:20;not null;default:'pending';index" json:"status"`
	MentorName  string    `gorm:"column:mentor_name;size:255" json:"mentor_name"`
	LearnerName string    `gorm:"column:learner_name;size:255" json:"learner_name"`

	// Set only while status is "rescheduled".
	ProposedStartTime *time.Time `gorm:"column:proposed_start_time" json:"proposed_start_time,omitempty"`

	Calendar CalendarSync  `gorm:"embedded;embeddedPrefix:calendar_" json:"calendar"`
	Email    EmailTracking `gorm:"embedded;embeddedPrefix:email_" json:"email_notifications"`

	StatusHistory []StatusHistoryEntry `gorm:"foreignKey:AppointmentID;constraint:OnDelete:CASCADE" json:"status_history,omitempty"`

	Mentor  *User `gorm:"foreignKey:MentorID" json:"mentor,omitempty"`
	Learner *User `gorm:"foreignKey:LearnerID" json:"learner,omitempty"`
}

// EndTime is the exclusive end of the session interval [StartTime, EndTime).
func (a *Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.Duration) * time.Minute)
}

// IsParticipant reports whether the actor is this appointment's mentor or
// learner, matched on both id and role.
func (a *Appointment) IsParticipant(actor Actor) bool {
	switch actor.Role {
	case RoleMentor:
		return a.MentorID == actor.ID
	case RoleLearner:
		return a.LearnerID == actor.ID
	}
	return false
}

// StatusHistoryEntry is one line of the append-only transition log. Entries
// are only ever created, never updated or deleted.
type StatusHistoryEntry struct {
	gorm.Model
	AppointmentID uint   `gorm:"column:appointment_id;not null;index" json:"appointment_id"`
	Status        string `gorm:"column:status;size:20;not null" json:"status"`
	ActorID       uint   `gorm:"column:actor_id;not null" json:"actor_id"`
	ActorRole     string `gorm:"column:actor_role;size:20;not null" json:"actor_role"`
	Note          string `gorm:"column:note;type:text" json:"note,omitempty"`
}

func (StatusHistoryEntry) TableName() string {
	return "appointment_status_history"
}
