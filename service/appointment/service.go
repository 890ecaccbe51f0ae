package appointment

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wemeerkats/server/cmd/models"
	"gorm.io/gorm"
)

const (
	minDurationMinutes = 15
	maxDurationMinutes = 480
)

// EventInfo is what a calendar sync returns for bookkeeping on the
// appointment record.
type EventInfo struct {
	EventID     string
	EventLink   string
	MeetingLink string
}

// CalendarGateway mirrors appointments into the mentor's external calendar.
// Implementations return ErrCalendarNotConnected when the mentor holds no
// active credential; every other failure is recorded and swallowed too.
type CalendarGateway interface {
	CreateEvent(appt *models.Appointment, mentor, learner *models.User) (*EventInfo, error)
	UpdateEvent(appt *models.Appointment, mentor, learner *models.User) (*EventInfo, error)
	CancelEvent(appt *models.Appointment) error
}

// Mailer sends appointment lifecycle emails. All sends are best effort.
type Mailer interface {
	SendAppointmentConfirmation(appt *models.Appointment, mentor, learner *models.User) error
	SendAppointmentCancellation(appt *models.Appointment, mentor, learner *models.User, cancelledBy, reason string) error
	SendAppointmentReminder(appt *models.Appointment, recipient *models.User) error
}

// Notifier delivers in-app and push notifications.
type Notifier interface {
	Notify(userID uint, userRole, notificationType, message string) error
}

// legalTransitions is the appointment state machine. A status maps to the
// set of statuses it may move to; anything else is ErrInvalidTransition.
var legalTransitions = map[string][]string{
	models.StatusPending:     {models.StatusAccepted, models.StatusRejected, models.StatusRescheduled, models.StatusCancelled},
	models.StatusAccepted:    {models.StatusRescheduled, models.StatusCancelled, models.StatusCompleted, models.StatusNoShow},
	models.StatusRescheduled: {models.StatusAccepted, models.StatusCancelled},
	models.StatusRejected:    {},
	models.StatusCancelled:   {},
	models.StatusCompleted:   {},
	models.StatusNoShow:      {},
}

func canTransition(from, to string) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Service implements the scheduling operations. Side effects (calendar,
// email, notifications) run after the status change commits and never roll
// it back.
type Service struct {
	db       *gorm.DB
	calendar CalendarGateway
	mailer   Mailer
	notifier Notifier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewService(db *gorm.DB, calendar CalendarGateway, mailer Mailer, notifier Notifier) *Service {
	return &Service{
		db:       db,
		calendar: calendar,
		mailer:   mailer,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockParticipants serializes slot-claiming operations per participant.
// Keys are acquired in sorted order so two overlapping bookings can never
// deadlock each other.
func (s *Service) lockParticipants(mentorID, learnerID uint) func() {
	keys := []string{
		fmt.Sprintf("mentor:%d", mentorID),
		fmt.Sprintf("learner:%d", learnerID),
	}
	sort.Strings(keys)

	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		s.locksMu.Lock()
		mu, ok := s.locks[key]
		if !ok {
			mu = &sync.Mutex{}
			s.locks[key] = mu
		}
		s.locksMu.Unlock()

		mu.Lock()
		held = append(held, mu)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// BookRequest carries everything needed to create a pending appointment.
type BookRequest struct {
	MentorID  uint      `json:"mentor_id"`
	StartTime time.Time `json:"start_time"`
	Duration  int       `json:"duration"`
	Skill     string    `json:"skill"`
}

func (s *Service) validateSlot(start time.Time, duration int) error {
	if start.IsZero() {
		return fmt.Errorf("%w: start_time is required", ErrValidation)
	}
	if !start.After(time.Now()) {
		return fmt.Errorf("%w: start_time must be in the future", ErrValidation)
	}
	if duration < minDurationMinutes || duration > maxDurationMinutes {
		return fmt.Errorf("%w: duration must be between %d and %d minutes", ErrValidation, minDurationMinutes, maxDurationMinutes)
	}
	return nil
}

// Book creates a pending appointment for the learner with the given mentor.
// The conflict check and the insert run under the participant locks and a
// single transaction so concurrent requests for the same slot cannot both
// succeed.
func (s *Service) Book(learner models.Actor, req BookRequest) (*models.Appointment, error) {
	if !learner.IsLearner() {
		return nil, fmt.Errorf("%w: only learners can book appointments", ErrForbidden)
	}
	if req.MentorID == 0 {
		return nil, fmt.Errorf("%w: mentor_id is required", ErrValidation)
	}
	if req.MentorID == learner.ID {
		return nil, fmt.Errorf("%w: cannot book an appointment with yourself", ErrValidation)
	}
	if strings.TrimSpace(req.Skill) == "" {
		return nil, fmt.Errorf("%w: skill is required", ErrValidation)
	}
	if req.Duration == 0 {
		req.Duration = 60
	}
	if err := s.validateSlot(req.StartTime, req.Duration); err != nil {
		return nil, err
	}

	mentor, err := s.findUser(req.MentorID, models.RoleMentor)
	if err != nil {
		return nil, err
	}
	learnerUser, err := s.findUser(learner.ID, models.RoleLearner)
	if err != nil {
		return nil, err
	}

	unlock := s.lockParticipants(req.MentorID, learner.ID)
	defer unlock()

	var appt *models.Appointment
	err = s.db.Transaction(func(tx *gorm.DB) error {
		conflict, err := findConflict(tx, req.MentorID, learner.ID, req.StartTime, req.Duration, 0)
		if err != nil {
			return err
		}
		if conflict != nil {
			return fmt.Errorf("%w: overlaps appointment %d", ErrConflict, conflict.ID)
		}

		appt = &models.Appointment{
			MentorID:    req.MentorID,
			LearnerID:   learner.ID,
			StartTime:   req.StartTime,
			Duration:    req.Duration,
			Skill:       req.Skill,
			Status:      models.StatusPending,
			MentorName:  mentor.FullName,
			LearnerName: learnerUser.FullName,
		}
		if err := tx.Create(appt).Error; err != nil {
			return err
		}
		return s.appendHistory(tx, appt.ID, models.StatusPending, learner, "appointment requested")
	})
	if err != nil {
		return nil, err
	}

	// The booking call waits for the calendar outcome so the response can
	// carry the integration flag. Notifications fan out without waiting.
	s.syncCalendarEvent(appt, mentor, learnerUser)
	go s.notifyBooked(appt, learnerUser)

	return appt, nil
}

// CheckAvailability reports whether the slot is free on the mentor's side.
// Advisory only: Book repeats the check for both participants under locks
// before inserting.
func (s *Service) CheckAvailability(mentorID uint, start time.Time, duration int) (bool, *models.Appointment, error) {
	if duration == 0 {
		duration = 60
	}
	if err := s.validateSlot(start, duration); err != nil {
		return false, nil, err
	}
	conflict, err := findConflict(s.db, mentorID, 0, start, duration, 0)
	if err != nil {
		return false, nil, err
	}
	return conflict == nil, conflict, nil
}

// Accept moves a pending appointment to accepted. Mentor only; a parked
// reschedule returns to accepted through RespondReschedule instead.
func (s *Service) Accept(actor models.Actor, apptID uint) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if !actor.IsMentor() {
		return nil, fmt.Errorf("%w: only the mentor can accept", ErrForbidden)
	}
	if appt.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: cannot accept from %q", ErrInvalidTransition, appt.Status)
	}

	if err := s.transition(appt, models.StatusAccepted, actor, "appointment accepted", nil); err != nil {
		return nil, err
	}

	go s.afterAccept(appt.ID)

	return appt, nil
}

// Reject declines a pending appointment. Mentor only.
func (s *Service) Reject(actor models.Actor, apptID uint, reason string) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if !actor.IsMentor() {
		return nil, fmt.Errorf("%w: only the mentor can reject", ErrForbidden)
	}
	if appt.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: cannot reject from %q", ErrInvalidTransition, appt.Status)
	}

	note := "appointment rejected"
	if reason != "" {
		note = "appointment rejected: " + reason
	}
	if err := s.transition(appt, models.StatusRejected, actor, note, nil); err != nil {
		return nil, err
	}

	go func() {
		msg := fmt.Sprintf("%s declined your session request for %s", appt.MentorName, appt.Skill)
		if err := s.notifier.Notify(appt.LearnerID, models.RoleLearner, models.NotificationAppointmentRejected, msg); err != nil {
			log.Printf("notify learner %d failed: %v", appt.LearnerID, err)
		}
	}()

	return appt, nil
}

// CancelRequest carries the optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel moves the appointment to cancelled. Either participant may cancel
// a pending, accepted or rescheduled appointment. The calendar event and the
// cancellation emails follow after commit.
func (s *Service) Cancel(actor models.Actor, apptID uint, reason string) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if !canTransition(appt.Status, models.StatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel from %q", ErrInvalidTransition, appt.Status)
	}

	note := "appointment cancelled"
	if reason != "" {
		note = "appointment cancelled: " + reason
	}
	if err := s.transition(appt, models.StatusCancelled, actor, note, func(tx *gorm.DB, a *models.Appointment) error {
		// A dangling counter-proposal dies with the appointment.
		if a.ProposedStartTime != nil {
			a.ProposedStartTime = nil
			return tx.Model(a).Update("proposed_start_time", nil).Error
		}
		return nil
	}); err != nil {
		return nil, err
	}

	go s.afterCancel(appt.ID, actor, reason)

	return appt, nil
}

// ProposeReschedule lets the mentor counter-propose a new start time for a
// pending or accepted appointment. The appointment parks in "rescheduled"
// until the learner responds.
func (s *Service) ProposeReschedule(actor models.Actor, apptID uint, newStart time.Time, reason string) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if !actor.IsMentor() {
		return nil, fmt.Errorf("%w: only the mentor can propose a reschedule", ErrForbidden)
	}
	if appt.Status != models.StatusPending && appt.Status != models.StatusAccepted {
		return nil, fmt.Errorf("%w: cannot reschedule from %q", ErrInvalidTransition, appt.Status)
	}
	if err := s.validateSlot(newStart, appt.Duration); err != nil {
		return nil, err
	}

	unlock := s.lockParticipants(appt.MentorID, appt.LearnerID)
	defer unlock()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		conflict, err := findConflict(tx, appt.MentorID, appt.LearnerID, newStart, appt.Duration, appt.ID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return fmt.Errorf("%w: proposed slot overlaps appointment %d", ErrConflict, conflict.ID)
		}

		appt.Status = models.StatusRescheduled
		appt.ProposedStartTime = &newStart
		if err := tx.Model(appt).Updates(map[string]interface{}{
			"status":              models.StatusRescheduled,
			"proposed_start_time": newStart,
		}).Error; err != nil {
			return err
		}
		note := "reschedule proposed for " + newStart.UTC().Format(time.RFC3339)
		if reason != "" {
			note += ": " + reason
		}
		return s.appendHistory(tx, appt.ID, models.StatusRescheduled, actor, note)
	})
	if err != nil {
		return nil, err
	}

	go func() {
		msg := fmt.Sprintf("%s proposed a new time for your %s session: %s",
			appt.MentorName, appt.Skill, newStart.Format("Jan 2, 2006 at 3:04 PM MST"))
		if err := s.notifier.Notify(appt.LearnerID, models.RoleLearner, models.NotificationRescheduleProposed, msg); err != nil {
			log.Printf("notify learner %d failed: %v", appt.LearnerID, err)
		}
	}()

	return appt, nil
}

// RespondReschedule resolves a pending counter-proposal. Accepting moves the
// appointment to the proposed time and back to accepted; declining cancels
// it. Learner only.
func (s *Service) RespondReschedule(actor models.Actor, apptID uint, accept bool) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if !actor.IsLearner() {
		return nil, fmt.Errorf("%w: only the learner can respond to a reschedule", ErrForbidden)
	}
	if appt.Status != models.StatusRescheduled || appt.ProposedStartTime == nil {
		return nil, fmt.Errorf("%w: no reschedule proposal to respond to", ErrInvalidTransition)
	}

	if !accept {
		if err := s.transition(appt, models.StatusCancelled, actor, "reschedule declined", func(tx *gorm.DB, a *models.Appointment) error {
			a.ProposedStartTime = nil
			return tx.Model(a).Update("proposed_start_time", nil).Error
		}); err != nil {
			return nil, err
		}
		go s.afterCancel(appt.ID, actor, "proposed time did not work")
		return appt, nil
	}

	newStart := *appt.ProposedStartTime

	unlock := s.lockParticipants(appt.MentorID, appt.LearnerID)
	defer unlock()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		conflict, err := findConflict(tx, appt.MentorID, appt.LearnerID, newStart, appt.Duration, appt.ID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return fmt.Errorf("%w: proposed slot overlaps appointment %d", ErrConflict, conflict.ID)
		}

		appt.StartTime = newStart
		appt.Status = models.StatusAccepted
		appt.ProposedStartTime = nil
		if err := tx.Model(appt).Updates(map[string]interface{}{
			"start_time":          newStart,
			"status":              models.StatusAccepted,
			"proposed_start_time": nil,
		}).Error; err != nil {
			return err
		}
		return s.appendHistory(tx, appt.ID, models.StatusAccepted, actor, "reschedule accepted")
	})
	if err != nil {
		return nil, err
	}

	go s.afterAccept(appt.ID)

	return appt, nil
}

// Complete marks an accepted appointment as held. Mentor only, and only
// once the scheduled start has passed.
func (s *Service) Complete(actor models.Actor, apptID uint, feedback string) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if !actor.IsMentor() {
		return nil, fmt.Errorf("%w: only the mentor can mark completion", ErrForbidden)
	}
	if appt.Status != models.StatusAccepted {
		return nil, fmt.Errorf("%w: cannot complete from %q", ErrInvalidTransition, appt.Status)
	}
	if time.Now().Before(appt.StartTime) {
		return nil, fmt.Errorf("%w: session has not started yet", ErrValidation)
	}

	note := "session completed"
	if feedback != "" {
		note = "session completed: " + feedback
	}
	if err := s.transition(appt, models.StatusCompleted, actor, note, nil); err != nil {
		return nil, err
	}

	go func() {
		msg := fmt.Sprintf("Your %s session on %s was marked completed",
			appt.Skill, appt.StartTime.Format("Jan 2"))
		if err := s.notifier.Notify(appt.LearnerID, models.RoleLearner, models.NotificationAppointmentCompleted, msg); err != nil {
			log.Printf("notify learner %d failed: %v", appt.LearnerID, err)
		}
	}()

	return appt, nil
}

// MarkNoShow records that the learner did not attend. Mentor only, and only
// after the scheduled start has passed.
func (s *Service) MarkNoShow(actor models.Actor, apptID uint, note string) (*models.Appointment, error) {
	appt, err := s.getOwned(actor, apptID)
	if err != nil {
		return nil, err
	}
	if !actor.IsMentor() {
		return nil, fmt.Errorf("%w: only the mentor can record a no-show", ErrForbidden)
	}
	if appt.Status != models.StatusAccepted {
		return nil, fmt.Errorf("%w: cannot mark no-show from %q", ErrInvalidTransition, appt.Status)
	}
	if time.Now().Before(appt.StartTime) {
		return nil, fmt.Errorf("%w: session has not started yet", ErrValidation)
	}

	historyNote := "learner did not attend"
	if note != "" {
		historyNote = "learner did not attend: " + note
	}
	if err := s.transition(appt, models.StatusNoShow, actor, historyNote, nil); err != nil {
		return nil, err
	}
	return appt, nil
}

// transition applies a guarded status change plus its history entry in one
// transaction. extra runs inside the same transaction for row updates that
// must land atomically with the status.
func (s *Service) transition(appt *models.Appointment, to string, actor models.Actor, note string, extra func(*gorm.DB, *models.Appointment) error) error {
	if !canTransition(appt.Status, to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, appt.Status, to)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		// Guard against a concurrent transition on the same row.
		result := tx.Model(&models.Appointment{}).
			Where("id = ? AND status = ?", appt.ID, appt.Status).
			Update("status", to)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: appointment status changed concurrently", ErrInvalidTransition)
		}
		appt.Status = to
		if extra != nil {
			if err := extra(tx, appt); err != nil {
				return err
			}
		}
		return s.appendHistory(tx, appt.ID, to, actor, note)
	})
}

func (s *Service) appendHistory(tx *gorm.DB, apptID uint, status string, actor models.Actor, note string) error {
	entry := models.StatusHistoryEntry{
		AppointmentID: apptID,
		Status:        status,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		Note:          note,
	}
	return tx.Create(&entry).Error
}

// getOwned loads an appointment and verifies the actor participates in it.
func (s *Service) getOwned(actor models.Actor, apptID uint) (*models.Appointment, error) {
	var appt models.Appointment
	if err := s.db.First(&appt, apptID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !appt.IsParticipant(actor) {
		return nil, ErrForbidden
	}
	return &appt, nil
}

// GetForActor returns one appointment with its history, participant-gated.
func (s *Service) GetForActor(actor models.Actor, apptID uint) (*models.Appointment, error) {
	var appt models.Appointment
	err := s.db.
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("appointment_status_history.created_at ASC")
		}).
		Preload("Mentor").
		Preload("Learner").
		First(&appt, apptID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !appt.IsParticipant(actor) {
		return nil, ErrForbidden
	}
	return &appt, nil
}

// ListFilter narrows ListForActor results.
type ListFilter struct {
	Status   string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// ListForActor returns the actor's appointments, newest start first,
// paginated.
func (s *Service) ListForActor(actor models.Actor, filter ListFilter) ([]models.Appointment, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	query := s.db.Model(&models.Appointment{})
	if actor.IsMentor() {
		query = query.Where("mentor_id = ?", actor.ID)
	} else {
		query = query.Where("learner_id = ?", actor.ID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.From != nil {
		query = query.Where("start_time >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("start_time < ?", *filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var appts []models.Appointment
	err := query.
		Order("start_time DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&appts).Error
	if err != nil {
		return nil, 0, err
	}
	return appts, total, nil
}

// UpcomingWeek returns the actor's accepted sessions in the next seven days,
// soonest first.
func (s *Service) UpcomingWeek(actor models.Actor) ([]models.Appointment, error) {
	now := time.Now()
	weekOut := now.Add(7 * 24 * time.Hour)

	query := s.db.Where("status = ?", models.StatusAccepted).
		Where("start_time >= ? AND start_time < ?", now, weekOut)
	if actor.IsMentor() {
		query = query.Where("mentor_id = ?", actor.ID)
	} else {
		query = query.Where("learner_id = ?", actor.ID)
	}

	var appts []models.Appointment
	if err := query.Order("start_time ASC").Find(&appts).Error; err != nil {
		return nil, err
	}
	return appts, nil
}

// StatsSummary aggregates the actor's appointment counts by status.
type StatsSummary struct {
	Total          int64            `json:"total"`
	ByStatus       map[string]int64 `json:"by_status"`
	Upcoming       int64            `json:"upcoming"`
	ThisMonth      int64            `json:"this_month"`
	CalendarSynced int64            `json:"calendar_synced"`
	HoursCompleted float64          `json:"hours_completed"`
}

// Stats computes per-status counts and completed hours for the actor.
func (s *Service) Stats(actor models.Actor) (*StatsSummary, error) {
	base := func() *gorm.DB {
		q := s.db.Model(&models.Appointment{})
		if actor.IsMentor() {
			return q.Where("mentor_id = ?", actor.ID)
		}
		return q.Where("learner_id = ?", actor.ID)
	}

	summary := &StatsSummary{ByStatus: make(map[string]int64)}
	if err := base().Count(&summary.Total).Error; err != nil {
		return nil, err
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	if err := base().Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		summary.ByStatus[row.Status] = row.Count
	}

	if err := base().
		Where("status = ? AND start_time >= ?", models.StatusAccepted, time.Now()).
		Count(&summary.Upcoming).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	if err := base().
		Where("start_time >= ? AND start_time < ?", monthStart, monthStart.AddDate(0, 1, 0)).
		Count(&summary.ThisMonth).Error; err != nil {
		return nil, err
	}

	if err := base().
		Where("calendar_synced = ?", true).
		Count(&summary.CalendarSynced).Error; err != nil {
		return nil, err
	}

	var minutes struct{ Total int64 }
	if err := base().
		Select("coalesce(sum(duration), 0) as total").
		Where("status = ?", models.StatusCompleted).
		Scan(&minutes).Error; err != nil {
		return nil, err
	}
	summary.HoursCompleted = float64(minutes.Total) / 60.0

	return summary, nil
}

func (s *Service) findUser(id uint, role string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("id = ? AND role = ?", id, role).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: no %s with id %d", ErrValidation, role, id)
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) participants(appt *models.Appointment) (*models.User, *models.User, error) {
	mentor, err := s.findUser(appt.MentorID, models.RoleMentor)
	if err != nil {
		return nil, nil, err
	}
	learner, err := s.findUser(appt.LearnerID, models.RoleLearner)
	if err != nil {
		return nil, nil, err
	}
	return mentor, learner, nil
}
