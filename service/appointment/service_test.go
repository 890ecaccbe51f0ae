package appointment

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wemeerkats/server/cmd/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubCalendar struct {
	mu        sync.Mutex
	created   int
	updated   int
	cancelled int
	failWith  error
}

func (c *stubCalendar) CreateEvent(appt *models.Appointment, mentor, learner *models.User) (*EventInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.created++
	return &EventInfo{
		EventID:     fmt.Sprintf("evt-%d", appt.ID),
		EventLink:   "https://calendar.example/evt",
		MeetingLink: "https://meet.example/abc",
	}, nil
}

func (c *stubCalendar) UpdateEvent(appt *models.Appointment, mentor, learner *models.User) (*EventInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.updated++
	return &EventInfo{
		EventID:     appt.Calendar.EventID,
		EventLink:   appt.Calendar.EventLink,
		MeetingLink: appt.Calendar.MeetingLink,
	}, nil
}

func (c *stubCalendar) CancelEvent(appt *models.Appointment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.cancelled++
	return nil
}

type stubMailer struct {
	mu            sync.Mutex
	confirmations int
	cancellations int
	reminders     int
	failWith      error
}

func (m *stubMailer) SendAppointmentConfirmation(appt *models.Appointment, mentor, learner *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.confirmations++
	return nil
}

func (m *stubMailer) SendAppointmentCancellation(appt *models.Appointment, mentor, learner *models.User, cancelledBy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.cancellations++
	return nil
}

func (m *stubMailer) SendAppointmentReminder(appt *models.Appointment, recipient *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.reminders++
	return nil
}

type stubNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *stubNotifier) Notify(userID uint, userRole, notificationType, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notificationType)
	return nil
}

func (n *stubNotifier) count(notificationType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		if c == notificationType {
			total++
		}
	}
	return total
}

type testEnv struct {
	db       *gorm.DB
	service  *Service
	calendar *stubCalendar
	mailer   *stubMailer
	notifier *stubNotifier
	mentor   models.User
	learner  models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.User{},
		&models.Appointment{},
		&models.StatusHistoryEntry{},
		&models.CalendarCredential{},
		&models.Notification{},
		&models.Device{},
	); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	mentor := models.User{FullName: "Maya Mentor", Email: "maya@example.com", Role: models.RoleMentor}
	learner := models.User{FullName: "Liam Learner", Email: "liam@example.com", Role: models.RoleLearner}
	if err := db.Create(&mentor).Error; err != nil {
		t.Fatalf("seeding mentor: %v", err)
	}
	if err := db.Create(&learner).Error; err != nil {
		t.Fatalf("seeding learner: %v", err)
	}

	cal := &stubCalendar{}
	mail := &stubMailer{}
	notif := &stubNotifier{}
	return &testEnv{
		db:       db,
		service:  NewService(db, cal, mail, notif),
		calendar: cal,
		mailer:   mail,
		notifier: notif,
		mentor:   mentor,
		learner:  learner,
	}
}

func (e *testEnv) mentorActor() models.Actor  { return models.MentorActor(e.mentor.ID) }
func (e *testEnv) learnerActor() models.Actor { return models.LearnerActor(e.learner.ID) }

func (e *testEnv) book(t *testing.T, start time.Time) *models.Appointment {
	t.Helper()
	appt, err := e.service.Book(e.learnerActor(), BookRequest{
		MentorID:  e.mentor.ID,
		StartTime: start,
		Duration:  60,
		Skill:     "Go",
	})
	if err != nil {
		t.Fatalf("booking appointment: %v", err)
	}
	return appt
}

// waitFor polls until the condition holds. Post-commit side effects run
// asynchronously, so tests observing them have to wait.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func futureSlot(hours int) time.Time {
	return time.Now().Add(time.Duration(hours) * time.Hour).Truncate(time.Minute)
}

func TestBookCreatesPendingWithHistory(t *testing.T) {
	env := newTestEnv(t)

	appt := env.book(t, futureSlot(24))

	if appt.Status != models.StatusPending {
		t.Fatalf("expected pending, got %q", appt.Status)
	}
	if appt.MentorName != "Maya Mentor" || appt.LearnerName != "Liam Learner" {
		t.Fatalf("participant names not denormalized: %q / %q", appt.MentorName, appt.LearnerName)
	}
	if !appt.Calendar.Synced {
		t.Fatal("booking should report a successful calendar sync")
	}

	var history []models.StatusHistoryEntry
	if err := env.db.Where("appointment_id = ?", appt.ID).Find(&history).Error; err != nil {
		t.Fatalf("loading history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].Status != models.StatusPending || history[0].ActorRole != models.RoleLearner {
		t.Fatalf("unexpected history entry: %+v", history[0])
	}

	waitFor(t, "booking notification", func() bool {
		return env.notifier.count(models.NotificationAppointmentBooked) == 1
	})
}

func TestBookRejectsOverlap(t *testing.T) {
	env := newTestEnv(t)
	start := futureSlot(24)
	env.book(t, start)

	_, err := env.service.Book(env.learnerActor(), BookRequest{
		MentorID:  env.mentor.ID,
		StartTime: start.Add(30 * time.Minute),
		Duration:  60,
		Skill:     "Go",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestBookAllowsBackToBack(t *testing.T) {
	env := newTestEnv(t)
	start := futureSlot(24)
	env.book(t, start)

	if _, err := env.service.Book(env.learnerActor(), BookRequest{
		MentorID:  env.mentor.ID,
		StartTime: start.Add(time.Hour),
		Duration:  60,
		Skill:     "Go",
	}); err != nil {
		t.Fatalf("back-to-back booking should succeed, got %v", err)
	}
}

func TestBookValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  BookRequest
	}{
		{"missing mentor", BookRequest{StartTime: futureSlot(24), Duration: 60, Skill: "Go"}},
		{"missing skill", BookRequest{MentorID: env.mentor.ID, StartTime: futureSlot(24), Duration: 60}},
		{"past start", BookRequest{MentorID: env.mentor.ID, StartTime: time.Now().Add(-time.Hour), Duration: 60, Skill: "Go"}},
		{"too short", BookRequest{MentorID: env.mentor.ID, StartTime: futureSlot(24), Duration: 10, Skill: "Go"}},
		{"too long", BookRequest{MentorID: env.mentor.ID, StartTime: futureSlot(24), Duration: 600, Skill: "Go"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.service.Book(env.learnerActor(), tc.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if _, err := env.service.Book(env.mentorActor(), BookRequest{
		MentorID: env.mentor.ID, StartTime: futureSlot(24), Duration: 60, Skill: "Go",
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("mentors must not book, got %v", err)
	}
}

func TestConcurrentBookingSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	start := futureSlot(24)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.Book(env.learnerActor(), BookRequest{
				MentorID:  env.mentor.ID,
				StartTime: start,
				Duration:  60,
				Skill:     "Go",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, conflicted := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 successful booking, got %d (%d conflicts)", succeeded, conflicted)
	}

	var count int64
	env.db.Model(&models.Appointment{}).Where("status = ?", models.StatusPending).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 stored appointment, got %d", count)
	}
}

func TestAcceptAuthorizationAndTransition(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))

	if _, err := env.service.Accept(env.learnerActor(), appt.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("learner accept should be forbidden, got %v", err)
	}

	accepted, err := env.service.Accept(env.mentorActor(), appt.ID)
	if err != nil {
		t.Fatalf("mentor accept failed: %v", err)
	}
	if accepted.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %q", accepted.Status)
	}

	if _, err := env.service.Accept(env.mentorActor(), appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double accept should fail, got %v", err)
	}

	waitFor(t, "calendar sync and confirmation email", func() bool {
		var stored models.Appointment
		if env.db.First(&stored, appt.ID).Error != nil {
			return false
		}
		return stored.Calendar.Synced && stored.Email.InviteSent
	})

	var stored models.Appointment
	env.db.First(&stored, appt.ID)
	if stored.Calendar.EventID == "" || stored.Calendar.MeetingLink == "" {
		t.Fatalf("calendar bookkeeping missing: %+v", stored.Calendar)
	}
}

func TestCalendarFailureDoesNotBlockAccept(t *testing.T) {
	env := newTestEnv(t)
	env.calendar.failWith = errors.New("google is down")

	appt := env.book(t, futureSlot(24))
	accepted, err := env.service.Accept(env.mentorActor(), appt.ID)
	if err != nil {
		t.Fatalf("accept must succeed despite calendar failure: %v", err)
	}
	if accepted.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %q", accepted.Status)
	}

	waitFor(t, "sync failure recorded", func() bool {
		var stored models.Appointment
		if env.db.First(&stored, appt.ID).Error != nil {
			return false
		}
		return stored.Calendar.SyncError != ""
	})

	var stored models.Appointment
	env.db.First(&stored, appt.ID)
	if stored.Status != models.StatusAccepted {
		t.Fatalf("calendar failure must not touch status, got %q", stored.Status)
	}
	if stored.Calendar.Synced {
		t.Fatal("calendar must be marked unsynced after failure")
	}
}

func TestCalendarNotConnectedIsSoftFailure(t *testing.T) {
	env := newTestEnv(t)
	env.calendar.failWith = ErrCalendarNotConnected

	appt := env.book(t, futureSlot(24))
	if appt.Status != models.StatusPending {
		t.Fatalf("booking must still create a pending appointment, got %q", appt.Status)
	}
	if appt.Calendar.Synced {
		t.Fatal("booking must report calendar integration as failed")
	}

	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept must succeed without calendar connection: %v", err)
	}

	waitFor(t, "not-connected recorded", func() bool {
		var stored models.Appointment
		if env.db.First(&stored, appt.ID).Error != nil {
			return false
		}
		return stored.Calendar.SyncError != ""
	})
}

func TestCancelByEitherParticipant(t *testing.T) {
	env := newTestEnv(t)

	appt := env.book(t, futureSlot(24))
	cancelled, err := env.service.Cancel(env.learnerActor(), appt.ID, "can't make it")
	if err != nil {
		t.Fatalf("learner cancel failed: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", cancelled.Status)
	}

	second := env.book(t, futureSlot(48))
	if _, err := env.service.Accept(env.mentorActor(), second.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := env.service.Cancel(env.mentorActor(), second.ID, ""); err != nil {
		t.Fatalf("mentor cancel of accepted failed: %v", err)
	}

	// Each cancellation notifies both participants.
	waitFor(t, "cancellation notifications", func() bool {
		return env.notifier.count(models.NotificationAppointmentCancelled) == 4
	})

	if _, err := env.service.Cancel(env.learnerActor(), second.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelling a cancelled appointment should fail, got %v", err)
	}
}

func TestCancelledSlotFreesUp(t *testing.T) {
	env := newTestEnv(t)
	start := futureSlot(24)

	appt := env.book(t, start)
	if _, err := env.service.Cancel(env.learnerActor(), appt.ID, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if _, err := env.service.Book(env.learnerActor(), BookRequest{
		MentorID:  env.mentor.ID,
		StartTime: start,
		Duration:  60,
		Skill:     "Go",
	}); err != nil {
		t.Fatalf("rebooking a freed slot should succeed, got %v", err)
	}
}

func TestRescheduleFlow(t *testing.T) {
	env := newTestEnv(t)
	start := futureSlot(24)
	newStart := futureSlot(48)

	appt := env.book(t, start)

	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	if _, err := env.service.ProposeReschedule(env.learnerActor(), appt.ID, newStart, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("learner proposing reschedule should be forbidden, got %v", err)
	}

	proposed, err := env.service.ProposeReschedule(env.mentorActor(), appt.ID, newStart, "running a workshop")
	if err != nil {
		t.Fatalf("propose reschedule failed: %v", err)
	}
	if proposed.Status != models.StatusRescheduled {
		t.Fatalf("expected rescheduled, got %q", proposed.Status)
	}
	if proposed.ProposedStartTime == nil || !proposed.ProposedStartTime.Equal(newStart) {
		t.Fatalf("proposed time not stored: %v", proposed.ProposedStartTime)
	}

	resolved, err := env.service.RespondReschedule(env.learnerActor(), appt.ID, true)
	if err != nil {
		t.Fatalf("accepting reschedule failed: %v", err)
	}
	if resolved.Status != models.StatusAccepted {
		t.Fatalf("expected accepted after reschedule, got %q", resolved.Status)
	}
	if !resolved.StartTime.Equal(newStart) {
		t.Fatalf("start time not moved: got %v, want %v", resolved.StartTime, newStart)
	}
	if resolved.ProposedStartTime != nil {
		t.Fatal("proposed start time should be cleared")
	}
}

func TestRescheduleDeclineCancels(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))
	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := env.service.ProposeReschedule(env.mentorActor(), appt.ID, futureSlot(48), ""); err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	resolved, err := env.service.RespondReschedule(env.learnerActor(), appt.ID, false)
	if err != nil {
		t.Fatalf("declining reschedule failed: %v", err)
	}
	if resolved.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled after decline, got %q", resolved.Status)
	}
}

func TestCompleteMentorOnlyAfterStart(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))
	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	if _, err := env.service.Complete(env.learnerActor(), appt.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("learner completion should be forbidden, got %v", err)
	}
	if _, err := env.service.Complete(env.mentorActor(), appt.ID, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("completing a future session should fail, got %v", err)
	}

	// Move the session start into the past, then completion is allowed.
	past := time.Now().Add(-30 * time.Minute)
	if err := env.db.Model(&models.Appointment{}).Where("id = ?", appt.ID).
		Update("start_time", past).Error; err != nil {
		t.Fatalf("rewinding appointment: %v", err)
	}

	done, err := env.service.Complete(env.mentorActor(), appt.ID, "great progress")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %q", done.Status)
	}

	var last models.StatusHistoryEntry
	if err := env.db.Where("appointment_id = ?", appt.ID).Order("id DESC").First(&last).Error; err != nil {
		t.Fatalf("loading history: %v", err)
	}
	if last.Note != "session completed: great progress" {
		t.Fatalf("feedback not recorded in history: %q", last.Note)
	}
}

func TestProposeRescheduleFromPending(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))
	newStart := futureSlot(72)

	proposed, err := env.service.ProposeReschedule(env.mentorActor(), appt.ID, newStart, "")
	if err != nil {
		t.Fatalf("propose from pending failed: %v", err)
	}
	if proposed.Status != models.StatusRescheduled {
		t.Fatalf("expected rescheduled, got %q", proposed.Status)
	}

	resolved, err := env.service.RespondReschedule(env.learnerActor(), appt.ID, true)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if resolved.Status != models.StatusAccepted || !resolved.StartTime.Equal(newStart) {
		t.Fatalf("expected accepted at %v, got %q at %v", newStart, resolved.Status, resolved.StartTime)
	}
}

func TestMarkNoShowMentorOnlyAfterStart(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))
	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	if _, err := env.service.MarkNoShow(env.learnerActor(), appt.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("learner no-show should be forbidden, got %v", err)
	}
	if _, err := env.service.MarkNoShow(env.mentorActor(), appt.ID, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("no-show before start should fail, got %v", err)
	}

	past := time.Now().Add(-30 * time.Minute)
	if err := env.db.Model(&models.Appointment{}).Where("id = ?", appt.ID).
		Update("start_time", past).Error; err != nil {
		t.Fatalf("rewinding appointment: %v", err)
	}

	marked, err := env.service.MarkNoShow(env.mentorActor(), appt.ID, "no response")
	if err != nil {
		t.Fatalf("no-show failed: %v", err)
	}
	if marked.Status != models.StatusNoShow {
		t.Fatalf("expected no-show, got %q", marked.Status)
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))
	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := env.service.Cancel(env.mentorActor(), appt.ID, "conflict came up"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	var history []models.StatusHistoryEntry
	if err := env.db.Where("appointment_id = ?", appt.ID).Order("id ASC").Find(&history).Error; err != nil {
		t.Fatalf("loading history: %v", err)
	}
	want := []string{models.StatusPending, models.StatusAccepted, models.StatusCancelled}
	if len(history) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(history))
	}
	for i, entry := range history {
		if entry.Status != want[i] {
			t.Fatalf("history[%d] = %q, want %q", i, entry.Status, want[i])
		}
	}
}

func TestGetForActorGatesParticipants(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))

	other := models.User{FullName: "Nora Nosy", Email: "nora@example.com", Role: models.RoleLearner}
	if err := env.db.Create(&other).Error; err != nil {
		t.Fatalf("seeding outsider: %v", err)
	}

	if _, err := env.service.GetForActor(models.LearnerActor(other.ID), appt.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider access should be forbidden, got %v", err)
	}
	if _, err := env.service.GetForActor(env.learnerActor(), 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	loaded, err := env.service.GetForActor(env.mentorActor(), appt.ID)
	if err != nil {
		t.Fatalf("participant access failed: %v", err)
	}
	if len(loaded.StatusHistory) != 1 {
		t.Fatalf("expected preloaded history, got %d entries", len(loaded.StatusHistory))
	}
}

func TestListAndStats(t *testing.T) {
	env := newTestEnv(t)

	first := env.book(t, futureSlot(24))
	env.book(t, futureSlot(48))
	if _, err := env.service.Accept(env.mentorActor(), first.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	appts, total, err := env.service.ListForActor(env.mentorActor(), ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(appts) != 2 {
		t.Fatalf("expected 2 appointments, got total=%d len=%d", total, len(appts))
	}

	accepted, total, err := env.service.ListForActor(env.mentorActor(), ListFilter{Status: models.StatusAccepted})
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if total != 1 || len(accepted) != 1 || accepted[0].ID != first.ID {
		t.Fatalf("status filter wrong: total=%d len=%d", total, len(accepted))
	}

	stats, err := env.service.Stats(env.mentorActor())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("stats total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[models.StatusAccepted] != 1 || stats.ByStatus[models.StatusPending] != 1 {
		t.Fatalf("stats by status wrong: %+v", stats.ByStatus)
	}
	if stats.Upcoming != 1 {
		t.Fatalf("stats upcoming = %d, want 1", stats.Upcoming)
	}
}

func TestDispatchReminders(t *testing.T) {
	env := newTestEnv(t)

	soon := models.Appointment{
		MentorID:  env.mentor.ID,
		LearnerID: env.learner.ID,
		StartTime: time.Now().Add(30 * time.Minute),
		Duration:  60,
		Skill:     "Go",
		Status:    models.StatusAccepted,
	}
	later := models.Appointment{
		MentorID:  env.mentor.ID,
		LearnerID: env.learner.ID,
		StartTime: time.Now().Add(5 * time.Hour),
		Duration:  60,
		Skill:     "Go",
		Status:    models.StatusAccepted,
	}
	if err := env.db.Create(&soon).Error; err != nil {
		t.Fatalf("seeding appointment: %v", err)
	}
	if err := env.db.Create(&later).Error; err != nil {
		t.Fatalf("seeding appointment: %v", err)
	}

	sent, err := env.service.DispatchReminders(time.Hour)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 reminder, got %d", sent)
	}
	if got := env.mailer.reminders; got != 2 {
		t.Fatalf("expected reminder emails to both participants, got %d", got)
	}
	if got := env.notifier.count(models.NotificationSessionReminder); got != 2 {
		t.Fatalf("expected 2 reminder notifications, got %d", got)
	}

	// Second run must not re-remind.
	sent, err = env.service.DispatchReminders(time.Hour)
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}
	if sent != 0 {
		t.Fatalf("expected 0 reminders on second run, got %d", sent)
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	start := futureSlot(24)

	appt, err := env.service.Book(env.learnerActor(), BookRequest{
		MentorID:  env.mentor.ID,
		StartTime: start,
		Duration:  60,
		Skill:     "React",
	})
	if err != nil {
		t.Fatalf("book failed: %v", err)
	}
	if appt.Status != models.StatusPending {
		t.Fatalf("expected pending, got %q", appt.Status)
	}

	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	waitFor(t, "meeting link", func() bool {
		var stored models.Appointment
		if env.db.First(&stored, appt.ID).Error != nil {
			return false
		}
		return stored.Calendar.MeetingLink != ""
	})

	if _, err := env.service.Cancel(env.learnerActor(), appt.ID, "schedule conflict"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	var stored models.Appointment
	env.db.First(&stored, appt.ID)
	if stored.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", stored.Status)
	}

	waitFor(t, "cancellation fanout", func() bool {
		env.calendar.mu.Lock()
		cancelled := env.calendar.cancelled
		env.calendar.mu.Unlock()
		return cancelled == 1 &&
			env.notifier.count(models.NotificationAppointmentCancelled) == 2
	})

	env.mailer.mu.Lock()
	defer env.mailer.mu.Unlock()
	if env.mailer.cancellations != 1 {
		t.Fatalf("expected 1 cancellation email batch, got %d", env.mailer.cancellations)
	}
}

func TestSyncCalendarOnDemand(t *testing.T) {
	env := newTestEnv(t)
	appt := env.book(t, futureSlot(24))

	if _, err := env.service.SyncCalendar(env.learnerActor(), appt.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("sync of pending appointment should fail, got %v", err)
	}

	if _, err := env.service.Accept(env.mentorActor(), appt.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	waitFor(t, "initial sync", func() bool {
		var stored models.Appointment
		if env.db.First(&stored, appt.ID).Error != nil {
			return false
		}
		return stored.Calendar.Synced
	})

	synced, err := env.service.SyncCalendar(env.mentorActor(), appt.ID)
	if err != nil {
		t.Fatalf("manual sync failed: %v", err)
	}
	if !synced.Calendar.Synced {
		t.Fatal("appointment should be marked synced")
	}
}
