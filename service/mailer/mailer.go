package mailer

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/wemeerkats/server/cmd/models"
	"gopkg.in/gomail.v2"
)

// EmailService sends appointment lifecycle emails over SMTP.
type EmailService struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailService() *EmailService {
	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		port = 587
	}
	return &EmailService{
		dialer: gomail.NewDialer(
			os.Getenv("SMTP_HOST"),
			port,
			os.Getenv("SMTP_USER"),
			os.Getenv("SMTP_PASSWORD"),
		),
		from: os.Getenv("SMTP_FROM"),
	}
}

func (e *EmailService) send(to, subject, htmlBody string, icsName, icsContent string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)
	if icsContent != "" {
		m.Attach(icsName, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write([]byte(icsContent))
			return err
		}))
	}
	return e.dialer.DialAndSend(m)
}

const timeFormat = "Monday, January 2, 2006 at 3:04 PM MST"

// SendAppointmentConfirmation emails both participants after acceptance,
// with the calendar invite attached.
func (e *EmailService) SendAppointmentConfirmation(appt *models.Appointment, mentor, learner *models.User) error {
	ics := InviteICS(appt, mentor, learner)
	when := appt.StartTime.Format(timeFormat)
	icsName := fmt.Sprintf("appointment-%d.ics", appt.ID)

	meetingLine := ""
	if appt.Calendar.MeetingLink != "" {
		meetingLine = fmt.Sprintf(`<p><a href="%s">Join the video call</a></p>`, appt.Calendar.MeetingLink)
	}

	mentorBody := fmt.Sprintf(`
		<h2>Session Confirmed</h2>
		<p>Hi %s,</p>
		<p>Your <strong>%s</strong> session with %s is confirmed for <strong>%s</strong> (%d minutes).</p>
		%s
		<p>The invite is attached so you can add it to any calendar.</p>
	`, mentor.FullName, appt.Skill, learner.FullName, when, appt.Duration, meetingLine)

	learnerBody := fmt.Sprintf(`
		<h2>Your Session is Confirmed</h2>
		<p>Hi %s,</p>
		<p>%s accepted your <strong>%s</strong> session request. See you on <strong>%s</strong> (%d minutes).</p>
		%s
		<p>The invite is attached so you can add it to any calendar.</p>
	`, learner.FullName, mentor.FullName, appt.Skill, when, appt.Duration, meetingLine)

	subject := fmt.Sprintf("Session confirmed: %s on %s", appt.Skill, appt.StartTime.Format("Jan 2"))
	if err := e.send(mentor.Email, subject, mentorBody, icsName, ics); err != nil {
		return fmt.Errorf("sending confirmation to mentor: %w", err)
	}
	if err := e.send(learner.Email, subject, learnerBody, icsName, ics); err != nil {
		return fmt.Errorf("sending confirmation to learner: %w", err)
	}
	return nil
}

// SendAppointmentCancellation emails both participants with a cancellation
// notice that clears the event from their calendars.
func (e *EmailService) SendAppointmentCancellation(appt *models.Appointment, mentor, learner *models.User, cancelledBy, reason string) error {
	ics := CancellationICS(appt, mentor, learner)
	when := appt.StartTime.Format(timeFormat)
	icsName := fmt.Sprintf("appointment-%d-cancelled.ics", appt.ID)

	reasonLine := ""
	if reason != "" {
		reasonLine = fmt.Sprintf("<p>Reason: %s</p>", reason)
	}

	body := func(name string) string {
		return fmt.Sprintf(`
			<h2>Session Cancelled</h2>
			<p>Hi %s,</p>
			<p>The <strong>%s</strong> session scheduled for <strong>%s</strong> was cancelled by %s.</p>
			%s
		`, name, appt.Skill, when, cancelledBy, reasonLine)
	}

	subject := fmt.Sprintf("Session cancelled: %s on %s", appt.Skill, appt.StartTime.Format("Jan 2"))
	if err := e.send(mentor.Email, subject, body(mentor.FullName), icsName, ics); err != nil {
		return fmt.Errorf("sending cancellation to mentor: %w", err)
	}
	if err := e.send(learner.Email, subject, body(learner.FullName), icsName, ics); err != nil {
		return fmt.Errorf("sending cancellation to learner: %w", err)
	}
	return nil
}

// SendAppointmentReminder emails one participant ahead of the session.
func (e *EmailService) SendAppointmentReminder(appt *models.Appointment, recipient *models.User) error {
	when := appt.StartTime.Format(timeFormat)

	meetingLine := ""
	if appt.Calendar.MeetingLink != "" {
		meetingLine = fmt.Sprintf(`<p><a href="%s">Join the video call</a></p>`, appt.Calendar.MeetingLink)
	}

	body := fmt.Sprintf(`
		<h2>Upcoming Session Reminder</h2>
		<p>Hi %s,</p>
		<p>Your <strong>%s</strong> session starts at <strong>%s</strong>.</p>
		%s
	`, recipient.FullName, appt.Skill, when, meetingLine)

	subject := fmt.Sprintf("Reminder: %s session at %s", appt.Skill, appt.StartTime.Format("3:04 PM"))
	if err := e.send(recipient.Email, subject, body, "", ""); err != nil {
		return fmt.Errorf("sending reminder: %w", err)
	}
	return nil
}
