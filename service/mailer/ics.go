package mailer

import (
	"fmt"
	"strings"
	"time"

	"github.com/wemeerkats/server/cmd/models"
)

const icsTimeLayout = "20060102T150405Z"

// escapeICS escapes text per RFC 5545 section 3.3.11.
func escapeICS(s string) string {
	r := strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n")
	return r.Replace(s)
}

// icsUID is stable per appointment: calendar clients match cancellations
// (and re-sent invites) to the original event by UID.
func icsUID(appt *models.Appointment) string {
	return fmt.Sprintf("appointment-%d@wemeerkats.com", appt.ID)
}

func attendeeLine(role string, user *models.User) string {
	if user == nil {
		return ""
	}
	return fmt.Sprintf("ATTENDEE;ROLE=%s;PARTSTAT=NEEDS-ACTION;CN=%s:mailto:%s\r\n",
		role, escapeICS(user.FullName), user.Email)
}

// InviteICS renders an appointment as an iCalendar meeting request with a
// 30 minute reminder alarm.
func InviteICS(appt *models.Appointment, mentor, learner *models.User) string {
	start := appt.StartTime.UTC().Format(icsTimeLayout)
	end := appt.EndTime().UTC().Format(icsTimeLayout)
	now := time.Now().UTC().Format(icsTimeLayout)

	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//WeMeerkats//Scheduling//EN\r\n")
	b.WriteString("METHOD:REQUEST\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	b.WriteString("UID:" + icsUID(appt) + "\r\n")
	b.WriteString("DTSTAMP:" + now + "\r\n")
	b.WriteString("DTSTART:" + start + "\r\n")
	b.WriteString("DTEND:" + end + "\r\n")
	b.WriteString("SUMMARY:" + escapeICS(fmt.Sprintf("Mentorship: %s", appt.Skill)) + "\r\n")
	b.WriteString("DESCRIPTION:" + escapeICS(fmt.Sprintf(
		"%s session between %s and %s", appt.Skill, appt.MentorName, appt.LearnerName)) + "\r\n")
	if appt.Calendar.MeetingLink != "" {
		b.WriteString("LOCATION:" + escapeICS(appt.Calendar.MeetingLink) + "\r\n")
	}
	if mentor != nil {
		b.WriteString(fmt.Sprintf("ORGANIZER;CN=%s:mailto:%s\r\n", escapeICS(mentor.FullName), mentor.Email))
	}
	b.WriteString(attendeeLine("CHAIR", mentor))
	b.WriteString(attendeeLine("REQ-PARTICIPANT", learner))
	b.WriteString("STATUS:CONFIRMED\r\n")
	b.WriteString("BEGIN:VALARM\r\n")
	b.WriteString("ACTION:DISPLAY\r\n")
	b.WriteString("DESCRIPTION:Session starts in 30 minutes\r\n")
	b.WriteString("TRIGGER:-PT30M\r\n")
	b.WriteString("END:VALARM\r\n")
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

// CancellationICS renders a cancellation notice for a previously sent
// invite so calendar clients drop the event.
func CancellationICS(appt *models.Appointment, mentor, learner *models.User) string {
	start := appt.StartTime.UTC().Format(icsTimeLayout)
	end := appt.EndTime().UTC().Format(icsTimeLayout)
	now := time.Now().UTC().Format(icsTimeLayout)

	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//WeMeerkats//Scheduling//EN\r\n")
	b.WriteString("METHOD:CANCEL\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	b.WriteString("UID:" + icsUID(appt) + "\r\n")
	b.WriteString("DTSTAMP:" + now + "\r\n")
	b.WriteString("DTSTART:" + start + "\r\n")
	b.WriteString("DTEND:" + end + "\r\n")
	b.WriteString("SUMMARY:" + escapeICS(fmt.Sprintf("Cancelled: Mentorship: %s", appt.Skill)) + "\r\n")
	if mentor != nil {
		b.WriteString(fmt.Sprintf("ORGANIZER;CN=%s:mailto:%s\r\n", escapeICS(mentor.FullName), mentor.Email))
	}
	b.WriteString(attendeeLine("CHAIR", mentor))
	b.WriteString(attendeeLine("REQ-PARTICIPANT", learner))
	b.WriteString("STATUS:CANCELLED\r\n")
	b.WriteString("SEQUENCE:1\r\n")
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}
