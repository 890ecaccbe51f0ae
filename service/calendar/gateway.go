package calendar

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/wemeerkats/server/cmd/models"
	"github.com/wemeerkats/server/service/appointment"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"gorm.io/gorm"
)

const requestTimeout = 10 * time.Second

// Gateway mirrors appointments into Google Calendar under the mentor's
// delegated credential. Every call loads the mentor's token, refreshing and
// persisting it when close to expiry.
type Gateway struct {
	db     *gorm.DB
	config *oauth2.Config
}

func NewGateway(db *gorm.DB) *Gateway {
	return &Gateway{
		db: db,
		config: &oauth2.Config{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
			Scopes:       []string{calendarapi.CalendarEventsScope},
			Endpoint:     google.Endpoint,
		},
	}
}

// OAuthConfig exposes the shared OAuth client for the connect flow handlers.
func (g *Gateway) OAuthConfig() *oauth2.Config {
	return g.config
}

func (g *Gateway) credentialFor(userID uint, role string) (*models.CalendarCredential, error) {
	var cred models.CalendarCredential
	err := g.db.Where("user_id = ? AND user_role = ? AND active = ?", userID, role, true).First(&cred).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appointment.ErrCalendarNotConnected
		}
		return nil, err
	}
	return &cred, nil
}

// serviceFor builds a Calendar client from the credential, rotating the
// access token ahead of expiry and persisting the rotation.
func (g *Gateway) serviceFor(ctx context.Context, cred *models.CalendarCredential) (*calendarapi.Service, error) {
	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       cred.Expiry,
	}

	if cred.ShouldRefresh(time.Now()) {
		fresh, err := g.config.TokenSource(ctx, token).Token()
		if err != nil {
			return nil, fmt.Errorf("refreshing calendar token: %w", err)
		}
		if fresh.AccessToken != token.AccessToken {
			updates := map[string]interface{}{
				"access_token": fresh.AccessToken,
				"expiry":       fresh.Expiry,
				"last_used_at": time.Now(),
			}
			if fresh.RefreshToken != "" {
				updates["refresh_token"] = fresh.RefreshToken
			}
			if err := g.db.Model(cred).Updates(updates).Error; err != nil {
				log.Printf("persisting rotated calendar token for user %d failed: %v", cred.UserID, err)
			}
		}
		token = fresh
	} else if err := g.db.Model(cred).Update("last_used_at", time.Now()).Error; err != nil {
		log.Printf("recording calendar credential use for user %d failed: %v", cred.UserID, err)
	}

	return calendarapi.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
}

func buildEvent(appt *models.Appointment, mentor, learner *models.User) *calendarapi.Event {
	event := &calendarapi.Event{
		Summary:     fmt.Sprintf("Mentorship: %s", appt.Skill),
		Description: fmt.Sprintf("%s session between %s and %s", appt.Skill, appt.MentorName, appt.LearnerName),
		Start: &calendarapi.EventDateTime{
			DateTime: appt.StartTime.Format(time.RFC3339),
		},
		End: &calendarapi.EventDateTime{
			DateTime: appt.EndTime().Format(time.RFC3339),
		},
		Reminders: &calendarapi.EventReminders{
			UseDefault: false,
			Overrides: []*calendarapi.EventReminder{
				{Method: "popup", Minutes: 30},
				{Method: "email", Minutes: 60},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	if mentor != nil {
		event.Attendees = append(event.Attendees, &calendarapi.EventAttendee{
			Email: mentor.Email, DisplayName: mentor.FullName, Organizer: true,
		})
	}
	if learner != nil {
		event.Attendees = append(event.Attendees, &calendarapi.EventAttendee{
			Email: learner.Email, DisplayName: learner.FullName,
		})
	}
	return event
}

func eventInfo(event *calendarapi.Event) *appointment.EventInfo {
	info := &appointment.EventInfo{
		EventID:   event.Id,
		EventLink: event.HtmlLink,
	}
	if event.HangoutLink != "" {
		info.MeetingLink = event.HangoutLink
	} else if event.ConferenceData != nil {
		for _, entry := range event.ConferenceData.EntryPoints {
			if entry.EntryPointType == "video" {
				info.MeetingLink = entry.Uri
				break
			}
		}
	}
	return info
}

// CreateEvent inserts the appointment into the mentor's primary calendar
// with a Meet conference attached.
func (g *Gateway) CreateEvent(appt *models.Appointment, mentor, learner *models.User) (*appointment.EventInfo, error) {
	cred, err := g.credentialFor(appt.MentorID, models.RoleMentor)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	svc, err := g.serviceFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	event := buildEvent(appt, mentor, learner)
	event.ConferenceData = &calendarapi.ConferenceData{
		CreateRequest: &calendarapi.CreateConferenceRequest{
			RequestId: uuid.NewString(),
			ConferenceSolutionKey: &calendarapi.ConferenceSolutionKey{
				Type: "hangoutsMeet",
			},
		},
	}

	created, err := svc.Events.Insert("primary", event).
		ConferenceDataVersion(1).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("creating calendar event: %w", err)
	}
	return eventInfo(created), nil
}

// UpdateEvent pushes the appointment's current time onto the existing
// mirrored event.
func (g *Gateway) UpdateEvent(appt *models.Appointment, mentor, learner *models.User) (*appointment.EventInfo, error) {
	if appt.Calendar.EventID == "" {
		return g.CreateEvent(appt, mentor, learner)
	}

	cred, err := g.credentialFor(appt.MentorID, models.RoleMentor)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	svc, err := g.serviceFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	patch := &calendarapi.Event{
		Summary: fmt.Sprintf("Mentorship: %s", appt.Skill),
		Start: &calendarapi.EventDateTime{
			DateTime: appt.StartTime.Format(time.RFC3339),
		},
		End: &calendarapi.EventDateTime{
			DateTime: appt.EndTime().Format(time.RFC3339),
		},
	}
	updated, err := svc.Events.Patch("primary", appt.Calendar.EventID, patch).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		if isGone(err) {
			return g.CreateEvent(appt, mentor, learner)
		}
		return nil, fmt.Errorf("updating calendar event: %w", err)
	}
	return eventInfo(updated), nil
}

// CancelEvent removes the mirrored event. An already-deleted event counts
// as success.
func (g *Gateway) CancelEvent(appt *models.Appointment) error {
	if appt.Calendar.EventID == "" {
		return nil
	}

	cred, err := g.credentialFor(appt.MentorID, models.RoleMentor)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	svc, err := g.serviceFor(ctx, cred)
	if err != nil {
		return err
	}

	err = svc.Events.Delete("primary", appt.Calendar.EventID).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil && !isGone(err) {
		return fmt.Errorf("deleting calendar event: %w", err)
	}
	return nil
}

func isGone(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 404 || apiErr.Code == 410
	}
	return false
}
