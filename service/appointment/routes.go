package appointment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/wemeerkats/server/cmd/models"
	"github.com/wemeerkats/server/cmd/utils"
	"github.com/wemeerkats/server/service/mailer"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/appointments/book", utils.AuthMiddleware(h.BookAppointment)).Methods("POST")
	router.HandleFunc("/appointments/check-availability", utils.AuthMiddleware(h.CheckAvailability)).Methods("POST")
	router.HandleFunc("/appointments/my", utils.AuthMiddleware(h.ListMyAppointments)).Methods("GET")
	router.HandleFunc("/appointments/upcoming/week", utils.AuthMiddleware(h.UpcomingWeek)).Methods("GET")
	router.HandleFunc("/appointments/stats/summary", utils.AuthMiddleware(h.StatsSummary)).Methods("GET")
	router.HandleFunc("/appointments/{id}", utils.AuthMiddleware(h.GetAppointment)).Methods("GET")
	router.HandleFunc("/appointments/{id}/invite.ics", utils.AuthMiddleware(h.DownloadInvite)).Methods("GET")
	router.HandleFunc("/appointments/{id}/accept", utils.AuthMiddleware(h.AcceptAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reject", utils.AuthMiddleware(h.RejectAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/cancel", utils.AuthMiddleware(h.CancelAppointment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reschedule", utils.AuthMiddleware(h.ProposeReschedule)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reschedule/respond", utils.AuthMiddleware(h.RespondReschedule)).Methods("POST")
	router.HandleFunc("/appointments/{id}/complete", utils.AuthMiddleware(h.CompleteAppointment)).Methods("PATCH")
	router.HandleFunc("/appointments/{id}/no-show", utils.AuthMiddleware(h.MarkNoShow)).Methods("PATCH")
	router.HandleFunc("/appointments/{id}/sync-calendar", utils.AuthMiddleware(h.SyncCalendar)).Methods("POST")
}

// writeDomainError maps service errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrCalendarNotConnected):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func apptIDFromRequest(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid appointment id", ErrValidation)
	}
	return uint(id), nil
}

func (h *Handler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appt, err := h.service.Book(actor, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":             "Appointment requested",
		"appointment":         appt,
		"calendar_integrated": appt.Calendar.Synced,
	})
}

func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		MentorID  uint      `json:"mentor_id"`
		StartTime time.Time `json:"start_time"`
		Duration  int       `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	mentorID := req.MentorID
	if actor.IsMentor() {
		mentorID = actor.ID
	}
	if mentorID == 0 {
		http.Error(w, "mentor_id is required", http.StatusBadRequest)
		return
	}

	available, conflict, err := h.service.CheckAvailability(mentorID, req.StartTime, req.Duration)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response := map[string]interface{}{"available": available}
	if conflict != nil {
		response["conflict"] = map[string]interface{}{
			"id":         conflict.ID,
			"start_time": conflict.StartTime,
			"end_time":   conflict.EndTime(),
			"status":     conflict.Status,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) ListMyAppointments(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filter := ListFilter{Status: r.URL.Query().Get("status")}
	if page, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil {
		filter.PageSize = size
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}

	appts, total, err := h.service.ListForActor(actor, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"appointments": appts,
		"pagination": map[string]interface{}{
			"current_page": filter.Page,
			"page_size":    filter.PageSize,
			"total_items":  total,
			"total_pages":  int(math.Ceil(float64(total) / float64(filter.PageSize))),
		},
	})
}

func (h *Handler) UpcomingWeek(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	appts, err := h.service.UpcomingWeek(actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"appointments": appts,
		"count":        len(appts),
	})
}

func (h *Handler) StatsSummary(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := h.service.Stats(actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	appt, err := h.service.GetForActor(actor, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(appt)
}

// DownloadInvite serves the appointment as an iCalendar attachment so
// participants on any calendar client can import it.
func (h *Handler) DownloadInvite(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	appt, err := h.service.GetForActor(actor, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if appt.Status != models.StatusAccepted {
		http.Error(w, "Invite is only available for accepted appointments", http.StatusConflict)
		return
	}

	ics := mailer.InviteICS(appt, appt.Mentor, appt.Learner)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"appointment-%d.ics\"", appt.ID))
	w.Write([]byte(ics))
}

func (h *Handler) AcceptAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	appt, err := h.service.Accept(actor, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Appointment accepted",
		"appointment": appt,
	})
}

func (h *Handler) RejectAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	appt, err := h.service.Reject(actor, id, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Appointment rejected",
		"appointment": appt,
	})
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req CancelRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	appt, err := h.service.Cancel(actor, id, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Appointment cancelled",
		"appointment": appt,
	})
}

func (h *Handler) ProposeReschedule(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		StartTime time.Time `json:"start_time"`
		Reason    string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appt, err := h.service.ProposeReschedule(actor, id, req.StartTime, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Reschedule proposed",
		"appointment": appt,
	})
}

func (h *Handler) RespondReschedule(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appt, err := h.service.RespondReschedule(actor, id, req.Accept)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	message := "Reschedule declined, appointment cancelled"
	if req.Accept {
		message = "Reschedule accepted"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     message,
		"appointment": appt,
	})
}

func (h *Handler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Feedback string `json:"feedback"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	appt, err := h.service.Complete(actor, id, req.Feedback)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Appointment completed",
		"appointment": appt,
	})
}

func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	appt, err := h.service.MarkNoShow(actor, id, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Appointment marked as no-show",
		"appointment": appt,
	})
}

func (h *Handler) SyncCalendar(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := apptIDFromRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	appt, err := h.service.SyncCalendar(actor, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Calendar synced",
		"appointment": appt,
	})
}
