package api

import (
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/wemeerkats/server/service/appointment"
	"github.com/wemeerkats/server/service/calendar"
	"github.com/wemeerkats/server/service/mailer"
	"github.com/wemeerkats/server/service/notify"
	"github.com/wemeerkats/server/service/ws"
	"gorm.io/gorm"
)

type APIServer struct {
	address string
	db      *gorm.DB
}

func NewApiServer(address string, db *gorm.DB) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
	}
}

// BuildAppointmentService wires the scheduling service with its side-effect
// dependencies. The gateway is returned so the OAuth connect routes share the
// same instance; the reminder dispatcher command reuses it with a nil hub.
func BuildAppointmentService(db *gorm.DB, hub *ws.Hub) (*appointment.Service, *notify.NotificationService, *calendar.Gateway) {
	gateway := calendar.NewGateway(db)
	emailService := mailer.NewEmailService()
	notificationService := notify.NewNotificationService(db, hub)
	return appointment.NewService(db, gateway, emailService, notificationService), notificationService, gateway
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	hub := ws.NewHub()

	appointmentService, notificationService, gateway := BuildAppointmentService(s.db, hub)

	appointmentHandler := appointment.NewHandler(appointmentService)
	appointmentHandler.RegisterRoutes(subrouter)

	calendarHandler := calendar.NewHandler(s.db, gateway)
	calendarHandler.RegisterRoutes(subrouter)

	notificationHandler := notify.NewHandler(notificationService)
	notificationHandler.RegisterRoutes(subrouter)

	wsHandler := ws.NewHandler(hub)
	wsHandler.RegisterRoutes(router)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	log.Println("Server running at", s.address)
	return http.ListenAndServe(s.address, cors(router))
}
