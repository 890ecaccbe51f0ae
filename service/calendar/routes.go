package calendar

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/wemeerkats/server/cmd/models"
	"github.com/wemeerkats/server/cmd/utils"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Handler serves the Google Calendar connect flow and connection status.
type Handler struct {
	db      *gorm.DB
	gateway *Gateway
}

func NewHandler(db *gorm.DB, gateway *Gateway) *Handler {
	return &Handler{db: db, gateway: gateway}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/calendar/connect", utils.AuthMiddleware(h.Connect)).Methods("GET")
	router.HandleFunc("/calendar/oauth2/callback", h.Callback).Methods("GET")
	router.HandleFunc("/calendar/status", utils.AuthMiddleware(h.Status)).Methods("GET")
	router.HandleFunc("/calendar/disconnect", utils.AuthMiddleware(h.Disconnect)).Methods("DELETE")
}

// oauthState rides through Google unchanged so the callback knows whose
// credential to store.
type oauthState struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
}

func encodeState(s oauthState) string {
	raw, _ := json.Marshal(s)
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeState(encoded string) (oauthState, error) {
	var s oauthState
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(raw, &s)
	return s, err
}

// Connect returns the Google consent URL for the caller.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	state := encodeState(oauthState{UserID: actor.ID, Role: actor.Role})
	url := h.gateway.OAuthConfig().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"auth_url": url,
	})
}

// Callback exchanges the authorization code and stores the tokens.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	state, err := decodeState(r.URL.Query().Get("state"))
	if err != nil || state.UserID == 0 {
		http.Error(w, "Invalid OAuth state", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	token, err := h.gateway.OAuthConfig().Exchange(r.Context(), code)
	if err != nil {
		log.Printf("calendar token exchange failed for user %d: %v", state.UserID, err)
		http.Error(w, "Token exchange failed", http.StatusBadGateway)
		return
	}
	if token.RefreshToken == "" {
		http.Error(w, "Google did not return a refresh token, reconnect with consent", http.StatusBadGateway)
		return
	}

	cred := models.CalendarCredential{
		UserID:       state.UserID,
		UserRole:     state.Role,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		Scope:        h.gateway.OAuthConfig().Scopes[0],
		Active:       true,
		LastUsedAt:   time.Now(),
	}

	var existing models.CalendarCredential
	err = h.db.Where("user_id = ? AND user_role = ?", state.UserID, state.Role).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		err = h.db.Create(&cred).Error
	case err == nil:
		err = h.db.Model(&existing).Updates(map[string]interface{}{
			"access_token":  cred.AccessToken,
			"refresh_token": cred.RefreshToken,
			"token_type":    cred.TokenType,
			"expiry":        cred.Expiry,
			"scope":         cred.Scope,
			"active":        true,
			"last_used_at":  cred.LastUsedAt,
		}).Error
	}
	if err != nil {
		log.Printf("storing calendar credential for user %d failed: %v", state.UserID, err)
		http.Error(w, "Failed to store credential", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Google Calendar connected",
	})
}

// Status reports whether the caller holds an active credential.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var cred models.CalendarCredential
	err = h.db.Where("user_id = ? AND user_role = ? AND active = ?", actor.ID, actor.Role, true).First(&cred).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{"connected": false})
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"connected":    true,
		"expiry":       cred.Expiry,
		"last_used_at": cred.LastUsedAt,
	})
}

// Disconnect deactivates the caller's credential. The row stays for audit;
// future calendar operations degrade to recorded no-ops.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	result := h.db.Model(&models.CalendarCredential{}).
		Where("user_id = ? AND user_role = ? AND active = ?", actor.ID, actor.Role, true).
		Update("active", false)
	if result.Error != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		http.Error(w, "No connected calendar", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Google Calendar disconnected",
	})
}
