package utils

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/wemeerkats/server/cmd/models"
)

type contextKey string

const ActorKey contextKey = "actor"

// Claims is the token payload issued by the identity service: subject is the
// user id, role is "mentor" or "learner".
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func ActorFromContext(r *http.Request) (models.Actor, error) {
	actor, ok := r.Context().Value(ActorKey).(models.Actor)
	if !ok {
		return models.Actor{}, errors.New("actor not found in context")
	}
	return actor, nil
}

// AuthMiddleware resolves the Bearer token into an Actor and stores it on the
// request context. Token issuance happens elsewhere; this only verifies.
func AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.Replace(authHeader, "Bearer ", "", 1)

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(os.Getenv("SECRET_KEY")), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		userID, err := strconv.ParseUint(claims.Subject, 10, 64)
		if err != nil {
			http.Error(w, "Invalid user ID in token", http.StatusUnauthorized)
			return
		}

		if claims.Role != models.RoleMentor && claims.Role != models.RoleLearner {
			http.Error(w, "Invalid role in token", http.StatusUnauthorized)
			return
		}

		actor := models.Actor{ID: uint(userID), Role: claims.Role}
		ctx := context.WithValue(r.Context(), ActorKey, actor)
		next(w, r.WithContext(ctx))
	}
}
