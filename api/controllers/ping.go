package controllers

import (
	"net/http"

	"github.com/ilyaizen/habistat/api/middleware"
	"github.com/ilyaizen/habistat/api/responses"
)

// PublicPing lets a client check connectivity before it spends a token.
func PublicPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{"scope": "public", "status": "ok"})
	}
}

// WhoAmI echoes the account the bearer token resolves to.
func WhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]string{"user_id": middleware.UserIDFromContext(r.Context())}
		if device := middleware.DeviceIDFromContext(r.Context()); device != "" {
			payload["device_id"] = device
		}
		responses.WriteSuccess(w, payload)
	}
}
