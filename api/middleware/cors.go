package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// DefaultCORSOrigins covers the desktop shell's dev server and packaged webview.
var DefaultCORSOrigins = []string{
	"http://localhost:1420",
	"tauri://localhost",
	"https://tauri.localhost",
}

// CORS returns middleware that applies the sync API's allowed origin policy.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = DefaultCORSOrigins
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
