/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request, attached to handler logs
  4. CORS:       Cross-origin requests for the mapping grid frontend

ROUTE GROUPS:
  /api/mappings          Save batches
  /api/entities/{id}/*   Per-entity reads, recalculation and export
  /api/presets/{guid}    Preset inspection
  /api/scenarios/*       Demo scenarios
  /api/admin/*           Full rebuild
  /healthz               Liveness + database ping
  /*                     Static files (frontend), when built

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins is used when RouterOptions.AllowedOrigins is empty.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	StaticDir      string // built frontend; ./web/dist when empty
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Updated-By"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/mappings", h.SaveMappings)

		// Entity routes
		r.Route("/entities/{id}", func(r chi.Router) {
			r.Get("/mappings", h.ListMappings)
			r.Get("/accounts", h.ListAccounts)
			r.Get("/activity", h.GetActivity)
			r.Get("/activity/export", h.ExportActivity)
			r.Post("/activity/recalculate", h.RecalculateActivity)
		})

		r.Get("/presets/{guid}", h.GetPreset)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/recalculate", h.LastRecalculation)
			r.Post("/recalculate", h.RecalculateAll)
		})
	})

	mountStatic(r, opts.StaticDir)
	return r
}

// mountStatic serves the built frontend with SPA fallback to index.html.
func mountStatic(r chi.Router, staticDir string) {
	if staticDir == "" {
		staticDir = "./web/dist"
		if _, err := os.Stat(staticDir); os.IsNotExist(err) {
			// Try relative to executable
			exe, _ := os.Executable()
			staticDir = filepath.Join(filepath.Dir(exe), "web", "dist")
		}
	}

	if _, err := os.Stat(staticDir); err != nil {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>SCOA Mapping Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>SCOA Mapping Engine API</h1>
<p>The frontend is not built.</p>
<ul>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
<li><a href="/healthz">/healthz</a> - Health</li>
</ul>
</body>
</html>`))
		})
		return
	}

	fileServer := http.FileServer(http.Dir(staticDir))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		fullPath := filepath.Join(staticDir, filepath.Clean(r.URL.Path))

		// SPA routing: serve index.html for unknown paths
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}
