package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/transport"
)

// NewRouter assembles the REST fallback surface plus the websocket
// upgrade endpoint. Everything except /health and /auth/token requires a
// device token.
func NewRouter(h *Handlers, verifier TokenVerifier, hub *transport.Hub, log *logger.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(RequestLogger(log))
	router.Use(middleware.Recoverer)

	router.Get("/health", h.Health)
	router.Post("/auth/token", h.IssueToken)

	router.Group(func(r chi.Router) {
		r.Use(RequireAuth(verifier))

		r.Post("/device/register", h.RegisterDevice)
		r.Post("/device/heartbeat", h.Heartbeat)
		r.Get("/device/roles", h.DeviceRoles)

		r.Post("/sync/push", h.PushChange)
		r.Get("/sync/pull", h.PullChanges)
		r.Get("/sync/status", h.SyncStatus)

		r.Get("/election/history", h.ElectionHistory)
		r.Post("/election/trigger", h.TriggerElection)

		r.Get("/audit", h.AuditLog)

		if hub != nil {
			r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
				hub.ServeWS(w, req, AuthedDevice(req))
			})
		}
	})

	return router
}
