// Package www is the JSON HTTP facade over the engine: read endpoints,
// operator login guarding every mutation, and an SSE event stream.
package www

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"

	"shuttlecore/engine"
	"shuttlecore/protocol"
)

type Handlers struct {
	engine   *engine.Engine
	sessions *sessions.CookieStore
	eventHub *EventHub
}

func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	hub := NewEventHub()
	hub.Start()
	subs := hub.SetupEngineListeners(eng)

	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(eng.AppConfig().Web.SessionSecret),
		eventHub: hub,
	}
	h.ensureDefaultAdmin(eng.DB())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// SSE
	r.Get("/events", hub.SSEHandler)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.apiLogin)
		r.Post("/logout", h.apiLogout)
		r.Get("/whoami", h.apiWhoami)

		// Reads need no login.
		r.Get("/health", h.apiHealthCheck)
		r.Get("/summary", h.apiSummary)
		r.Get("/shuttle", h.apiCarStatus)
		r.Get("/lift", h.apiLiftStatus)
		r.Get("/plc", h.apiPLCStats)
		r.Get("/locations", h.apiListLocations)
		r.Get("/locations/detail", h.apiGetLocation)
		r.Get("/locations/by-pallet", h.apiGetLocationByPallet)
		r.Get("/workflows", h.apiListWorkflowRuns)
		r.Get("/audit", h.apiAuditLog)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/workflows/car-move", h.op(protocol.OpCarMove))
			r.Post("/workflows/good-move", h.op(protocol.OpGoodMove))
			r.Post("/workflows/lift-to", h.op(protocol.OpLiftTo))
			r.Post("/workflows/inbound", h.op(protocol.OpInbound))
			r.Post("/workflows/outbound", h.op(protocol.OpOutbound))
			r.Post("/workflows/cross-layer", h.op(protocol.OpCrossLayer))
			r.Post("/shuttle/location", h.op(protocol.OpUpdateCarLocation))
			r.Post("/shuttle/estop", h.apiEmergencyStop)
			r.Post("/locations/pallet", h.op(protocol.OpSetPallet))
			r.Post("/locations/status", h.op(protocol.OpSetLocationStatus))
			r.Post("/locations/bulk-sync", h.op(protocol.OpBulkSync))
			r.Post("/locations/reset", h.op(protocol.OpResetLocations))
		})
	})

	stopFn := func() {
		for _, id := range subs {
			eng.Events.Unsubscribe(id)
		}
		hub.Stop()
	}

	return r, stopFn
}
