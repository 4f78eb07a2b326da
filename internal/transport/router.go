package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/internal/config"
	"github.com/statelinehq/stateline/internal/engine"
	"github.com/statelinehq/stateline/internal/idempotency"
	"github.com/statelinehq/stateline/internal/observability"
	"github.com/statelinehq/stateline/internal/scheduler"
	"github.com/statelinehq/stateline/model"
)

// Dependencies wires the router to the rest of the application.
type Dependencies struct {
	Config      *config.Config
	Engine      *engine.Engine
	Scheduler   *scheduler.Scheduler
	Idempotency idempotency.Store
	Policies    map[string]model.StatePolicy
	Metrics     *observability.Metrics
	Log         *zap.Logger
	Ready       http.HandlerFunc
	Tracing     func(http.Handler) http.Handler
}

// NewRouter builds the HTTP router. Health and metrics endpoints sit outside
// the API middleware chain so probes stay cheap and unlogged.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Log))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	if deps.Ready != nil {
		r.Get("/readyz", deps.Ready)
	}
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Group(func(api chi.Router) {
		if deps.Tracing != nil {
			api.Use(deps.Tracing)
		}
		api.Use(HandlerTimeout(deps.Config.Server.WriteTimeout))
		api.Use(RequestLogging(deps.Log))
		if deps.Metrics != nil {
			api.Use(deps.Metrics.MetricsMiddleware)
		}

		api.Route("/workflows/{workflowId}", func(wf chi.Router) {
			wf.Post("/instances", handleWorkflowStart(deps.Engine, deps.Idempotency, deps.Config.Idempotency.DefaultTTL))
			wf.Get("/graph", handleWorkflowGraph(deps.Engine, deps.Policies))
		})

		api.Route("/instances", func(in chi.Router) {
			in.Get("/", handleInstanceList(deps.Engine))
			in.Route("/{instanceId}", func(one chi.Router) {
				one.Get("/", handleInstanceGet(deps.Engine))
				one.Get("/history", handleInstanceHistory(deps.Engine))
				one.Get("/branches", handleInstanceBranches(deps.Engine))
				one.Post("/events", handleInstanceEvent(deps.Engine))
				one.Post("/move", handleInstanceMove(deps.Engine))
			})
		})

		if deps.Scheduler != nil {
			api.Route("/queue", func(q chi.Router) {
				q.Get("/stats", handleQueueStats(deps.Scheduler))
				q.Get("/dead-letters", handleDeadLetterList(deps.Scheduler))
				q.Post("/dead-letters/{id}/requeue", handleDeadLetterRequeue(deps.Scheduler))
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})

	return r
}
