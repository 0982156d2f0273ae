package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/noah-isme/training-booking/internal/common"
)

// Trail records one audit line per handled request on the routes it wraps, including
// ones the handler rejected.
type Trail struct {
	Service *Service
	OnError func(error)
}

type rule struct {
	param    string
	metadata func(*http.Request, int) map[string]any
}

// Option tunes how a route's audit line is built.
type Option func(*rule)

// ResourceParam takes the resource id from the named chi URL parameter.
func ResourceParam(name string) Option {
	return func(r *rule) { r.param = name }
}

// WithMetadata attaches fields computed from the request and the final status.
func WithMetadata(fn func(*http.Request, int) map[string]any) Option {
	return func(r *rule) { r.metadata = fn }
}

// Action returns middleware recording action against resourceType.
func (t Trail) Action(action, resourceType string, opts ...Option) func(http.Handler) http.Handler {
	var cfg rule
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		if t.Service == nil || !t.Service.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := Event{Action: action, ResourceType: resourceType, Status: status, Actor: Actor{Kind: ActorKindAnonymous}}
			if id, ok := common.UserID(req.Context()); ok {
				ev.Actor = Actor{Kind: ActorKindUser, UserID: id}
			}
			if cfg.param != "" {
				ev.ResourceID = chi.URLParam(req, cfg.param)
			}
			if cfg.metadata != nil {
				ev.Metadata = cfg.metadata(req, status)
			}
			if err := t.Service.Record(req.Context(), req, ev); err != nil && t.OnError != nil {
				t.OnError(err)
			}
		})
	}
}
