// Package audit records who performed back-office actions on the booking core.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/obs"
)

// ActorKind represents the source of an audited action.
type ActorKind string

const (
	// ActorKindUser represents an authenticated member or operator.
	ActorKindUser ActorKind = "user"
	// ActorKindSystem represents internal automated actions.
	ActorKindSystem ActorKind = "system"
	// ActorKindAnonymous represents unauthenticated actors.
	ActorKindAnonymous ActorKind = "anonymous"
)

// Actor describes the entity performing the action.
type Actor struct {
	Kind   ActorKind
	UserID string
}

// Entry is one persisted audit line.
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	ActorKind    ActorKind       `json:"actorKind"`
	ActorUserID  string          `json:"actorUserId,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Route        string          `json:"route,omitempty"`
	Status       int             `json:"status"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists audit lines.
type Store interface {
	InsertAuditLog(ctx context.Context, e Entry) (Entry, error)
	// ListAuditLogs returns entries newest first.
	ListAuditLogs(ctx context.Context, limit, offset int) ([]Entry, error)
}

// Event is what the caller knows about an audited action. Request details are added by
// Record.
type Event struct {
	Actor        Actor
	Action       string
	ResourceType string
	ResourceID   string
	Status       int
	Metadata     map[string]any
}

// Service writes audit lines. A SamplingRate in (0,1) keeps that share of events.
type Service struct {
	Store        Store
	Enabled      bool
	SamplingRate float64
}

// Record stores ev for req. Missing action and resource type are derived from the route.
func (s Service) Record(ctx context.Context, req *http.Request, ev Event) error {
	if !s.Enabled || !s.sampled() {
		return nil
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	route := obs.Route(req)
	if route == "" {
		route = req.URL.Path
	}
	status := ev.Status
	if status == 0 {
		status = http.StatusOK
	}
	meta, err := metadata(ev.Metadata, req.URL.RawQuery)
	if err != nil {
		return fmt.Errorf("audit metadata: %w", err)
	}
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		action = req.Method + " " + route
	}
	resource := strings.TrimSpace(ev.ResourceType)
	if resource == "" {
		resource = resourceFromRoute(route)
	}
	_, err = s.Store.InsertAuditLog(ctx, Entry{
		ID:           uuid.New(),
		ActorKind:    ev.Actor.kind(),
		ActorUserID:  strings.TrimSpace(ev.Actor.UserID),
		Action:       action,
		ResourceType: resource,
		ResourceID:   strings.TrimSpace(ev.ResourceID),
		Method:       req.Method,
		Path:         req.URL.Path,
		Route:        route,
		Status:       status,
		IP:           common.ClientIP(req),
		UserAgent:    req.UserAgent(),
		RequestID:    req.Header.Get("X-Request-ID"),
		Metadata:     meta,
		CreatedAt:    time.Now().UTC(),
	})
	return err
}

func (s Service) sampled() bool {
	if s.SamplingRate <= 0 || s.SamplingRate >= 1 {
		return true
	}
	return rand.Float64() < s.SamplingRate
}

func (a Actor) kind() ActorKind {
	if a.Kind == ActorKindUser || a.Kind == ActorKindSystem {
		return a.Kind
	}
	return ActorKindAnonymous
}

// resourceFromRoute turns /api/v1/admin/credits/grant into admin.credits.grant.
func resourceFromRoute(route string) string {
	trimmed := strings.TrimPrefix(strings.Trim(route, "/"), "api/v1/")
	if trimmed == "" {
		return "unknown"
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}

// metadata encodes the caller's fields, or the raw query when there are none.
func metadata(fields map[string]any, query string) (json.RawMessage, error) {
	if len(fields) == 0 {
		if query == "" {
			return nil, nil
		}
		fields = map[string]any{"query": query}
	}
	return json.Marshal(fields)
}
