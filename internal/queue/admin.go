package queue

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/common"
)

// AdminHandler serves the operator endpoints for dead letters and queue depth.
type AdminHandler struct {
	DeadLetters       DeadLetters
	Queue             Enqueuer
	PageSize          int
	VisibilityTimeout time.Duration
	Logger            zerolog.Logger
}

type replayRequest struct {
	IDs   []uuid.UUID `json:"ids" validate:"max=100"`
	Kind  string      `json:"kind" validate:"omitempty,max=64"`
	Limit int         `json:"limit" validate:"omitempty,min=1,max=200"`
}

type replayResult struct {
	Replayed []uuid.UUID       `json:"replayed"`
	Failed   map[string]string `json:"failed"`
}

func (h *AdminHandler) storeReady(w http.ResponseWriter) bool {
	if h == nil || h.DeadLetters == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "dead letter store not configured", nil)
		return false
	}
	return true
}

func (h *AdminHandler) queueReady(w http.ResponseWriter) bool {
	if !h.storeReady(w) {
		return false
	}
	if h.Queue.R == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "task queue not configured", nil)
		return false
	}
	return true
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func kindParam(r *http.Request) (string, error) {
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	if kind != "" && !validKind(kind) {
		return "", common.ValidationError("invalid task kind", map[string]string{"kind": kind})
	}
	return kind, nil
}

// ListDLQ pages through dead letters: GET /admin/queues/dlq?kind=&page=&limit=.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if !h.storeReady(w) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	page := common.PageFrom(r, h.pageSize(), 200)
	letters, err := h.DeadLetters.List(r.Context(), kind, page.Size, page.Offset())
	if err != nil {
		h.Logger.Error().Err(err).Msg("list_dead_letters_failed")
		common.WriteError(w, err)
		return
	}
	total, err := h.DeadLetters.Count(r.Context(), kind)
	if err != nil {
		h.Logger.Error().Err(err).Msg("count_dead_letters_failed")
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": letters, "pagination": page.Meta(total)})
}

// ReplayDLQ re-enqueues dead letters named by id, or the newest Limit of one kind:
// POST /admin/queues/dlq/replay.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if !h.queueReady(w) {
		return
	}
	var req replayRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	req.Kind = strings.TrimSpace(req.Kind)
	if len(req.IDs) == 0 && req.Kind == "" {
		common.WriteError(w, common.ValidationError("ids or kind required", nil))
		return
	}
	if req.Kind != "" && !validKind(req.Kind) {
		common.WriteError(w, common.ValidationError("invalid task kind", map[string]string{"kind": req.Kind}))
		return
	}

	ctx := r.Context()
	letters, failed, err := h.pick(ctx, req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	res := replayResult{Replayed: []uuid.UUID{}, Failed: failed}
	for _, d := range letters {
		if err := h.replay(ctx, d); err != nil {
			res.Failed[d.ID.String()] = err.Error()
			continue
		}
		res.Replayed = append(res.Replayed, d.ID)
	}
	if len(res.Replayed) > 0 {
		h.Logger.Info().Int("replayed", len(res.Replayed)).Int("failed", len(res.Failed)).Msg("dead_letters_replayed")
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res})
}

func (h *AdminHandler) pick(ctx context.Context, req replayRequest) ([]DeadLetter, map[string]string, error) {
	failed := map[string]string{}
	if len(req.IDs) == 0 {
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		letters, err := h.DeadLetters.List(ctx, req.Kind, limit, 0)
		return letters, failed, err
	}
	seen := make(map[uuid.UUID]bool, len(req.IDs))
	letters := make([]DeadLetter, 0, len(req.IDs))
	for _, id := range req.IDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, err := h.DeadLetters.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNoDeadLetter) {
				return nil, nil, err
			}
			failed[id.String()] = "not found"
			continue
		}
		letters = append(letters, d)
	}
	return letters, failed, nil
}

// replay enqueues a fresh copy of the parked task with its attempt budget reset.
func (h *AdminHandler) replay(ctx context.Context, d DeadLetter) error {
	env, err := decodeEnvelope(string(d.Envelope))
	if err != nil {
		return err
	}
	if err := h.Queue.Enqueue(ctx, Task{
		Kind:           env.Kind,
		Payload:        env.Payload,
		IdempotencyKey: env.Key,
		MaxAttempts:    env.MaxAttempts,
	}); err != nil {
		return err
	}
	if err := h.DeadLetters.Remove(ctx, d.ID); err != nil {
		return err
	}
	Parked.WithLabelValues(env.Kind).Dec()
	return nil
}

// Stats reports ready, inflight and dead-lettered counts for one kind:
// GET /admin/queues/stats?kind=.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.queueReady(w) {
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if kind == "" {
		common.WriteError(w, common.ValidationError("kind is required", nil))
		return
	}
	ctx := r.Context()
	keys := keysFor(h.Queue.Prefix)

	pipe := h.Queue.R.Pipeline()
	ready := pipe.ZCard(ctx, keys.ready(kind))
	inflight := pipe.ZCard(ctx, keys.inflight(kind))
	oldest := pipe.ZRangeWithScores(ctx, keys.ready(kind), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		common.WriteError(w, err)
		return
	}
	dead, err := h.DeadLetters.Count(ctx, kind)
	if err != nil {
		common.WriteError(w, err)
		return
	}

	var lag time.Duration
	if head := oldest.Val(); len(head) > 0 {
		if due := time.Unix(0, int64(head[0].Score)); due.Before(time.Now()) {
			lag = time.Since(due)
		}
	}
	Depth.WithLabelValues(kind).Set(float64(ready.Val()))
	Parked.WithLabelValues(kind).Set(float64(dead))

	visibility := h.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"kind":                     kind,
		"ready":                    ready.Val(),
		"inflight":                 inflight.Val(),
		"deadLetters":              dead,
		"oldestLagMs":              lag.Milliseconds(),
		"visibilityTimeoutSeconds": visibility.Seconds(),
	}})
}
