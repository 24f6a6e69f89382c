package api

import (
	"context"
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/dispatch"
	"sms-gateway/internal/health"
	"sms-gateway/internal/messages"
	"sms-gateway/internal/queue"
)

// MessageStore is the slice of the store the control surface reads through.
type MessageStore interface {
	Insert(ctx context.Context, msg *messages.Message) error
	Get(ctx context.Context, id uuid.UUID) (*messages.Message, error)
	List(ctx context.Context, state *messages.State, priority *messages.Priority, limit, offset int) ([]*messages.Message, error)
	CountInState(ctx context.Context, state messages.State) (int64, error)
	QueueStats(ctx context.Context) (*messages.QueueStats, error)
}

type MessageQueue interface {
	Enqueue(ctx context.Context, msg *messages.Message) error
	Promote(ctx context.Context, msg *messages.Message) (bool, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Reprioritize(ctx context.Context, id uuid.UUID, priority messages.Priority) error
	Clear(ctx context.Context, priority *messages.Priority) (int64, error)
	ClearState(ctx context.Context, state messages.State) (int64, error)
}

type Pipeline interface {
	Pause()
	Resume()
	Paused() bool
	Stats() dispatch.Stats
}

type HealthMonitor interface {
	Current() *health.Report
	Check(ctx context.Context) *health.Report
}

type Handlers struct {
	logger        *zap.Logger
	store         MessageStore
	queue         MessageQueue
	pipeline      Pipeline
	health        HealthMonitor
	maxAttempts   int
	highWatermark int64
}

func NewHandlers(logger *zap.Logger, store MessageStore, q MessageQueue, pipeline Pipeline, monitor HealthMonitor, maxAttempts int, highWatermark int64) *Handlers {
	return &Handlers{
		logger:        logger,
		store:         store,
		queue:         q,
		pipeline:      pipeline,
		health:        monitor,
		maxAttempts:   maxAttempts,
		highWatermark: highWatermark,
	}
}

type SubmitRequest struct {
	Recipient     string            `json:"recipient"`
	Content       string            `json:"content"`
	Priority      string            `json:"priority,omitempty"`
	ScheduledAt   *int64            `json:"scheduled_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	MaxAttempts   *int              `json:"max_attempts,omitempty"`
	RetryStrategy string            `json:"retry_strategy,omitempty"`
}

type SubmitResponse struct {
	ID       uuid.UUID      `json:"id"`
	State    messages.State `json:"state"`
	QueuedAt int64          `json:"queued_at"`
	Warning  string         `json:"warning,omitempty"`
}

// SubmitMessage handles POST /sms.
func (h *Handlers) SubmitMessage(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	if err := messages.ValidateRecipient(req.Recipient); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	if req.Content == "" {
		return c.Status(400).JSON(fiber.Map{"error": "content is required"})
	}

	priority := messages.PriorityNormal
	if req.Priority != "" {
		p, err := messages.ParsePriority(req.Priority)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		priority = p
	}

	strategy := messages.RetryExponential
	if req.RetryStrategy != "" {
		s, err := messages.ParseRetryStrategy(req.RetryStrategy)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		strategy = s
	}

	maxAttempts := h.maxAttempts
	if req.MaxAttempts != nil {
		if *req.MaxAttempts < 1 {
			return c.Status(400).JSON(fiber.Map{"error": "max_attempts must be >= 1"})
		}
		maxAttempts = *req.MaxAttempts
	}

	// Admission control: reject above the high-water mark instead of letting
	// the queue grow without bound.
	depth, err := h.store.CountInState(c.Context(), messages.StateQueued)
	if err != nil {
		h.logger.Error("failed to check queue depth", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	if depth >= h.highWatermark {
		return c.Status(503).JSON(fiber.Map{"error": "queue overloaded", "depth": depth})
	}

	var warning string
	if utf8.RuneCountInString(req.Content) > messages.SingleSMSLimit {
		warning = "content exceeds 160 characters and will be sent as multiple parts"
		h.logger.Warn("long message content accepted",
			zap.Int("length", utf8.RuneCountInString(req.Content)))
	}

	msg := &messages.Message{
		Recipient:     req.Recipient,
		Content:       req.Content,
		Parts:         messages.CalculateParts(req.Content),
		Priority:      priority,
		RetryStrategy: strategy,
		MaxAttempts:   maxAttempts,
		Metadata:      req.Metadata,
	}

	now := messages.NowMillis()
	if req.ScheduledAt != nil && *req.ScheduledAt > now {
		msg.State = messages.StateScheduled
		msg.ScheduledAt = req.ScheduledAt
		if err := h.store.Insert(c.Context(), msg); err != nil {
			h.logger.Error("failed to persist scheduled message", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal error"})
		}
	} else {
		if err := h.queue.Enqueue(c.Context(), msg); err != nil {
			h.logger.Error("failed to enqueue message", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal error"})
		}
	}

	return c.Status(202).JSON(&SubmitResponse{
		ID:       msg.ID,
		State:    msg.State,
		QueuedAt: msg.CreatedAt,
		Warning:  warning,
	})
}

// GetMessage handles GET /sms/:id.
func (h *Handlers) GetMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid message id"})
	}
	msg, err := h.store.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "message not found"})
		}
		h.logger.Error("failed to get message", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(msg)
}

// CancelMessage handles DELETE /sms/:id. Cancelling an already cancelled
// message returns ok without side effect.
func (h *Handlers) CancelMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid message id"})
	}
	if err := h.queue.Remove(c.Context(), id); err != nil {
		switch {
		case errors.Is(err, messages.ErrNotFound):
			return c.Status(404).JSON(fiber.Map{"error": "message not found"})
		case errors.Is(err, queue.ErrTerminal):
			return c.Status(409).JSON(fiber.Map{"error": "message already terminal"})
		}
		h.logger.Error("failed to cancel message", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// ListMessages handles GET /sms with state, priority, page and limit params.
func (h *Handlers) ListMessages(c *fiber.Ctx) error {
	var statePtr *messages.State
	if raw := c.Query("state"); raw != "" {
		state, err := messages.ParseState(raw)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		statePtr = &state
	}

	var priorityPtr *messages.Priority
	if raw := c.Query("priority"); raw != "" {
		priority, err := messages.ParsePriority(raw)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		priorityPtr = &priority
	}

	page, err := strconv.Atoi(c.Query("page", "1"))
	if err != nil || page < 1 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid page"})
	}
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid limit"})
	}

	msgs, err := h.store.List(c.Context(), statePtr, priorityPtr, limit, (page-1)*limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	if msgs == nil {
		msgs = []*messages.Message{}
	}
	return c.JSON(fiber.Map{"messages": msgs, "page": page, "limit": limit})
}

// ReprioritizeMessage handles POST /sms/queue/priority/:id.
func (h *Handlers) ReprioritizeMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid message id"})
	}
	var body struct {
		Priority string `json:"priority"`
	}
	if err := c.BodyParser(&body); err != nil || body.Priority == "" {
		return c.Status(400).JSON(fiber.Map{"error": "priority is required"})
	}
	priority, err := messages.ParsePriority(body.Priority)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	if err := h.queue.Reprioritize(c.Context(), id, priority); err != nil {
		switch {
		case errors.Is(err, messages.ErrNotFound):
			return c.Status(404).JSON(fiber.Map{"error": "message not found"})
		case errors.Is(err, queue.ErrNotQueued):
			return c.Status(409).JSON(fiber.Map{"error": "message is not queued"})
		}
		h.logger.Error("failed to reprioritize message", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// RetryMessage handles POST /sms/queue/retry/:id: promotes a retry-pending
// (SCHEDULED) message into the queue immediately.
func (h *Handlers) RetryMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid message id"})
	}
	msg, err := h.store.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "message not found"})
		}
		h.logger.Error("failed to get message", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	if msg.State != messages.StateScheduled {
		return c.Status(409).JSON(fiber.Map{"error": "message is not retryable"})
	}

	ok, err := h.queue.Promote(c.Context(), msg)
	if err != nil {
		h.logger.Error("failed to promote message", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	if !ok {
		return c.Status(409).JSON(fiber.Map{"error": "message is not retryable"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// PauseQueue handles POST /sms/queue/pause.
func (h *Handlers) PauseQueue(c *fiber.Ctx) error {
	h.pipeline.Pause()
	return h.QueueStatsHandler(c)
}

// ResumeQueue handles POST /sms/queue/resume.
func (h *Handlers) ResumeQueue(c *fiber.Ctx) error {
	h.pipeline.Resume()
	return h.QueueStatsHandler(c)
}

// ClearQueue handles DELETE /sms/queue/clear?state=&priority=. Defaults to
// cancelling all QUEUED messages; state=SCHEDULED cancels the pending
// scheduled set instead.
func (h *Handlers) ClearQueue(c *fiber.Ctx) error {
	if raw := c.Query("state"); raw != "" {
		state, err := messages.ParseState(raw)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		if state != messages.StateQueued && state != messages.StateScheduled {
			return c.Status(400).JSON(fiber.Map{"error": "only QUEUED or SCHEDULED can be cleared"})
		}
		if state == messages.StateScheduled {
			deleted, err := h.queue.ClearState(c.Context(), state)
			if err != nil {
				h.logger.Error("failed to clear scheduled messages", zap.Error(err))
				return c.Status(500).JSON(fiber.Map{"error": "internal error"})
			}
			return c.JSON(fiber.Map{"deleted": deleted})
		}
	}

	var priorityPtr *messages.Priority
	if raw := c.Query("priority"); raw != "" {
		priority, err := messages.ParsePriority(raw)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		priorityPtr = &priority
	}

	deleted, err := h.queue.Clear(c.Context(), priorityPtr)
	if err != nil {
		h.logger.Error("failed to clear queue", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

// QueueStatsHandler handles GET /sms/queue/stats.
func (h *Handlers) QueueStatsHandler(c *fiber.Ctx) error {
	stats, err := h.store.QueueStats(c.Context())
	if err != nil {
		h.logger.Error("failed to compute queue stats", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	stats.Paused = h.pipeline.Paused()
	return c.JSON(fiber.Map{
		"queue":      stats,
		"dispatcher": h.pipeline.Stats(),
	})
}

// Health handles GET /health: the cached verdict.
func (h *Handlers) Health(c *fiber.Ctx) error {
	report := h.health.Current()
	status := 200
	if report.Overall >= health.Critical {
		status = 503
	}
	return c.Status(status).JSON(fiber.Map{
		"status":     report.Overall.String(),
		"checked_at": report.CheckedAt,
	})
}

// HealthDetailed handles GET /health/detailed: a fresh full report.
func (h *Handlers) HealthDetailed(c *fiber.Ctx) error {
	report := h.health.Check(c.Context())
	status := 200
	if report.Overall >= health.Critical {
		status = 503
	}
	return c.Status(status).JSON(report)
}
