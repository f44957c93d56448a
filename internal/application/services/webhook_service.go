package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/webhook"
	"github.com/meterline/usage-plane/internal/core/ports"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 60 * time.Second
)

// WebhookService drives inbound provider events through at-most-once
// successful processing. The processing transition is a conditional update in
// the event store, so concurrent attempts for the same event invoke the
// handler exactly once.
type WebhookService struct {
	events     ports.WebhookEventRepository
	logger     *logrus.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu       sync.RWMutex
	handlers map[string]ports.WebhookHandler

	// schedule defers a retry; time.AfterFunc in production, synchronous or
	// recording implementations in tests.
	schedule func(d time.Duration, fn func())

	stopOnce sync.Once
	stop     chan struct{}
}

// WebhookServiceConfig groups tunables for the processor.
type WebhookServiceConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Schedule overrides delayed execution; nil means time.AfterFunc.
	Schedule func(d time.Duration, fn func())
}

func NewWebhookService(events ports.WebhookEventRepository, cfg *WebhookServiceConfig, logger *logrus.Logger) *WebhookService {
	maxRetries := defaultMaxRetries
	baseDelay := defaultBaseDelay
	maxDelay := defaultMaxDelay
	schedule := func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	if cfg != nil {
		if cfg.MaxRetries > 0 {
			maxRetries = cfg.MaxRetries
		}
		if cfg.BaseDelay > 0 {
			baseDelay = cfg.BaseDelay
		}
		if cfg.MaxDelay > 0 {
			maxDelay = cfg.MaxDelay
		}
		if cfg.Schedule != nil {
			schedule = cfg.Schedule
		}
	}
	return &WebhookService{
		events:     events,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		handlers:   make(map[string]ports.WebhookHandler),
		schedule:   schedule,
		stop:       make(chan struct{}),
	}
}

// RegisterHandler binds a handler to an event type for scheduled retries and
// the reconciliation sweep.
func (s *WebhookService) RegisterHandler(eventType string, handler ports.WebhookHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = handler
}

// Handler returns the registered handler for eventType, if any.
func (s *WebhookService) Handler(eventType string) (ports.WebhookHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[eventType]
	return h, ok
}

// Record persists an inbound event as pending. Store unavailability is a hard
// error here: an unrecorded event is a silently dropped callback.
func (s *WebhookService) Record(ctx context.Context, source, eventType string, payload json.RawMessage) (uuid.UUID, error) {
	event := &webhook.Event{
		ID:        uuid.New(),
		Source:    source,
		EventType: eventType,
		Payload:   payload,
		Status:    webhook.StatusPending,
	}
	if err := s.events.Create(ctx, event); err != nil {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"source": source, "event_type": eventType}).WithError(err).Error("webhook: failed to record inbound event")
		}
		return uuid.Nil, fmt.Errorf("record webhook event: %w", err)
	}
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"event_id": event.ID, "source": source, "event_type": eventType}).Info("webhook: event recorded")
	}
	return event.ID, nil
}

// Process runs the state machine for one event. Handler failures never
// surface as errors; only store unavailability does.
func (s *WebhookService) Process(ctx context.Context, id uuid.UUID, handler ports.WebhookHandler) (webhook.ProcessResult, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, webhook.ErrEventNotFound) {
			return webhook.ProcessResult{Success: false, Error: "Event not found"}, nil
		}
		return webhook.ProcessResult{}, fmt.Errorf("load webhook event: %w", err)
	}

	// Idempotent replay protection: a successful event stays successful.
	if event.Status == webhook.StatusSuccess {
		return webhook.ProcessResult{Success: true}, nil
	}

	if event.RetryCount >= s.maxRetries {
		if event.Status != webhook.StatusFailed {
			if err := s.events.MarkFailed(ctx, id, "Exceeded max retries"); err != nil {
				return webhook.ProcessResult{}, fmt.Errorf("mark webhook event failed: %w", err)
			}
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"event_id": id, "event_type": event.EventType, "retry_count": event.RetryCount}).Warn("webhook: retries exhausted; event marked failed")
			}
		}
		return webhook.ProcessResult{Success: false, Error: "Exceeded max retries"}, nil
	}

	// Admin retries and the reconciliation sweep pass a nil handler and rely
	// on the registry.
	if handler == nil {
		registered, ok := s.Handler(event.EventType)
		if !ok {
			return webhook.ProcessResult{Success: false, Error: fmt.Sprintf("No handler registered for event type %q", event.EventType)}, nil
		}
		handler = registered
	}

	// Only the caller that wins the pending -> processing transition runs the
	// handler; losers back off and report the event as in flight.
	won, err := s.events.MarkProcessing(ctx, id)
	if err != nil {
		return webhook.ProcessResult{}, fmt.Errorf("mark webhook event processing: %w", err)
	}
	if !won {
		return webhook.ProcessResult{Success: false, Error: "Event is already being processed"}, nil
	}

	if herr := s.invokeHandler(ctx, handler, event.Payload); herr != nil {
		msg := herr.Error()
		if err := s.events.ScheduleRetry(ctx, id, msg); err != nil {
			return webhook.ProcessResult{}, fmt.Errorf("schedule webhook retry: %w", err)
		}
		delay := s.backoff(event.RetryCount + 1)
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"event_id": id, "event_type": event.EventType, "retry_count": event.RetryCount + 1, "delay": delay.String()}).Warn("webhook: handler failed; retry scheduled")
		}
		s.schedule(delay, func() {
			if _, err := s.Process(context.Background(), id, handler); err != nil {
				if s.logger != nil {
					s.logger.WithField("event_id", id).WithError(err).Error("webhook: scheduled retry failed against event store")
				}
			}
		})
		return webhook.ProcessResult{Success: false, Error: msg}, nil
	}

	if err := s.events.MarkSucceeded(ctx, id); err != nil {
		return webhook.ProcessResult{}, fmt.Errorf("mark webhook event succeeded: %w", err)
	}
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{"event_id": id, "event_type": event.EventType}).Info("webhook: event processed")
	}
	return webhook.ProcessResult{Success: true}, nil
}

// ProcessNow composes Record and Process for synchronous webhook endpoints
// that must respond within the provider's timeout.
func (s *WebhookService) ProcessNow(ctx context.Context, source, eventType string, payload json.RawMessage, handler ports.WebhookHandler) (uuid.UUID, webhook.ProcessResult, error) {
	id, err := s.Record(ctx, source, eventType, payload)
	if err != nil {
		return uuid.Nil, webhook.ProcessResult{}, err
	}
	result, err := s.Process(ctx, id, handler)
	return id, result, err
}

// Retry is the administrative override: the event goes back to pending with a
// zero retry count regardless of its current state, then processes again.
func (s *WebhookService) Retry(ctx context.Context, id uuid.UUID, handler ports.WebhookHandler) (webhook.ProcessResult, error) {
	if err := s.events.ResetForRetry(ctx, id); err != nil {
		if errors.Is(err, webhook.ErrEventNotFound) {
			return webhook.ProcessResult{Success: false, Error: "Event not found"}, nil
		}
		return webhook.ProcessResult{}, fmt.Errorf("reset webhook event: %w", err)
	}
	if s.logger != nil {
		s.logger.WithField("event_id", id).Info("webhook: manual retry requested")
	}
	return s.Process(ctx, id, handler)
}

// EventsByStatus lists events in the given status, newest first.
func (s *WebhookService) EventsByStatus(ctx context.Context, status webhook.Status, limit int) ([]*webhook.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.events.ListByStatus(ctx, status, limit)
}

// Stats returns per-status event counts.
func (s *WebhookService) Stats(ctx context.Context) (*webhook.Stats, error) {
	return s.events.CountByStatus(ctx)
}

// StartReconciliation launches the periodic sweep that recovers events a
// process restart left behind: pending events whose scheduled retry was lost,
// and processing events whose processor died mid-flight. Events are
// considered stale once untouched for staleAfter.
func (s *WebhookService) StartReconciliation(interval, staleAfter time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Reconcile(context.Background(), staleAfter)
			}
		}
	}()
}

// Stop terminates the reconciliation sweep. Already scheduled in-process
// retries still fire.
func (s *WebhookService) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Reconcile performs one sweep. Events stuck in processing since before the
// staleness gap are released back to pending first, so the pending scan of
// the same sweep already sees them.
func (s *WebhookService) Reconcile(ctx context.Context, staleAfter time.Duration) {
	cutoff := time.Now().Add(-staleAfter)

	released, err := s.events.ReleaseStale(ctx, cutoff)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("webhook: reconciliation sweep failed to release stale processing events")
		}
	} else if released > 0 && s.logger != nil {
		s.logger.WithField("released", released).Warn("webhook: released events stranded in processing")
	}

	events, err := s.events.ListByStatus(ctx, webhook.StatusPending, 100)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("webhook: reconciliation sweep failed to list pending events")
		}
		return
	}
	for _, event := range events {
		if event.UpdatedAt.After(cutoff) {
			continue
		}
		handler, ok := s.Handler(event.EventType)
		if !ok {
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.EventType}).Warn("webhook: stale pending event has no registered handler")
			}
			continue
		}
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.EventType, "retry_count": event.RetryCount}).Info("webhook: reprocessing stale pending event")
		}
		if _, err := s.Process(ctx, event.ID, handler); err != nil {
			if s.logger != nil {
				s.logger.WithField("event_id", event.ID).WithError(err).Error("webhook: reconciliation reprocess failed against event store")
			}
		}
	}
}

// invokeHandler runs the caller-supplied handler, converting panics into
// normal handler failures. Panics with non-error values are normalized to
// "Unknown error".
func (s *WebhookService) invokeHandler(ctx context.Context, handler ports.WebhookHandler, payload json.RawMessage) (herr error) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				herr = err
			} else {
				herr = errors.New("Unknown error")
			}
		}
	}()
	return handler(ctx, payload)
}

// backoff returns baseDelay * 2^retryCount, capped at maxDelay.
func (s *WebhookService) backoff(retryCount int) time.Duration {
	delay := s.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return delay
}
