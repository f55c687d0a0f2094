package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"findkin/internal/notify"
	"findkin/pkg/ai"
	"findkin/pkg/domain"
	"findkin/pkg/queue"
	"findkin/pkg/store"
)

// Task kinds routed through the side-effect stream.
const (
	KindTimeline      = "timeline"
	KindNotify        = "notify"
	KindUserCase      = "user-case"
	KindCounter       = "counter"
	KindSummary       = "summary"
	KindDeleteVectors = "delete-vectors"
)

type timelinePayload struct {
	CaseID string               `json:"caseId"`
	Entry  domain.TimelineEntry `json:"entry"`
}

type notifyPayload struct {
	UserID     string `json:"userId"`
	Message    string `json:"message"`
	NavigateTo string `json:"navigateTo,omitempty"`
}

type userCasePayload struct {
	UserID string `json:"userId"`
	CaseID string `json:"caseId"`
}

type counterPayload struct {
	Name string `json:"name"`
}

type casePayload struct {
	CaseID string `json:"caseId"`
}

// RetryPolicy is a named attempt schedule. The zeroth delay applies before
// the first attempt.
type RetryPolicy struct {
	Name   string
	Delays []time.Duration
}

// SummaryRetry is the schedule for asynchronous case-summary generation.
var SummaryRetry = RetryPolicy{
	Name:   "case-summary",
	Delays: []time.Duration{0, 5 * time.Second, 15 * time.Second},
}

// Do runs fn once per scheduled attempt until it succeeds. The last error is
// returned when every attempt fails.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for i, delay := range p.Delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		slog.Warn("retry attempt failed", "policy", p.Name, "attempt", i+1, "err", lastErr)
	}
	return lastErr
}

// Outbox enqueues best-effort side-effect tasks onto a durable redis stream
// and processes them with a retrying worker. Enqueue methods never fail the
// primary operation: errors are logged and dropped.
type Outbox struct {
	queue      *queue.RedisTaskQueue
	store      store.Store
	notifier   *notify.Service
	summarizer ai.TextGenerator
	counters   CounterHook
}

// CounterHook mirrors durable counter increments into process metrics.
// May be nil.
type CounterHook func(name string)

// New wires the outbox. summarizer may be nil, in which case summary tasks
// leave the placeholder description in place.
func New(q *queue.RedisTaskQueue, s store.Store, notifier *notify.Service, summarizer ai.TextGenerator, counters CounterHook) *Outbox {
	return &Outbox{queue: q, store: s, notifier: notifier, summarizer: summarizer, counters: counters}
}

// Start launches the worker consumers.
func (o *Outbox) Start(ctx context.Context, concurrency int) {
	o.queue.Start(ctx, concurrency, o.handle)
}

func (o *Outbox) enqueue(ctx context.Context, kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("outbox payload marshal failed", "kind", kind, "err", err)
		return
	}
	if _, err := o.queue.Enqueue(ctx, kind, string(raw)); err != nil {
		slog.Error("outbox enqueue failed", "kind", kind, "err", err)
	}
}

// Timeline appends a case timeline entry.
func (o *Outbox) Timeline(ctx context.Context, caseID string, entry domain.TimelineEntry) {
	o.enqueue(ctx, KindTimeline, timelinePayload{CaseID: caseID, Entry: entry})
}

// Notify delivers a durable + push notification.
func (o *Outbox) Notify(ctx context.Context, userID, message, navigateTo string) {
	o.enqueue(ctx, KindNotify, notifyPayload{UserID: userID, Message: message, NavigateTo: navigateTo})
}

// UserCase appends the case id to the user's case list.
func (o *Outbox) UserCase(ctx context.Context, userID, caseID string) {
	o.enqueue(ctx, KindUserCase, userCasePayload{UserID: userID, CaseID: caseID})
}

// Counter increments a durable aggregate.
func (o *Outbox) Counter(ctx context.Context, name string) {
	o.enqueue(ctx, KindCounter, counterPayload{Name: name})
}

// Summary schedules asynchronous description generation for a case.
func (o *Outbox) Summary(ctx context.Context, caseID string) {
	o.enqueue(ctx, KindSummary, casePayload{CaseID: caseID})
}

// DeleteVectors removes a closed case's embeddings from the index.
func (o *Outbox) DeleteVectors(ctx context.Context, caseID string) {
	o.enqueue(ctx, KindDeleteVectors, casePayload{CaseID: caseID})
}

func (o *Outbox) handle(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case KindTimeline:
		var p timelinePayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return nil // poison message, drop
		}
		return ignoreMissing(o.store.AppendTimeline(p.CaseID, p.Entry))
	case KindNotify:
		var p notifyPayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return nil
		}
		return ignoreMissing(o.notifier.Notify(p.UserID, p.Message, p.NavigateTo))
	case KindUserCase:
		var p userCasePayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return nil
		}
		return ignoreMissing(o.store.AppendUserCase(p.UserID, p.CaseID))
	case KindCounter:
		var p counterPayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return nil
		}
		if err := o.store.IncrementCounter(p.Name); err != nil {
			return err
		}
		if o.counters != nil {
			o.counters(p.Name)
		}
		return nil
	case KindSummary:
		var p casePayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return nil
		}
		return o.generateSummary(ctx, p.CaseID)
	case KindDeleteVectors:
		var p casePayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return nil
		}
		return o.store.DeleteEmbeddings(p.CaseID)
	default:
		slog.Warn("unknown outbox task kind", "kind", task.Kind)
		return nil
	}
}

// ignoreMissing drops tasks whose subject no longer exists. A compensated
// case may already be gone by the time its side effects run.
func ignoreMissing(err error) error {
	if err == nil || err == store.ErrNotFound {
		return nil
	}
	return err
}

func (o *Outbox) generateSummary(ctx context.Context, caseID string) error {
	if o.summarizer == nil {
		return nil
	}
	c, ok, err := o.store.GetCase(caseID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	// The queue-level retry covers infrastructure failures; the policy below
	// is the user-visible schedule for generation attempts. Exhausting it
	// keeps the placeholder description.
	err = SummaryRetry.Do(ctx, func(ctx context.Context) error {
		summary, err := o.summarizer.GenerateText(ctx, summarySystemPrompt, summaryUserPrompt(c))
		if err != nil {
			return err
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			return fmt.Errorf("empty summary")
		}
		return o.store.UpdateDescription(caseID, summary)
	})
	if err != nil {
		slog.Warn("summary generation exhausted retries", "case_id", caseID, "err", err)
	}
	return nil
}

const summarySystemPrompt = "You write short, factual public descriptions of missing or found person cases. Two to three sentences, no speculation."

func summaryUserPrompt(c domain.Case) string {
	return fmt.Sprintf(
		"Status: %s\nName: %s\nGender: %s\nAge: %d\nLast known location: %s\nWrite the public case description.",
		c.Status, c.PersonName, c.Gender, c.Age, c.Location,
	)
}
