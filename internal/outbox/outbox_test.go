package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"findkin/internal/notify"
	"findkin/pkg/ai"
	"findkin/pkg/domain"
	"findkin/pkg/queue"
	"findkin/pkg/store"
)

type fixedGenerator struct {
	text string
	err  error
}

func (g fixedGenerator) GenerateText(context.Context, string, string) (string, error) {
	return g.text, g.err
}

func newOutbox(t *testing.T, memStore store.Store, summarizer fixedGenerator, counters CounterHook) (*Outbox, context.Context) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	q, err := queue.NewRedisTaskQueue(queue.RedisQueueConfig{
		Client:     client,
		Stream:     "test:outbox",
		Group:      "test-group",
		Consumer:   "worker",
		Block:      50 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := notify.NewHub(0, nil)
	go hub.Run(ctx)
	notifier := notify.NewService(memStore, hub, 10)

	var gen ai.TextGenerator
	if summarizer.text != "" || summarizer.err != nil {
		gen = summarizer
	}
	o := New(q, memStore, notifier, gen, counters)
	o.Start(ctx, 1)
	return o, ctx
}

// waitFor polls until check passes or the deadline is hit.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedCase(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.CreateCase(domain.Case{
		ID:           id,
		Jurisdiction: "dhaka",
		ReferenceNo:  "GD-" + id,
		PersonName:   "Rahim Uddin",
		Gender:       domain.GenderMale,
		Status:       domain.StatusMissing,
		Description:  "Case details are being prepared.",
		Visible:      true,
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
}

func TestOutboxDeliversSideEffects(t *testing.T) {
	memStore := store.NewMemoryStore()
	if err := memStore.SaveUser(domain.User{ID: "u1", Name: "Rahim"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	seedCase(t, memStore, "c1")

	var mu sync.Mutex
	var counted []string
	o, ctx := newOutbox(t, memStore, fixedGenerator{}, func(name string) {
		mu.Lock()
		counted = append(counted, name)
		mu.Unlock()
	})

	o.Timeline(ctx, "c1", domain.TimelineEntry{Type: "registered", Message: "Case registered"})
	o.Notify(ctx, "u1", "Your case has been registered.", "/cases/c1")
	o.UserCase(ctx, "u1", "c1")
	o.Counter(ctx, domain.CounterCasesRegistered)

	waitFor(t, "timeline entry", func() bool {
		c, _, _ := memStore.GetCase("c1")
		return len(c.Timelines) == 1
	})
	waitFor(t, "notification", func() bool {
		page, err := memStore.ListNotifications("u1", 0, 10)
		return err == nil && page.Total == 1
	})
	waitFor(t, "user case list", func() bool {
		u, _, _ := memStore.GetUser("u1")
		return u.OwnsCase("c1")
	})
	waitFor(t, "counter", func() bool {
		n, _ := memStore.CounterValue(domain.CounterCasesRegistered)
		return n == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(counted) != 1 || counted[0] != domain.CounterCasesRegistered {
		t.Fatalf("counter hook calls = %v", counted)
	}
}

func TestOutboxDropsEffectsForMissingSubjects(t *testing.T) {
	memStore := store.NewMemoryStore()
	o, ctx := newOutbox(t, memStore, fixedGenerator{}, nil)

	// Subjects were compensated away; tasks must complete without retry churn.
	o.Timeline(ctx, "gone", domain.TimelineEntry{Type: "registered"})
	o.Notify(ctx, "nobody", "message", "")
	o.Counter(ctx, domain.CounterReunions)

	waitFor(t, "counter after dropped tasks", func() bool {
		n, _ := memStore.CounterValue(domain.CounterReunions)
		return n == 1
	})
}

func TestSummaryReplacesPlaceholder(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedCase(t, memStore, "c1")
	o, ctx := newOutbox(t, memStore, fixedGenerator{text: "A 34-year-old man went missing in Mirpur."}, nil)

	o.Summary(ctx, "c1")

	waitFor(t, "generated description", func() bool {
		c, _, _ := memStore.GetCase("c1")
		return c.Description == "A 34-year-old man went missing in Mirpur."
	})
}

func TestSummaryFailureKeepsPlaceholder(t *testing.T) {
	memStore := store.NewMemoryStore()
	seedCase(t, memStore, "c1")
	o, ctx := newOutbox(t, memStore, fixedGenerator{err: errors.New("model offline")}, nil)

	o.Summary(ctx, "c1")

	// The retry schedule runs in the worker; give the first attempt time to
	// fail, then confirm the description is untouched.
	time.Sleep(200 * time.Millisecond)
	c, _, _ := memStore.GetCase("c1")
	if c.Description != "Case details are being prepared." {
		t.Fatalf("description = %q, want placeholder", c.Description)
	}
}

func TestRetryPolicySchedule(t *testing.T) {
	attempts := 0
	err := RetryPolicy{Name: "test", Delays: []time.Duration{0, time.Millisecond, time.Millisecond}}.
		Do(context.Background(), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("retry policy: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
