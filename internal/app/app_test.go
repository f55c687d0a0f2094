package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"findkin/pkg/ai"
	"findkin/pkg/domain"
	"findkin/pkg/store"
)

// syncEffects applies side effects synchronously against the backing store so
// tests can observe outcomes without a queue.
type syncEffects struct {
	mu        sync.Mutex
	store     store.Store
	summaries []string
	notified  []string
}

func newSyncEffects(s store.Store) *syncEffects {
	return &syncEffects{store: s}
}

func (e *syncEffects) Timeline(_ context.Context, caseID string, entry domain.TimelineEntry) {
	_ = e.store.AppendTimeline(caseID, entry)
}

func (e *syncEffects) Notify(_ context.Context, userID, message, navigateTo string) {
	e.mu.Lock()
	e.notified = append(e.notified, userID)
	e.mu.Unlock()
	_ = e.store.AppendNotification(userID, domain.Notification{
		ID:         message,
		Message:    message,
		Clickable:  navigateTo != "",
		NavigateTo: navigateTo,
		Time:       time.Now(),
	})
}

func (e *syncEffects) UserCase(_ context.Context, userID, caseID string) {
	_ = e.store.AppendUserCase(userID, caseID)
}

func (e *syncEffects) Counter(_ context.Context, name string) {
	_ = e.store.IncrementCounter(name)
}

func (e *syncEffects) Summary(_ context.Context, caseID string) {
	e.mu.Lock()
	e.summaries = append(e.summaries, caseID)
	e.mu.Unlock()
}

func (e *syncEffects) DeleteVectors(_ context.Context, caseID string) {
	_ = e.store.DeleteEmbeddings(caseID)
}

type fakeFaces struct {
	err   error
	first []float32
	last  []float32
	calls int
}

func (f *fakeFaces) ComputeEmbeddings(_ context.Context, _, _ []byte, _ bool) (ai.FaceEmbeddings, error) {
	f.calls++
	if f.err != nil {
		return ai.FaceEmbeddings{}, f.err
	}
	first := f.first
	if first == nil {
		first = []float32{1, 0, 0}
	}
	second := f.last
	if second == nil {
		second = []float32{0, 1, 0}
	}
	return ai.FaceEmbeddings{First: first, Second: second}, nil
}

type fakeModerator struct {
	result ai.ModerationResult
	err    error
}

func (f *fakeModerator) Classify(_ context.Context, _ []byte) (ai.ModerationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return ai.ModerationResult{}, nil
	}
	return f.result, nil
}

// fakeObjects is an in-memory object store that can be told to fail a
// specific put.
type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failOnPut int
	puts      int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, failOnPut: -1}
}

func (f *fakeObjects) PutImage(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failOnPut >= 0 && f.puts > f.failOnPut {
		return errors.New("put failed")
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", errors.New("no such object")
	}
	return "https://objects.local/" + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fixture struct {
	app     *App
	store   *store.MemoryStore
	objects *fakeObjects
	faces   *fakeFaces
	mod     *fakeModerator
	effects *syncEffects
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture() *fixture {
	s := store.NewMemoryStore()
	objects := newFakeObjects()
	faces := &fakeFaces{}
	mod := &fakeModerator{}
	effects := newSyncEffects(s)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := New(Config{
		Store:     s,
		Objects:   objects,
		Faces:     faces,
		Moderator: mod,
		Effects:   effects,
		ModerationThresholds: map[string]float64{
			"nsfw": 0.8,
			"gore": 0.5,
		},
		Now: clock.Now,
	})
	return &fixture{app: a, store: s, objects: objects, faces: faces, mod: mod, effects: effects, clock: clock}
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Jurisdiction: "dhaka",
		ReferenceNo:  "GD-2026-0042",
		PersonName:   "Rahim Uddin",
		Gender:       domain.GenderMale,
		Age:          34,
		DateTs:       time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC).Unix(),
		Location:     "Mirpur 10",
		Status:       domain.StatusMissing,
		Images:       [][]byte{[]byte("img-a"), []byte("img-b")},
	}
}

func generalActor(id string) Actor {
	return Actor{ID: id, Name: "user " + id, Role: domain.RoleGeneral}
}

func policeActor(id string) Actor {
	return Actor{ID: id, Name: "officer " + id, Role: domain.RolePolice}
}

func mustRegister(t interface {
	Helper()
	Fatalf(string, ...any)
}, fx *fixture, actor Actor, req RegisterRequest) string {
	t.Helper()
	id, err := fx.app.Register(context.Background(), actor, req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return id
}
