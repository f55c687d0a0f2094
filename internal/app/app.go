package app

import (
	"context"
	"time"

	"findkin/pkg/ai"
	"findkin/pkg/domain"
	"findkin/pkg/storage"
	"findkin/pkg/store"
)

const (
	defaultSearchCooldown  = 4 * time.Hour
	defaultSearchWindow    = 2 * 30 * 24 * time.Hour
	defaultExternalTimeout = 30 * time.Second
	flagThreshold          = 5
	maxMatches             = 3
	perQueryCandidates     = 10

	placeholderDescription = "Case details are being prepared."
)

// Effects enqueues best-effort side-effect tasks. Implementations must never
// block the caller on delivery; failures are logged, not returned.
type Effects interface {
	Timeline(ctx context.Context, caseID string, entry domain.TimelineEntry)
	Notify(ctx context.Context, userID, message, navigateTo string)
	UserCase(ctx context.Context, userID, caseID string)
	Counter(ctx context.Context, name string)
	Summary(ctx context.Context, caseID string)
	DeleteVectors(ctx context.Context, caseID string)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Faces     ai.FaceEmbedder
	Moderator ai.ImageModerator
	Effects   Effects

	// ModerationThresholds maps classifier categories to rejection severities.
	ModerationThresholds map[string]float64
	SearchCooldown       time.Duration
	SearchWindow         time.Duration
	ModerationTimeout    time.Duration
	EmbedTimeout         time.Duration

	// Now is injectable for cooldown tests.
	Now func() time.Time
}

// App carries the registration saga, the case state machine, and the
// similarity search over shared dependencies.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	faces     ai.FaceEmbedder
	moderator ai.ImageModerator
	effects   Effects

	thresholds        map[string]float64
	searchCooldown    time.Duration
	searchWindow      time.Duration
	moderationTimeout time.Duration
	embedTimeout      time.Duration
	now               func() time.Time
}

// New constructs the application core.
func New(cfg Config) *App {
	cooldown := cfg.SearchCooldown
	if cooldown <= 0 {
		cooldown = defaultSearchCooldown
	}
	window := cfg.SearchWindow
	if window <= 0 {
		window = defaultSearchWindow
	}
	moderationTimeout := cfg.ModerationTimeout
	if moderationTimeout <= 0 {
		moderationTimeout = defaultExternalTimeout
	}
	embedTimeout := cfg.EmbedTimeout
	if embedTimeout <= 0 {
		embedTimeout = defaultExternalTimeout
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:             cfg.Store,
		objects:           cfg.Objects,
		faces:             cfg.Faces,
		moderator:         cfg.Moderator,
		effects:           cfg.Effects,
		thresholds:        cfg.ModerationThresholds,
		searchCooldown:    cooldown,
		searchWindow:      window,
		moderationTimeout: moderationTimeout,
		embedTimeout:      embedTimeout,
		now:               now,
	}
}

// CaseByID loads a case for read endpoints.
func (a *App) CaseByID(id string) (domain.Case, error) {
	c, ok, err := a.store.GetCase(id)
	if err != nil {
		return domain.Case{}, err
	}
	if !ok {
		return domain.Case{}, &NotFoundError{Resource: "case"}
	}
	return c, nil
}

// ensureUser creates a user record for a first-time actor. Identity comes
// from the verified token, so the record is written lazily on the first
// operation that needs one.
func (a *App) ensureUser(actor Actor) error {
	_, ok, err := a.store.GetUser(actor.ID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	now := a.now()
	return a.store.SaveUser(domain.User{
		ID:        actor.ID,
		Name:      actor.Name,
		Role:      actor.Role,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// actorWithCases loads the actor's own case list for listed-owner checks.
func (a *App) actorWithCases(actor Actor) (Actor, error) {
	user, ok, err := a.store.GetUser(actor.ID)
	if err != nil {
		return actor, err
	}
	if ok {
		actor.CaseIDs = user.CaseIDs
	}
	return actor, nil
}
