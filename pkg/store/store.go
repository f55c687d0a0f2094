package store

import (
	"errors"
	"time"

	"findkin/pkg/domain"
)

// Sentinel errors returned by conditional updates so callers can map them to
// their own conflict taxonomy.
var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateFlag   = errors.New("actor already flagged this case")
	ErrAlreadyAssigned = errors.New("case already assigned")
	ErrAlreadyClosed   = errors.New("case already closed")
	ErrDuplicateRef    = errors.New("case reference number already exists")
)

// SearchFilter narrows a vector query to a candidate population.
type SearchFilter struct {
	Jurisdiction string
	Status       domain.CaseStatus
	Gender       domain.Gender
	MinDateTs    int64
	ExcludeCase  string
}

// ReadReceipt partitions a mark-read request so clients can reconcile
// optimistic state.
type ReadReceipt struct {
	Updated     []string `json:"updated"`
	AlreadyRead []string `json:"alreadyRead"`
	Invalid     []string `json:"invalid"`
}

// NotificationPage is a slice of the durable per-user log, newest first.
type NotificationPage struct {
	Items      []domain.Notification `json:"items"`
	Total      int                   `json:"total"`
	Unread     int                   `json:"unread"`
	Offset     int                   `json:"offset"`
	PageSize   int                   `json:"pageSize"`
	HasMore    bool                  `json:"hasMore"`
	// NextOffset is -1 when there are no further pages.
	NextOffset int `json:"nextOffset"`
}

// Store defines persistence for users, cases, embeddings, and counters.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUser(id string) (domain.User, bool, error)
	AppendUserCase(userID, caseID string) error
	AppendNotification(userID string, n domain.Notification) error
	ListNotifications(userID string, offset, limit int) (NotificationPage, error)
	MarkNotificationsRead(userID string, ids []string, all bool) (ReadReceipt, error)

	// cases
	CreateCase(domain.Case) error
	GetCase(id string) (domain.Case, bool, error)
	DeleteCase(id string) error
	HasCaseReference(jurisdiction, referenceNo string) (bool, error)
	UpdateDescription(id, description string) error

	// AppendFlag atomically appends the flag and returns the new flag count.
	// The append and the count must come from a single conditional update so
	// concurrent flaggers cannot double-fire the threshold side effect.
	AppendFlag(caseID string, f domain.Flag) (int, error)
	MarkFlagged(caseID string) error
	AssignOnce(caseID, targetID, reportedBy string) error
	// CloseOnce transitions status to closed exactly once and returns the
	// case as it was before closing.
	CloseOnce(caseID string, at time.Time) (domain.Case, error)
	AppendTimeline(caseID string, e domain.TimelineEntry) error
	// ClaimSearchSlot advances lastSearchedAt when the cooldown has elapsed.
	// When it has not, ok is false and remaining carries the time left.
	ClaimSearchSlot(caseID string, now time.Time, cooldown time.Duration) (ok bool, remaining time.Duration, err error)

	// embeddings
	PutEmbeddings(embeddings []domain.CaseEmbedding) error
	DeleteEmbeddings(caseID string) error
	EmbeddingsByCase(caseID string) ([]domain.CaseEmbedding, error)
	SearchEmbeddings(vector []float32, filter SearchFilter, limit int) ([]domain.MatchCandidate, error)

	// counters
	IncrementCounter(name string) error
	CounterValue(name string) (int64, error)
}
