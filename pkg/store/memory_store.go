package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"findkin/pkg/domain"
)

// MemoryStore is an in-memory Store used by tests. It mirrors the conditional
// semantics of the Postgres store, including the atomic flag append.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]domain.User
	cases      map[string]domain.Case
	embeddings map[string][]domain.CaseEmbedding
	counters   map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]domain.User),
		cases:      make(map[string]domain.Case),
		embeddings: make(map[string][]domain.CaseEmbedding),
		counters:   make(map[string]int64),
	}
}

func (s *MemoryStore) SaveUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) AppendUserCase(userID, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.OwnsCase(caseID) {
		return nil
	}
	u.CaseIDs = append(u.CaseIDs, caseID)
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) AppendNotification(userID string, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Notifications = append(u.Notifications, n)
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) ListNotifications(userID string, offset, limit int) (NotificationPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return NotificationPage{}, ErrNotFound
	}
	return pageNotifications(u.Notifications, offset, limit), nil
}

func (s *MemoryStore) MarkNotificationsRead(userID string, ids []string, all bool) (ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ReadReceipt{}, ErrNotFound
	}
	notifications, receipt := partitionRead(u.Notifications, ids, all)
	u.Notifications = notifications
	s.users[userID] = u
	return receipt, nil
}

func (s *MemoryStore) CreateCase(c domain.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cases {
		if existing.Jurisdiction == c.Jurisdiction && existing.ReferenceNo == c.ReferenceNo {
			return ErrDuplicateRef
		}
	}
	s.cases[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCase(id string) (domain.Case, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	return c, ok, nil
}

func (s *MemoryStore) DeleteCase(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cases, id)
	return nil
}

func (s *MemoryStore) HasCaseReference(jurisdiction, referenceNo string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cases {
		if c.Jurisdiction == jurisdiction && c.ReferenceNo == referenceNo {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateDescription(id, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return ErrNotFound
	}
	c.Description = description
	s.cases[id] = c
	return nil
}

func (s *MemoryStore) AppendFlag(caseID string, f domain.Flag) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return 0, ErrNotFound
	}
	for _, existing := range c.Flags {
		if existing.ActorID == f.ActorID {
			return 0, ErrDuplicateFlag
		}
	}
	c.Flags = append(c.Flags, f)
	s.cases[caseID] = c
	return len(c.Flags), nil
}

func (s *MemoryStore) MarkFlagged(caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	c.IsFlagged = true
	c.Visible = false
	s.cases[caseID] = c
	return nil
}

func (s *MemoryStore) AssignOnce(caseID, targetID, reportedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	if c.IsAssigned {
		return ErrAlreadyAssigned
	}
	c.IsAssigned = true
	c.OwnerID = targetID
	c.ReportedBy = reportedBy
	s.cases[caseID] = c
	return nil
}

func (s *MemoryStore) CloseOnce(caseID string, at time.Time) (domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return domain.Case{}, ErrNotFound
	}
	if c.Status == domain.StatusClosed {
		return domain.Case{}, ErrAlreadyClosed
	}
	prior := c
	c.OriginalStatus = c.Status
	c.Status = domain.StatusClosed
	c.Visible = false
	c.UpdatedAt = at
	s.cases[caseID] = c
	return prior, nil
}

func (s *MemoryStore) AppendTimeline(caseID string, e domain.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	c.Timelines = append(c.Timelines, e)
	s.cases[caseID] = c
	return nil
}

func (s *MemoryStore) ClaimSearchSlot(caseID string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return false, 0, ErrNotFound
	}
	if !c.LastSearchedAt.IsZero() && now.Sub(c.LastSearchedAt) < cooldown {
		remaining := c.LastSearchedAt.Add(cooldown).Sub(now)
		return false, remaining, nil
	}
	c.LastSearchedAt = now
	s.cases[caseID] = c
	return true, 0, nil
}

func (s *MemoryStore) PutEmbeddings(embeddings []domain.CaseEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range embeddings {
		s.embeddings[e.CaseID] = append(s.embeddings[e.CaseID], e)
	}
	return nil
}

func (s *MemoryStore) DeleteEmbeddings(caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.embeddings, caseID)
	return nil
}

func (s *MemoryStore) EmbeddingsByCase(caseID string) ([]domain.CaseEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CaseEmbedding, len(s.embeddings[caseID]))
	copy(out, s.embeddings[caseID])
	return out, nil
}

func (s *MemoryStore) SearchEmbeddings(vector []float32, filter SearchFilter, limit int) ([]domain.MatchCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MatchCandidate
	for caseID, list := range s.embeddings {
		if caseID == filter.ExcludeCase {
			continue
		}
		for _, e := range list {
			if e.Jurisdiction != filter.Jurisdiction || e.Status != filter.Status ||
				e.Gender != filter.Gender || e.DateTs < filter.MinDateTs {
				continue
			}
			out = append(out, domain.MatchCandidate{CaseID: caseID, Score: cosine(vector, e.Vector)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) IncrementCounter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return nil
}

func (s *MemoryStore) CounterValue(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name], nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
