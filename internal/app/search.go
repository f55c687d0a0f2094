package app

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"findkin/pkg/domain"
	"findkin/pkg/store"
)

// FindMatches runs a similarity search for a case against the opposite-status
// population in the same jurisdiction. Each case can search at most once per
// cooldown window; the slot is consumed even when no match is found.
func (a *App) FindMatches(ctx context.Context, caseID string) ([]domain.MatchCandidate, error) {
	c, ok, err := a.store.GetCase(caseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{Resource: "case"}
	}
	if c.Status == domain.StatusClosed {
		return nil, &ConflictError{Msg: "case is closed"}
	}

	allowed, remaining, err := a.store.ClaimSearchSlot(caseID, a.now(), a.searchCooldown)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &RateLimitError{RetryAfter: remaining}
	}

	vectors, err := a.store.EmbeddingsByCase(caseID)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return []domain.MatchCandidate{}, nil
	}

	filter := store.SearchFilter{
		Jurisdiction: c.Jurisdiction,
		Status:       c.Status.Opposite(),
		Gender:       c.Gender,
		MinDateTs:    c.DateTs - int64(a.searchWindow.Seconds()),
		ExcludeCase:  caseID,
	}

	// Query once per stored vector, in parallel, and keep the best score per
	// candidate.
	var mu sync.Mutex
	best := make(map[string]float64)
	var group errgroup.Group
	for _, v := range vectors {
		vector := v.Vector
		group.Go(func() error {
			candidates, err := a.store.SearchEmbeddings(vector, filter, perQueryCandidates)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, cand := range candidates {
				if prev, ok := best[cand.CaseID]; !ok || cand.Score > prev {
					best[cand.CaseID] = cand.Score
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := make([]domain.MatchCandidate, 0, len(best))
	for id, score := range best {
		merged = append(merged, domain.MatchCandidate{CaseID: id, Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].CaseID < merged[j].CaseID
	})
	if len(merged) > maxMatches {
		merged = merged[:maxMatches]
	}
	return merged, nil
}
