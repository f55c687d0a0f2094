package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"findkin/internal/util"
	"findkin/pkg/ai"
	"findkin/pkg/domain"
	"findkin/pkg/storage"
	"findkin/pkg/store"
)

// compensation is one step's undo action. Compensations are idempotent and
// run in reverse order; failures are logged without masking the original
// error.
type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// Register runs the case-registration saga: either a fully committed case
// (record, two images in object storage, two vectors in the index) or no
// artifacts at all.
func (a *App) Register(ctx context.Context, actor Actor, req RegisterRequest) (string, error) {
	// Step 1: validate. Nothing was created; no compensation needed.
	if err := validateRegister(req); err != nil {
		return "", err
	}
	exists, err := a.store.HasCaseReference(req.Jurisdiction, req.ReferenceNo)
	if err != nil {
		return "", fmt.Errorf("check reference: %w", err)
	}
	if exists {
		return "", &ConflictError{Msg: "a case with this reference number already exists"}
	}

	// Step 2: moderate both images before anything is created.
	for i, img := range req.Images {
		if err := a.moderateImage(ctx, img); err != nil {
			if _, ok := err.(*ValidationError); ok {
				return "", validationErrorf("image %d rejected: %s", i+1, err.Error())
			}
			return "", err
		}
	}

	// Step 3: verification bypass requires an elevated role.
	if req.SkipVerification && !canPerform(actor, domain.Case{}, ActionBypassVerification) {
		return "", &AuthorizationError{}
	}

	// Anonymous reports are accepted; the case simply has no owner until it
	// is assigned.
	if actor.ID != "" {
		if err := a.ensureUser(actor); err != nil {
			return "", fmt.Errorf("ensure user: %w", err)
		}
	}

	caseID := uuid.NewString()
	now := a.now()
	newCase := domain.Case{
		ID:           caseID,
		Jurisdiction: req.Jurisdiction,
		ReferenceNo:  req.ReferenceNo,
		PersonName:   req.PersonName,
		Gender:       req.Gender,
		Age:          req.Age,
		DateTs:       req.DateTs,
		Location:     req.Location,
		Description:  placeholderDescription,
		Status:       req.Status,
		OwnerID:      actor.ID,
		ReportedBy:   reporterLabel(actor.Role),
		Visible:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var compensations []compensation
	fail := func(ctx context.Context, cause error) (string, error) {
		a.compensate(ctx, caseID, compensations)
		return "", cause
	}

	// Step 4: persist the tentative case record. From here the record is the
	// unit of compensation.
	if err := a.store.CreateCase(newCase); err != nil {
		if errors.Is(err, store.ErrDuplicateRef) {
			return "", &ConflictError{Msg: "a case with this reference number already exists"}
		}
		return "", fmt.Errorf("create case: %w", err)
	}
	compensations = append(compensations, compensation{
		name: "delete case record",
		undo: func(ctx context.Context) error { return a.store.DeleteCase(caseID) },
	})

	// Step 5: compute embeddings, verifying identity unless bypassed.
	embedCtx, cancel := context.WithTimeout(ctx, a.embedTimeout)
	embeddings, err := a.faces.ComputeEmbeddings(embedCtx, req.Images[0], req.Images[1], !req.SkipVerification)
	cancel()
	if err != nil {
		return fail(ctx, embeddingError(err))
	}

	// Step 6: persist both images under deterministic keys.
	keys := []string{
		storage.ImageKey(req.Jurisdiction, caseID, 0),
		storage.ImageKey(req.Jurisdiction, caseID, 1),
	}
	// The compensation is registered before the loop so a failure on the
	// second upload still removes the first.
	uploaded := 0
	compensations = append(compensations, compensation{
		name: "delete uploaded images",
		undo: func(ctx context.Context) error {
			for i := 0; i < uploaded; i++ {
				if err := a.objects.Delete(ctx, keys[i]); err != nil {
					return err
				}
			}
			return nil
		},
	})
	for i, key := range keys {
		if err := a.objects.PutImage(ctx, key, req.Images[i], "image/jpeg"); err != nil {
			return fail(ctx, &ExternalServiceError{Service: "object storage", Err: err})
		}
		uploaded++
	}

	// Step 7: persist both vectors in the jurisdiction-namespaced index.
	vectors := []domain.CaseEmbedding{
		caseVector(newCase, 0, embeddings.First),
		caseVector(newCase, 1, embeddings.Second),
	}
	if err := a.store.PutEmbeddings(vectors); err != nil {
		return fail(ctx, &ExternalServiceError{Service: "vector index", Err: err})
	}

	// Step 8: best-effort side effects. Never compensated, never block the
	// response.
	a.effects.Timeline(ctx, caseID, domain.TimelineEntry{
		Type:      "registered",
		Message:   fmt.Sprintf("Case registered as %s by %s", newCase.Status, newCase.ReportedBy),
		Timestamp: now,
		Origin:    "registration",
	})
	if actor.ID != "" {
		a.effects.Notify(ctx, actor.ID,
			fmt.Sprintf("Your %s-person case %s has been registered.", newCase.Status, newCase.ReferenceNo),
			"/cases/"+caseID)
		a.effects.UserCase(ctx, actor.ID, caseID)
	}
	a.effects.Counter(ctx, domain.CounterCasesRegistered)
	a.effects.Summary(ctx, caseID)

	return caseID, nil
}

func (a *App) moderateImage(ctx context.Context, image []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.moderationTimeout)
	defer cancel()
	result, err := a.moderator.Classify(ctx, image)
	if err != nil {
		return &ExternalServiceError{Service: "moderation", Err: err}
	}
	if category, exceeded := result.Exceeds(a.thresholds); exceeded {
		return validationErrorf("unsafe content (%s)", category)
	}
	return nil
}

// compensate undoes the listed steps in reverse order. Each undo is
// idempotent; failures are logged and never mask the original error.
func (a *App) compensate(ctx context.Context, caseID string, compensations []compensation) {
	logger := util.LoggerFromContext(ctx)
	for i := len(compensations) - 1; i >= 0; i-- {
		if err := compensations[i].undo(ctx); err != nil {
			logger.Error("saga compensation failed",
				"case_id", caseID, "step", compensations[i].name, "err", err)
		}
	}
}

func embeddingError(err error) error {
	switch {
	case errors.Is(err, ai.ErrNoFaceDetected):
		return &ExternalServiceError{
			Service: "embedding",
			Remedy:  "No face could be detected in one or both images. Upload clear, front-facing photos.",
			Err:     err,
		}
	case errors.Is(err, ai.ErrIdentityMismatch):
		return &ExternalServiceError{
			Service: "embedding",
			Remedy:  "The two photos appear to show different people. Upload two photos of the same person.",
			Err:     err,
		}
	default:
		return &ExternalServiceError{Service: "embedding", Err: err}
	}
}

func caseVector(c domain.Case, position int, vector []float32) domain.CaseEmbedding {
	return domain.CaseEmbedding{
		ID:           uuid.NewString(),
		CaseID:       c.ID,
		Jurisdiction: c.Jurisdiction,
		Position:     position,
		Gender:       c.Gender,
		Status:       c.Status,
		DateTs:       c.DateTs,
		Vector:       vector,
	}
}

func reporterLabel(role domain.UserRole) string {
	switch role {
	case domain.RolePolice, domain.RoleVolunteer, domain.RoleNGO:
		return string(role)
	default:
		return string(domain.RoleGeneral)
	}
}
