package app

import (
	"context"
	"errors"
	"fmt"

	"findkin/pkg/domain"
	"findkin/pkg/store"
)

// Flag records one report against a case. A given actor can flag a case at
// most once; every fifth accumulated flag hides the case and notifies its
// owner.
func (a *App) Flag(ctx context.Context, actor Actor, caseID string, reason domain.FlagReason) error {
	if !domain.ValidFlagReason(reason) {
		return validationErrorf("unknown flag reason %q", reason)
	}
	c, ok, err := a.store.GetCase(caseID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: "case"}
	}
	if !c.Visible || c.Status == domain.StatusClosed {
		return &ConflictError{Msg: "case is not open to flagging"}
	}
	if !canPerform(actor, c, ActionFlag) {
		return &AuthorizationError{}
	}

	count, err := a.store.AppendFlag(caseID, domain.Flag{
		ActorID:   actor.ID,
		Role:      actor.Role,
		Reason:    string(reason),
		Timestamp: a.now(),
		Origin:    "flag",
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFlag) {
			return &ConflictError{Msg: "you have already flagged this case"}
		}
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Resource: "case"}
		}
		return err
	}

	// The atomic append returns the post-append count, so exactly one flagger
	// crosses each threshold multiple.
	if count%flagThreshold == 0 {
		if err := a.store.MarkFlagged(caseID); err != nil {
			return err
		}
		a.effects.Timeline(ctx, caseID, domain.TimelineEntry{
			Type:      "flagged",
			Message:   fmt.Sprintf("Case hidden after %d reports", count),
			Timestamp: a.now(),
			Origin:    "flag",
		})
		if c.OwnerID != "" {
			a.effects.Notify(ctx, c.OwnerID,
				fmt.Sprintf("Your case %s has been hidden after multiple reports. Review and update it.", c.ReferenceNo),
				"/cases/"+caseID)
		}
	}
	return nil
}

// Assign hands an unassigned case to a target user. Only elevated roles may
// assign, and a case is assigned at most once.
func (a *App) Assign(ctx context.Context, actor Actor, caseID, targetID string) error {
	if !canPerform(actor, domain.Case{}, ActionAssign) {
		return &AuthorizationError{}
	}
	target, ok, err := a.store.GetUser(targetID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: "user"}
	}
	c, ok, err := a.store.GetCase(caseID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: "case"}
	}
	if c.Status == domain.StatusClosed {
		return &ConflictError{Msg: "case is closed"}
	}

	if err := a.store.AssignOnce(caseID, targetID, reporterLabel(target.Role)); err != nil {
		if errors.Is(err, store.ErrAlreadyAssigned) {
			return &ConflictError{Msg: "case is already assigned"}
		}
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Resource: "case"}
		}
		return err
	}

	a.effects.Timeline(ctx, caseID, domain.TimelineEntry{
		Type:      "assigned",
		Message:   fmt.Sprintf("Case assigned to %s by %s", target.Name, actor.Name),
		Timestamp: a.now(),
		Origin:    "assignment",
	})
	a.effects.UserCase(ctx, targetID, caseID)
	a.effects.Notify(ctx, targetID,
		fmt.Sprintf("Case %s has been assigned to you.", c.ReferenceNo),
		"/cases/"+caseID)
	a.effects.Notify(ctx, actor.ID,
		fmt.Sprintf("You assigned case %s to %s.", c.ReferenceNo, target.Name), "")
	return nil
}

// Close transitions a case to closed. Only a listed owner may close, closing
// happens at most once, and a reunion increments the reunion counter exactly
// once.
func (a *App) Close(ctx context.Context, actor Actor, caseID, reason string, reunited bool) error {
	if len(reason) > maxReasonLen {
		return validationErrorf("reason must be at most %d characters", maxReasonLen)
	}
	actor, err := a.actorWithCases(actor)
	if err != nil {
		return err
	}
	c, ok, err := a.store.GetCase(caseID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: "case"}
	}
	if !canPerform(actor, c, ActionClose) {
		return &AuthorizationError{}
	}

	prior, err := a.store.CloseOnce(caseID, a.now())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClosed) {
			return &ConflictError{Msg: "case is already closed"}
		}
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Resource: "case"}
		}
		return err
	}

	// Closed cases no longer participate in matching.
	a.effects.DeleteVectors(ctx, caseID)

	outcome := "closed"
	if reunited {
		outcome = "closed after a reunion"
	}
	message := fmt.Sprintf("Case %s by %s (%s)", outcome, actor.Name, actor.Role)
	if reason != "" {
		message += ": " + reason
	}
	a.effects.Timeline(ctx, caseID, domain.TimelineEntry{
		Type:      "closed",
		Message:   message,
		Timestamp: a.now(),
		Origin:    "closure",
	})
	a.effects.Notify(ctx, prior.OwnerID,
		fmt.Sprintf("Your case %s has been %s.", prior.ReferenceNo, outcome),
		"/cases/"+caseID)

	// CloseOnce succeeds for exactly one caller, so the counter cannot
	// double-count a reunion.
	if reunited {
		a.effects.Counter(ctx, domain.CounterReunions)
	}
	return nil
}
