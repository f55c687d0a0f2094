package app

import "findkin/pkg/domain"

// Action names a guarded case operation.
type Action string

const (
	ActionFlag               Action = "flag"
	ActionAssign             Action = "assign"
	ActionClose              Action = "close"
	ActionBypassVerification Action = "bypass-verification"
)

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID   string
	Name string
	Role domain.UserRole
	// CaseIDs is the actor's own case list, loaded when the action needs the
	// listed-owner check.
	CaseIDs []string
}

func (a Actor) ownsListed(caseID string) bool {
	for _, id := range a.CaseIDs {
		if id == caseID {
			return true
		}
	}
	return false
}

// canPerform is the single authorization gate for case actions, replacing
// per-endpoint role-string branching.
//
// Variants:
//   - Requester: any authenticated non-owner (flag)
//   - ElevatedRole: police or volunteer (assign, verification bypass)
//   - Owner: listed-owner, the case id must be in the actor's own case list
//     (close) - stricter than matching the stored owner field
func canPerform(actor Actor, c domain.Case, action Action) bool {
	if actor.ID == "" {
		return false
	}
	switch action {
	case ActionFlag:
		return actor.ID != c.OwnerID
	case ActionAssign, ActionBypassVerification:
		return actor.Role.Elevated()
	case ActionClose:
		return actor.ownsListed(c.ID)
	}
	return false
}
