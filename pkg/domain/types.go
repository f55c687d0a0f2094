package domain

import "time"

type CaseStatus string

const (
	StatusMissing CaseStatus = "missing"
	StatusFound   CaseStatus = "found"
	StatusClosed  CaseStatus = "closed"
)

// Opposite maps missing to found and found to missing. Closed has no opposite.
func (s CaseStatus) Opposite() CaseStatus {
	switch s {
	case StatusMissing:
		return StatusFound
	case StatusFound:
		return StatusMissing
	}
	return ""
}

type UserRole string

const (
	RoleGeneral   UserRole = "general"
	RolePolice    UserRole = "police"
	RoleVolunteer UserRole = "volunteer"
	RoleNGO       UserRole = "ngo"
)

// Elevated reports whether the role may assign cases and bypass
// face verification during registration.
func (r UserRole) Elevated() bool {
	return r == RolePolice || r == RoleVolunteer
}

type FlagReason string

const (
	ReasonSpam          FlagReason = "spam"
	ReasonWrongInfo     FlagReason = "wrong information"
	ReasonInappropriate FlagReason = "inappropriate content"
	ReasonDuplicate     FlagReason = "duplicate"
	ReasonOther         FlagReason = "other"
)

// ValidFlagReason reports whether the reason is one of the enumerated values.
func ValidFlagReason(r FlagReason) bool {
	switch r {
	case ReasonSpam, ReasonWrongInfo, ReasonInappropriate, ReasonDuplicate, ReasonOther:
		return true
	}
	return false
}

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Flag is one report against a case. At most one flag per (case, actor).
type Flag struct {
	ActorID   string    `json:"actorId"`
	Role      UserRole  `json:"role"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"`
}

// TimelineEntry records a lifecycle event on a case.
type TimelineEntry struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"`
}

type Case struct {
	ID             string          `json:"id"`
	Jurisdiction   string          `json:"jurisdiction"`
	ReferenceNo    string          `json:"referenceNo"`
	PersonName     string          `json:"personName"`
	Gender         Gender          `json:"gender"`
	Age            int             `json:"age"`
	DateTs         int64           `json:"dateTs"`
	Location       string          `json:"location"`
	Description    string          `json:"description"`
	Status         CaseStatus      `json:"status"`
	OriginalStatus CaseStatus      `json:"originalStatus,omitempty"`
	IsAssigned     bool            `json:"isAssigned"`
	OwnerID        string          `json:"ownerId"`
	ReportedBy     string          `json:"reportedBy"`
	Visible        bool            `json:"visible"`
	IsFlagged      bool            `json:"isFlagged"`
	Flags          []Flag          `json:"flags"`
	Timelines      []TimelineEntry `json:"timelines"`
	LastSearchedAt time.Time       `json:"lastSearchedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// CaseEmbedding is one of the two face vectors stored per committed case.
type CaseEmbedding struct {
	ID           string     `json:"id"`
	CaseID       string     `json:"caseId"`
	Jurisdiction string     `json:"jurisdiction"`
	Position     int        `json:"position"`
	Gender       Gender     `json:"gender"`
	Status       CaseStatus `json:"status"`
	DateTs       int64      `json:"dateTs"`
	Vector       []float32  `json:"-"`
}

// Notification is one entry in a user's durable notification log.
type Notification struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	IsRead     bool      `json:"isRead"`
	Clickable  bool      `json:"clickable"`
	NavigateTo string    `json:"navigateTo,omitempty"`
	Time       time.Time `json:"time"`
}

type User struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Role          UserRole       `json:"role"`
	CaseIDs       []string       `json:"caseIds"`
	Notifications []Notification `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// OwnsCase reports the listed-owner check: the case id must appear in the
// user's own case list, which is stricter than matching the stored owner field.
func (u User) OwnsCase(caseID string) bool {
	for _, id := range u.CaseIDs {
		if id == caseID {
			return true
		}
	}
	return false
}

// MatchCandidate is one ranked similarity-search result.
type MatchCandidate struct {
	CaseID string  `json:"caseId"`
	Score  float64 `json:"score"`
}

// Counter names for durable aggregates.
const (
	CounterCasesRegistered = "cases_registered"
	CounterReunions        = "reunions"
)
