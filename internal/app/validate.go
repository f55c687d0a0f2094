package app

import (
	"strings"
	"unicode"

	"findkin/pkg/domain"
)

const (
	maxNameLen         = 120
	maxLocationLen     = 200
	maxReferenceLen    = 64
	maxReasonLen       = 500
	maxJurisdictionLen = 64
)

// RegisterRequest carries the fields for a new case.
type RegisterRequest struct {
	Jurisdiction string
	ReferenceNo  string
	PersonName   string
	Gender       domain.Gender
	Age          int
	DateTs       int64
	Location     string
	Status       domain.CaseStatus
	// SkipVerification bypasses the same-person check. Elevated roles only.
	SkipVerification bool
	Images           [][]byte
}

func validateRegister(req RegisterRequest) error {
	if strings.TrimSpace(req.Jurisdiction) == "" {
		return validationErrorf("jurisdiction is required")
	}
	if len(req.Jurisdiction) > maxJurisdictionLen || !isSlug(req.Jurisdiction) {
		return validationErrorf("jurisdiction must be a short lowercase identifier")
	}
	if strings.TrimSpace(req.ReferenceNo) == "" {
		return validationErrorf("reference number is required")
	}
	if len(req.ReferenceNo) > maxReferenceLen || !isReference(req.ReferenceNo) {
		return validationErrorf("reference number contains invalid characters")
	}
	if strings.TrimSpace(req.PersonName) == "" {
		return validationErrorf("person name is required")
	}
	if len(req.PersonName) > maxNameLen || !isHumanText(req.PersonName) {
		return validationErrorf("person name contains invalid characters")
	}
	if req.Gender != domain.GenderMale && req.Gender != domain.GenderFemale {
		return validationErrorf("gender must be male or female")
	}
	if req.Age < 0 || req.Age > 130 {
		return validationErrorf("age out of range")
	}
	if req.DateTs <= 0 {
		return validationErrorf("date missing/found is required")
	}
	if len(req.Location) > maxLocationLen {
		return validationErrorf("location too long")
	}
	if req.Status != domain.StatusMissing && req.Status != domain.StatusFound {
		return validationErrorf("status must be missing or found")
	}
	if len(req.Images) != 2 {
		return validationErrorf("exactly two images are required")
	}
	for i, img := range req.Images {
		if len(img) == 0 {
			return validationErrorf("image %d is empty", i+1)
		}
	}
	return nil
}

func isSlug(s string) bool {
	for _, r := range s {
		if !unicode.IsLower(r) && !unicode.IsDigit(r) && r != '-' {
			return false
		}
	}
	return true
}

func isReference(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '/' {
			return false
		}
	}
	return true
}

func isHumanText(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
