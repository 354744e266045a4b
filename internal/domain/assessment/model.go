package assessment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("assessment not found")
	ErrPatientNotFound = errors.New("patient not found")
)

const (
	MinMotivation = 1
	MaxMotivation = 10
)

// Assessment is the clinical intake a recommendation cycle starts from. It is
// written once and never updated.
type Assessment struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	AssessedBy       string    `db:"assessed_by" json:"assessed_by"`
	FocusTime        string    `db:"focus_time" json:"focus_time"`
	MotivationLevel  int       `db:"motivation_level" json:"motivation_level"`
	PastSuccesses    []string  `db:"past_successes" json:"past_successes"`
	Constraints      []string  `db:"constraints" json:"constraints"`
	SocialPreference string    `db:"social_preference" json:"social_preference"`
	Notes            *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// ValidationError lists every problem found in an intake.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid assessment: " + strings.Join(e.Problems, "; ")
}

func (a *Assessment) Validate() error {
	var problems []string
	if a.PatientID == uuid.Nil {
		problems = append(problems, "patient_id is required")
	}
	if strings.TrimSpace(a.AssessedBy) == "" {
		problems = append(problems, "assessed_by is required")
	}
	if strings.TrimSpace(a.FocusTime) == "" {
		problems = append(problems, "focus_time is required")
	}
	if a.MotivationLevel < MinMotivation || a.MotivationLevel > MaxMotivation {
		problems = append(problems, fmt.Sprintf("motivation_level must be between %d and %d", MinMotivation, MaxMotivation))
	}
	if strings.TrimSpace(a.SocialPreference) == "" {
		problems = append(problems, "social_preference is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// normalize trims free text and drops empty list entries.
func (a *Assessment) normalize() {
	a.AssessedBy = strings.TrimSpace(a.AssessedBy)
	a.FocusTime = strings.TrimSpace(a.FocusTime)
	a.SocialPreference = strings.TrimSpace(a.SocialPreference)
	a.PastSuccesses = compact(a.PastSuccesses)
	a.Constraints = compact(a.Constraints)
	if a.Notes != nil && strings.TrimSpace(*a.Notes) == "" {
		a.Notes = nil
	}
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PatientSummary is the demographic slice of a patient sent along with an
// assessment.
type PatientSummary struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	Diagnosis *string    `db:"diagnosis" json:"diagnosis,omitempty"`
}

// AgeAt returns the age in whole years on the given day, or nil when the
// birth date is unknown.
func (p *PatientSummary) AgeAt(t time.Time) *int {
	if p.BirthDate == nil {
		return nil
	}
	b := p.BirthDate.UTC()
	t = t.UTC()
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}
