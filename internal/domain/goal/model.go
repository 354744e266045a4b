package goal

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// GoalType is the level of a node in the goal tree.
type GoalType string

const (
	TypeSixMonth GoalType = "six_month"
	TypeMonthly  GoalType = "monthly"
	TypeWeekly   GoalType = "weekly"
)

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ErrNotFound is returned by repositories when a goal or patient is missing.
var ErrNotFound = errors.New("not found")

// GoalNode maps to the goals table. Children is populated when a whole tree
// is loaded or built; it is never stored as a column.
type GoalNode struct {
	ID                     uuid.UUID   `db:"id" json:"id"`
	ParentID               *uuid.UUID  `db:"parent_id" json:"parent_id,omitempty"`
	PatientID              uuid.UUID   `db:"patient_id" json:"patient_id"`
	CreatedBy              string      `db:"created_by" json:"created_by"`
	Type                   GoalType    `db:"goal_type" json:"goal_type"`
	Sequence               int         `db:"sequence_number" json:"sequence_number"`
	Title                  string      `db:"title" json:"title"`
	Description            *string     `db:"description" json:"description,omitempty"`
	Purpose                *string     `db:"purpose" json:"purpose,omitempty"`
	StartDate              time.Time   `db:"start_date" json:"start_date"`
	EndDate                time.Time   `db:"end_date" json:"end_date"`
	Status                 string      `db:"status" json:"status"`
	Progress               int         `db:"progress" json:"progress"`
	IsActive               bool        `db:"is_active" json:"is_active"`
	IsAISuggested          bool        `db:"is_ai_suggested" json:"is_ai_suggested"`
	SourceRecommendationID *uuid.UUID  `db:"source_recommendation_id" json:"source_recommendation_id,omitempty"`
	CreatedAt              time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time   `db:"updated_at" json:"updated_at"`
	Children               []*GoalNode `db:"-" json:"children,omitempty"`
}

// IsCompleted reports whether the node's work is done. Completed nodes are
// never deactivated.
func (g *GoalNode) IsCompleted() bool { return g.Status == StatusCompleted }

// Walk visits g and its descendants depth-first, parents before children.
func (g *GoalNode) Walk(fn func(n *GoalNode)) {
	if g == nil {
		return
	}
	fn(g)
	for _, c := range g.Children {
		c.Walk(fn)
	}
}

// Count returns the number of nodes in the tree rooted at g.
func (g *GoalNode) Count() int {
	n := 0
	g.Walk(func(*GoalNode) { n++ })
	return n
}

// Clone returns a deep copy of the tree rooted at g.
func (g *GoalNode) Clone() *GoalNode {
	if g == nil {
		return nil
	}
	c := *g
	if g.ParentID != nil {
		id := *g.ParentID
		c.ParentID = &id
	}
	if g.SourceRecommendationID != nil {
		id := *g.SourceRecommendationID
		c.SourceRecommendationID = &id
	}
	c.Description = cloneStr(g.Description)
	c.Purpose = cloneStr(g.Purpose)
	c.Children = nil
	if len(g.Children) > 0 {
		c.Children = make([]*GoalNode, len(g.Children))
		for i, child := range g.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
