package goal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BuildInput carries everything besides the plan option that a tree needs.
type BuildInput struct {
	PatientID              uuid.UUID
	CreatedBy              string
	StartDate              time.Time
	SourceRecommendationID *uuid.UUID
}

// Build materialises a plan option into an unsaved six-month tree. The output
// depends only on its inputs: ids and timestamps are left zero for the
// persister, so building twice yields identical trees.
func Build(option PlanOption, in BuildInput) (*GoalNode, error) {
	if in.PatientID == uuid.Nil {
		return nil, errors.New("patient_id is required")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return nil, errors.New("created_by is required")
	}
	if in.StartDate.IsZero() {
		return nil, errors.New("start_date is required")
	}
	title := strings.TrimSpace(option.Title)
	if title == "" {
		title = strings.TrimSpace(option.SixMonthGoal)
	}
	if title == "" {
		return nil, errors.New("plan option has neither a title nor a six-month goal")
	}

	sched := ComputeSchedule(in.StartDate, option.WeeksPerMonth())

	newNode := func(t GoalType, seq int, title, desc string, span Span) *GoalNode {
		n := &GoalNode{
			PatientID:     in.PatientID,
			CreatedBy:     in.CreatedBy,
			Type:          t,
			Sequence:      seq,
			Title:         title,
			Description:   strPtr(strings.TrimSpace(desc)),
			StartDate:     span.Start,
			EndDate:       span.End,
			Status:        StatusPending,
			IsActive:      true,
			IsAISuggested: true,
		}
		if in.SourceRecommendationID != nil {
			id := *in.SourceRecommendationID
			n.SourceRecommendationID = &id
		}
		return n
	}

	root := newNode(TypeSixMonth, 1, title, option.SixMonthGoal, sched.Span)
	root.Purpose = strPtr(strings.TrimSpace(option.Purpose))
	root.Children = make([]*GoalNode, MonthsPerPlan)

	for m := 0; m < MonthsPerPlan; m++ {
		var plan MonthPlan
		if m < len(option.Months) {
			plan = option.Months[m]
		}
		ms := sched.Months[m]
		month := newNode(TypeMonthly, m+1, orDefault(plan.Title, fmt.Sprintf("Month %d", m+1)), plan.Description, ms.Span)
		for w, span := range ms.Weeks {
			wp := plan.Weeks[w]
			month.Children = append(month.Children,
				newNode(TypeWeekly, w+1, orDefault(wp.Title, fmt.Sprintf("Week %d", w+1)), wp.Description, span))
		}
		root.Children[m] = month
	}
	return root, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
