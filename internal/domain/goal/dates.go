package goal

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	MonthsPerPlan    = 6
	MaxWeeksPerMonth = 4
	DaysPerWeek      = 7
	// DefaultMonthDays is the span given to a month that has no weekly
	// breakdowns.
	DefaultMonthDays = 28
)

// ErrInvalidTree is wrapped by every structural violation reported by
// Validate and Reconcile.
var ErrInvalidTree = errors.New("invalid goal tree")

// Date truncates t to its calendar date, expressed as midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func addDays(t time.Time, n int) time.Time { return t.AddDate(0, 0, n) }

// Span is an inclusive range of calendar dates.
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar days covered by the span.
func (s Span) Days() int {
	return int(Date(s.End).Sub(Date(s.Start)).Hours()/24) + 1
}

// MonthSchedule is the span of one month and of its weeks, in order.
type MonthSchedule struct {
	Span
	Weeks []Span `json:"weeks,omitempty"`
}

// Schedule is the complete set of dates for a six-month tree.
type Schedule struct {
	Span
	Months [MonthsPerPlan]MonthSchedule `json:"months"`
}

func clampWeeks(n int) int {
	switch {
	case n < 0:
		return 0
	case n > MaxWeeksPerMonth:
		return MaxWeeksPerMonth
	}
	return n
}

// ComputeSchedule lays out six consecutive months starting at start. A month
// with N weekly breakdowns spans N seven-day weeks; a month without any spans
// DefaultMonthDays. Every span is derived from a single advancing cursor, so
// siblings are contiguous, and the overall end is the last month's end rather
// than start plus six calendar months.
func ComputeSchedule(start time.Time, weeksPerMonth [MonthsPerPlan]int) Schedule {
	cursor := Date(start)
	var s Schedule
	for m := 0; m < MonthsPerPlan; m++ {
		month := MonthSchedule{Span: Span{Start: cursor}}
		weeks := clampWeeks(weeksPerMonth[m])
		if weeks == 0 {
			month.End = addDays(cursor, DefaultMonthDays-1)
			cursor = addDays(month.End, 1)
		} else {
			month.Weeks = make([]Span, weeks)
			for w := 0; w < weeks; w++ {
				week := Span{Start: cursor, End: addDays(cursor, DaysPerWeek-1)}
				month.Weeks[w] = week
				cursor = addDays(week.End, 1)
			}
			month.End = month.Weeks[weeks-1].End
		}
		s.Months[m] = month
	}
	s.Start = s.Months[0].Start
	s.End = s.Months[MonthsPerPlan-1].End
	return s
}

// Validate checks the structural and date invariants of a six-month tree:
// exactly six monthly children, at most four weekly children per month,
// local 1-based sequence numbers, contiguous sibling spans, and parent spans
// that start at their first child and end at their last.
func Validate(root *GoalNode) error {
	if root == nil {
		return fmt.Errorf("%w: nil root", ErrInvalidTree)
	}
	if root.Type != TypeSixMonth {
		return fmt.Errorf("%w: root has type %q", ErrInvalidTree, root.Type)
	}
	if err := checkSpan("six-month goal", root); err != nil {
		return err
	}
	if len(root.Children) != MonthsPerPlan {
		return fmt.Errorf("%w: six-month goal has %d monthly goals, want %d",
			ErrInvalidTree, len(root.Children), MonthsPerPlan)
	}
	if err := checkSiblings(root, TypeMonthly); err != nil {
		return err
	}
	for _, month := range root.Children {
		if len(month.Children) > MaxWeeksPerMonth {
			return fmt.Errorf("%w: month %d has %d weekly goals, max %d",
				ErrInvalidTree, month.Sequence, len(month.Children), MaxWeeksPerMonth)
		}
		if len(month.Children) == 0 {
			continue
		}
		if err := checkSiblings(month, TypeWeekly); err != nil {
			return err
		}
		for _, week := range month.Children {
			if len(week.Children) > 0 {
				return fmt.Errorf("%w: weekly goal %d of month %d has children",
					ErrInvalidTree, week.Sequence, month.Sequence)
			}
		}
	}
	return nil
}

func checkSpan(label string, n *GoalNode) error {
	if n.StartDate.IsZero() || n.EndDate.IsZero() {
		return fmt.Errorf("%w: %s has no dates", ErrInvalidTree, label)
	}
	if Date(n.EndDate).Before(Date(n.StartDate)) {
		return fmt.Errorf("%w: %s ends %s before it starts %s", ErrInvalidTree, label,
			n.EndDate.Format(time.DateOnly), n.StartDate.Format(time.DateOnly))
	}
	return nil
}

// checkSiblings verifies the children of parent: type, sequence 1..N,
// contiguity and that they exactly cover the parent's span.
func checkSiblings(parent *GoalNode, want GoalType) error {
	kids := parent.Children
	for i, c := range kids {
		label := fmt.Sprintf("%s goal %d under %s goal %d", want, i+1, parent.Type, parent.Sequence)
		if c.Type != want {
			return fmt.Errorf("%w: %s has type %q", ErrInvalidTree, label, c.Type)
		}
		if c.Sequence != i+1 {
			return fmt.Errorf("%w: %s has sequence %d", ErrInvalidTree, label, c.Sequence)
		}
		if err := checkSpan(label, c); err != nil {
			return err
		}
		if i > 0 {
			prev := kids[i-1]
			if !addDays(Date(prev.EndDate), 1).Equal(Date(c.StartDate)) {
				return fmt.Errorf("%w: %s starts %s but previous sibling ends %s", ErrInvalidTree, label,
					c.StartDate.Format(time.DateOnly), prev.EndDate.Format(time.DateOnly))
			}
		}
	}
	first, last := kids[0], kids[len(kids)-1]
	if !Date(first.StartDate).Equal(Date(parent.StartDate)) {
		return fmt.Errorf("%w: %s goal %d starts %s, first child starts %s", ErrInvalidTree,
			parent.Type, parent.Sequence, parent.StartDate.Format(time.DateOnly), first.StartDate.Format(time.DateOnly))
	}
	if !Date(last.EndDate).Equal(Date(parent.EndDate)) {
		return fmt.Errorf("%w: %s goal %d ends %s, last child ends %s", ErrInvalidTree,
			parent.Type, parent.Sequence, parent.EndDate.Format(time.DateOnly), last.EndDate.Format(time.DateOnly))
	}
	return nil
}

// ReconcileMode selects how a start-date edit propagates through a tree.
type ReconcileMode string

const (
	// ModeShallow moves only the six-month goal, keeping its length.
	ModeShallow ReconcileMode = "shallow"
	// ModeFull re-dates and re-sequences every descendant from the new start.
	ModeFull ReconcileMode = "full"
)

func ParseMode(s string) (ReconcileMode, error) {
	switch ReconcileMode(s) {
	case ModeShallow, ModeFull:
		return ReconcileMode(s), nil
	}
	return "", fmt.Errorf("unknown date edit mode %q (want %q or %q)", s, ModeShallow, ModeFull)
}

// ReconcileResult describes what a start-date edit changed.
type ReconcileResult struct {
	Mode    ReconcileMode `json:"mode"`
	Changed []*GoalNode   `json:"-"`
	// StaleAnnotations is set by a full recompute: node identities are kept
	// while their dates move, so anything recorded against a specific
	// calendar date may no longer line up.
	StaleAnnotations bool        `json:"stale_annotations"`
	CompletedMoved   []uuid.UUID `json:"completed_moved,omitempty"`
	Warning          string      `json:"warning,omitempty"`
}

// Reconcile applies a new start date to a persisted six-month tree in place.
func Reconcile(root *GoalNode, newStart time.Time, mode ReconcileMode) (ReconcileResult, error) {
	res := ReconcileResult{Mode: mode}
	if root == nil || root.Type != TypeSixMonth {
		return res, fmt.Errorf("%w: start date edits apply to six-month goals only", ErrInvalidTree)
	}
	if newStart.IsZero() {
		return res, errors.New("new start date is required")
	}
	start := Date(newStart)

	switch mode {
	case ModeShallow:
		length := Span{Start: root.StartDate, End: root.EndDate}.Days()
		root.StartDate = start
		root.EndDate = addDays(start, length-1)
		res.Changed = []*GoalNode{root}
		return res, nil
	case ModeFull:
		return reconcileFull(root, start, res)
	}
	return res, fmt.Errorf("unknown date edit mode %q", mode)
}

func reconcileFull(root *GoalNode, start time.Time, res ReconcileResult) (ReconcileResult, error) {
	if len(root.Children) != MonthsPerPlan {
		return res, fmt.Errorf("%w: full recompute needs %d monthly goals, tree has %d",
			ErrInvalidTree, MonthsPerPlan, len(root.Children))
	}
	sortBySequence(root.Children)

	var shape [MonthsPerPlan]int
	for i, month := range root.Children {
		if len(month.Children) > MaxWeeksPerMonth {
			return res, fmt.Errorf("%w: month %d has %d weekly goals, max %d",
				ErrInvalidTree, i+1, len(month.Children), MaxWeeksPerMonth)
		}
		sortBySequence(month.Children)
		shape[i] = len(month.Children)
	}

	sched := ComputeSchedule(start, shape)
	moved := 0
	apply := func(n *GoalNode, span Span, seq int) {
		if !Date(n.StartDate).Equal(span.Start) || !Date(n.EndDate).Equal(span.End) || n.Sequence != seq {
			if n != root {
				moved++
				if n.IsCompleted() {
					res.CompletedMoved = append(res.CompletedMoved, n.ID)
				}
			}
			n.StartDate, n.EndDate, n.Sequence = span.Start, span.End, seq
			res.Changed = append(res.Changed, n)
		}
	}

	apply(root, sched.Span, root.Sequence)
	for i, month := range root.Children {
		apply(month, sched.Months[i].Span, i+1)
		for w, week := range month.Children {
			apply(week, sched.Months[i].Weeks[w], w+1)
		}
	}

	if moved > 0 {
		res.StaleAnnotations = true
		res.Warning = fmt.Sprintf("%d monthly/weekly goals were re-dated; check-ins recorded against their old dates may no longer match", moved)
		if len(res.CompletedMoved) > 0 {
			res.Warning += fmt.Sprintf(" (%d of them already completed)", len(res.CompletedMoved))
		}
	}
	return res, nil
}

func sortBySequence(nodes []*GoalNode) {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Sequence < nodes[j].Sequence })
}
