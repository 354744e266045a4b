package goal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

// planWithShape returns an option whose month i carries shape[i] weeks.
func planWithShape(shape [MonthsPerPlan]int) PlanOption {
	opt := PlanOption{
		Title:        "Walk unaided",
		Purpose:      "Return to community walking",
		SixMonthGoal: "Walk 1km without an aid",
	}
	for m, weeks := range shape {
		mp := MonthPlan{Month: m + 1, Title: fmt.Sprintf("Phase %d", m+1)}
		for w := 0; w < weeks; w++ {
			mp.Weeks = append(mp.Weeks, WeekPlan{Week: w + 1, Title: fmt.Sprintf("Step %d.%d", m+1, w+1)})
		}
		opt.Months = append(opt.Months, mp)
	}
	return opt
}

func buildTree(shape [MonthsPerPlan]int, start string, patientID uuid.UUID) *GoalNode {
	root, err := Build(planWithShape(shape), BuildInput{
		PatientID: patientID,
		CreatedBy: "therapist-1",
		StartDate: day(start),
	})
	if err != nil {
		panic(err)
	}
	return root
}
