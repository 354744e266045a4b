package goal

// PlanOption is one candidate plan proposed by the recommendation workflow.
// Options only live until the caller picks one.
type PlanOption struct {
	Title        string      `json:"title"`
	Purpose      string      `json:"purpose,omitempty"`
	SixMonthGoal string      `json:"six_month_goal"`
	Months       []MonthPlan `json:"monthly_goals,omitempty"`
}

// MonthPlan is a monthly breakdown of a plan option.
type MonthPlan struct {
	Month       int        `json:"month,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Weeks       []WeekPlan `json:"weekly_goals,omitempty"`
}

// WeekPlan is a weekly breakdown inside a month.
type WeekPlan struct {
	Week        int    `json:"week,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// WeeksPerMonth returns the plan shape consumed by ComputeSchedule. Months
// beyond the sixth are ignored and week counts are clamped to
// MaxWeeksPerMonth.
func (o PlanOption) WeeksPerMonth() [MonthsPerPlan]int {
	var shape [MonthsPerPlan]int
	for i := 0; i < MonthsPerPlan && i < len(o.Months); i++ {
		shape[i] = clampWeeks(len(o.Months[i].Weeks))
	}
	return shape
}
