package recommendation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/goalplan/internal/domain/goal"
)

// OptionCount is the number of plan options a usable recommendation carries.
const OptionCount = 3

// Tier names the strategy that produced a parse result. Lower tiers are
// progressively less trustworthy.
type Tier string

const (
	TierStructured Tier = "structured"
	TierMarked     Tier = "marked"
	TierUnmarked   Tier = "unmarked"
	TierEqualSplit Tier = "equal_split"
	TierNone       Tier = "none"
)

var tierConfidence = map[Tier]float64{
	TierStructured: 1.0,
	TierMarked:     0.8,
	TierUnmarked:   0.5,
	TierEqualSplit: 0.2,
}

// ParsedPlan is the outcome of Parse. Options holds exactly OptionCount
// entries or none at all.
type ParsedPlan struct {
	Tier       Tier              `json:"tier"`
	Confidence float64           `json:"confidence"`
	Options    []goal.PlanOption `json:"options"`
	Reasoning  string            `json:"reasoning,omitempty"`

	found  int
	reason string
}

func (p ParsedPlan) OK() bool { return len(p.Options) == OptionCount }

// Err returns a *ParseError when no usable set of options was found.
func (p ParsedPlan) Err() error {
	if p.OK() {
		return nil
	}
	return &ParseError{Found: p.found, Reason: p.reason}
}

// ParseError reports a payload that did not yield OptionCount options.
type ParseError struct {
	Found  int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("recommendation parse: found %d of %d plan options: %s", e.Found, OptionCount, e.Reason)
}

// payloadKind tags the shape a raw payload was decoded into.
type payloadKind int

const (
	kindEmpty payloadKind = iota
	kindStructured
	kindText
)

type payload struct {
	kind      payloadKind
	items     []any
	text      string
	reasoning string
}

var (
	listKeys      = []string{"recommendations", "options", "goals", "plans", "goal_options", "goalOptions"}
	textKeys      = []string{"text", "content", "output", "response", "message"}
	reasoningKeys = []string{"reasoning", "rationale", "explanation"}

	titleKeys    = []string{"title", "name", "goal_title", "goalTitle", "option_title", "optionTitle"}
	purposeKeys  = []string{"purpose", "why", "rationale"}
	sixMonthKeys = []string{"six_month_goal", "sixMonthGoal", "six_month", "sixMonth", "goal", "description", "summary"}
	monthKeys    = []string{"monthly_goals", "monthlyGoals", "months", "monthly_breakdown", "monthlyBreakdown", "milestones"}
	weekKeys     = []string{"weekly_goals", "weeklyGoals", "weeks", "weekly_breakdown", "weeklyBreakdown", "steps"}
	itemKeys     = []string{"title", "goal", "name", "focus"}
	detailKeys   = []string{"description", "details", "summary"}
)

const maxDepth = 4

// Parse turns a recommendation payload into plan options. It never panics
// and never fails; an unusable payload yields TierNone and an empty list.
func Parse(raw []byte) (plan ParsedPlan) {
	defer func() {
		if r := recover(); r != nil {
			plan = ParsedPlan{Tier: TierNone, Options: []goal.PlanOption{}, reason: fmt.Sprintf("malformed payload: %v", r)}
		}
	}()

	p := decodePayload(raw)
	switch p.kind {
	case kindStructured:
		var opts []goal.PlanOption
		for _, it := range p.items {
			if opt, ok := optionFromValue(it); ok {
				opts = append(opts, opt)
			}
		}
		return finish(TierStructured, opts, p.reasoning)
	case kindText:
		return parseText(p.text, p.reasoning)
	}
	return ParsedPlan{Tier: TierNone, Options: []goal.PlanOption{}, reason: "empty payload"}
}

func finish(tier Tier, opts []goal.PlanOption, reasoning string) ParsedPlan {
	if len(opts) < OptionCount {
		return ParsedPlan{
			Tier:      TierNone,
			Options:   []goal.PlanOption{},
			Reasoning: reasoning,
			found:     len(opts),
			reason:    fmt.Sprintf("%s payload yielded %d options", tier, len(opts)),
		}
	}
	return ParsedPlan{
		Tier:       tier,
		Confidence: tierConfidence[tier],
		Options:    opts[:OptionCount],
		Reasoning:  reasoning,
		found:      len(opts),
	}
}

func decodePayload(raw []byte) payload {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return payload{}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return fromText(s, 0)
	}
	return fromValue(v, 0)
}

func fromValue(v any, depth int) payload {
	if depth > maxDepth {
		return payload{}
	}
	switch t := v.(type) {
	case []any:
		return payload{kind: kindStructured, items: t}
	case string:
		return fromText(t, depth)
	case map[string]any:
		reasoning := str(t, reasoningKeys...)
		for _, k := range listKeys {
			val, ok := t[k]
			if !ok {
				continue
			}
			p := fromValue(val, depth+1)
			if p.kind != kindEmpty {
				if p.reasoning == "" {
					p.reasoning = reasoning
				}
				return p
			}
		}
		for _, k := range textKeys {
			if s, ok := t[k].(string); ok {
				p := fromText(s, depth)
				if p.reasoning == "" {
					p.reasoning = reasoning
				}
				return p
			}
		}
		if items := keyedOptions(t); len(items) > 0 {
			return payload{kind: kindStructured, items: items, reasoning: reasoning}
		}
	}
	return payload{}
}

var trailingNumber = regexp.MustCompile(`(\d+)$`)

// keyedOptions reads a map of option objects keyed by name, e.g.
// {"plan_1": {...}, "plan_2": {...}}. Every non-reasoning value must look
// like an option. Keys ending in a number sort numerically, the rest by name.
func keyedOptions(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if isReasoningKey(k) {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok || (str(obj, titleKeys...) == "" && str(obj, sixMonthKeys...) == "") {
			return nil
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, iok := keyNumber(keys[i])
		nj, jok := keyNumber(keys[j])
		if iok && jok && ni != nj {
			return ni < nj
		}
		if iok != jok {
			return iok
		}
		return keys[i] < keys[j]
	})
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = m[k]
	}
	return items
}

func keyNumber(k string) (int, bool) {
	match := trailingNumber.FindString(k)
	if match == "" {
		return 0, false
	}
	n, err := strconv.Atoi(match)
	return n, err == nil
}

func isReasoningKey(k string) bool {
	for _, r := range reasoningKeys {
		if k == r {
			return true
		}
	}
	return false
}

// fromText classifies free text. Text that embeds a JSON plan list is
// treated as structured.
func fromText(s string, depth int) payload {
	if strings.TrimSpace(s) == "" {
		return payload{}
	}
	for _, candidate := range []string{extractJSON(s), extractJSONArray(s)} {
		if candidate == "" || strings.TrimSpace(candidate) == strings.TrimSpace(s) {
			continue
		}
		var v any
		if json.Unmarshal([]byte(candidate), &v) != nil {
			continue
		}
		if p := fromValue(v, depth+1); p.kind == kindStructured && len(p.items) > 0 {
			return p
		}
	}
	return payload{kind: kindText, text: s}
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func list(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if l, ok := m[k].([]any); ok {
			return l
		}
	}
	return nil
}

func num(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}

func optionFromValue(v any) (goal.PlanOption, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return goal.PlanOption{}, false
		}
		if strings.Contains(s, "\n") {
			lines := strings.Split(s, "\n")
			return optionFromSection(section{lines: lines})
		}
		return goal.PlanOption{Title: s, SixMonthGoal: s}, true
	case map[string]any:
		opt := goal.PlanOption{
			Title:        str(t, titleKeys...),
			Purpose:      str(t, purposeKeys...),
			SixMonthGoal: str(t, sixMonthKeys...),
		}
		if opt.SixMonthGoal == "" {
			if nested, ok := t["six_month_goal"].(map[string]any); ok {
				opt.SixMonthGoal = str(nested, append(itemKeys, detailKeys...)...)
			} else if nested, ok := t["sixMonthGoal"].(map[string]any); ok {
				opt.SixMonthGoal = str(nested, append(itemKeys, detailKeys...)...)
			}
		}
		for i, mv := range list(t, monthKeys...) {
			if i >= goal.MonthsPerPlan {
				break
			}
			opt.Months = append(opt.Months, monthFromValue(mv, i+1))
		}
		if opt.Title == "" && opt.SixMonthGoal == "" {
			return goal.PlanOption{}, false
		}
		return opt, true
	}
	return goal.PlanOption{}, false
}

func monthFromValue(v any, n int) goal.MonthPlan {
	mp := goal.MonthPlan{Month: n}
	switch t := v.(type) {
	case string:
		mp.Title = strings.TrimSpace(t)
	case map[string]any:
		if m := num(t, "month"); m > 0 {
			mp.Month = m
		}
		mp.Title = str(t, itemKeys...)
		mp.Description = str(t, detailKeys...)
		if mp.Title == "" {
			mp.Title, mp.Description = mp.Description, ""
		}
		for i, wv := range list(t, weekKeys...) {
			if i >= goal.MaxWeeksPerMonth {
				break
			}
			mp.Weeks = append(mp.Weeks, weekFromValue(wv, i+1))
		}
	}
	return mp
}

func weekFromValue(v any, n int) goal.WeekPlan {
	wp := goal.WeekPlan{Week: n}
	switch t := v.(type) {
	case string:
		wp.Title = strings.TrimSpace(t)
	case map[string]any:
		if w := num(t, "week"); w > 0 {
			wp.Week = w
		}
		wp.Title = str(t, itemKeys...)
		wp.Description = str(t, detailKeys...)
		if wp.Title == "" {
			wp.Title, wp.Description = wp.Description, ""
		}
	}
	return wp
}

var (
	jsonBlockPattern      = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern     = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	jsonArrayBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	jsonArrayPattern      = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingCommaPattern  = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON pulls a JSON object out of model output, preferring a fenced
// block over the widest brace span.
func extractJSON(content string) string {
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := jsonObjectPattern.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

func extractJSONArray(content string) string {
	if m := jsonArrayBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := jsonArrayPattern.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

func cleanJSON(raw string) string {
	return trailingCommaPattern.ReplaceAllString(raw, "$1")
}

// Text heuristics.

var (
	markedHeader   = regexp.MustCompile(`(?i)^(?:goal|option|plan)\s*#?\s*(\d+)\s*(?:[:.)\-–]\s*(.*))?$`)
	unmarkedHeader = regexp.MustCompile(`^(\d+)[.)]\s+(.*)$`)
	purposeLine    = regexp.MustCompile(`(?i)^(?:purpose|why)\s*:\s*(.*)$`)
	titleLine      = regexp.MustCompile(`(?i)^title\s*:\s*(.*)$`)
	goalLine       = regexp.MustCompile(`(?i)^(?:six[- ]month goal|6[- ]month goal|goal|description|summary)\s*:\s*(.*)$`)
	monthLine      = regexp.MustCompile(`(?i)^month\s*(\d+)\s*(?:[:.)\-–]\s*(.*))?$`)
	weekLine       = regexp.MustCompile(`(?i)^week\s*(\d+)\s*(?:[:.)\-–]\s*(.*))?$`)
	bulletPrefix   = regexp.MustCompile(`^(?:[-*•+]\s+)+`)
	emphasis       = strings.NewReplacer("**", "", "__", "", "`", "")
)

// cleanLine strips markdown decoration but keeps leading indentation so
// nesting can still be seen by the caller when it wants it.
func cleanLine(l string) string {
	l = emphasis.Replace(strings.TrimRight(l, " \t\r"))
	t := strings.TrimLeft(l, " \t")
	t = strings.TrimSpace(strings.TrimLeft(t, "#"))
	return t
}

type section struct {
	header string
	lines  []string
}

// minMarkers is the number of section markers at which a tier is committed
// to: its result is used even when it falls short of OptionCount.
const minMarkers = 2

func parseText(text, reasoning string) ParsedPlan {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	if pre, secs := splitMarked(lines); len(secs) >= minMarkers {
		return finish(TierMarked, optionsFrom(secs), firstNonEmpty(reasoning, pre))
	}
	if pre, secs := splitUnmarked(lines); len(secs) >= minMarkers {
		return finish(TierUnmarked, optionsFrom(secs), firstNonEmpty(reasoning, pre))
	}

	var content []string
	for _, l := range lines {
		if c := cleanLine(l); c != "" {
			content = append(content, c)
		}
	}
	if len(content) < OptionCount {
		return ParsedPlan{
			Tier:      TierNone,
			Options:   []goal.PlanOption{},
			Reasoning: reasoning,
			reason:    fmt.Sprintf("text has %d non-empty lines", len(content)),
		}
	}
	secs := make([]section, OptionCount)
	n := len(content)
	for i := 0; i < OptionCount; i++ {
		chunk := content[i*n/OptionCount : (i+1)*n/OptionCount]
		secs[i] = section{lines: chunk}
	}
	return finish(TierEqualSplit, optionsFrom(secs), reasoning)
}

func splitMarked(lines []string) (string, []section) {
	return splitBy(lines, func(raw string) (string, bool) {
		m := markedHeader.FindStringSubmatch(cleanLine(raw))
		if m == nil {
			return "", false
		}
		return m[2], true
	})
}

func splitUnmarked(lines []string) (string, []section) {
	return splitBy(lines, func(raw string) (string, bool) {
		l := emphasis.Replace(strings.TrimRight(raw, " \t\r"))
		if l == "" || l[0] == ' ' || l[0] == '\t' {
			return "", false
		}
		m := unmarkedHeader.FindStringSubmatch(l)
		if m == nil {
			return "", false
		}
		return m[2], true
	})
}

// splitBy cuts lines into sections at every header line. Text before the
// first header is returned separately.
func splitBy(lines []string, header func(string) (string, bool)) (string, []section) {
	var (
		pre  []string
		secs []section
	)
	for _, l := range lines {
		if h, ok := header(l); ok {
			secs = append(secs, section{header: strings.TrimSpace(h)})
			continue
		}
		if len(secs) == 0 {
			if c := cleanLine(l); c != "" {
				pre = append(pre, c)
			}
			continue
		}
		secs[len(secs)-1].lines = append(secs[len(secs)-1].lines, l)
	}
	return strings.Join(pre, " "), secs
}

func optionsFrom(secs []section) []goal.PlanOption {
	var opts []goal.PlanOption
	for _, s := range secs {
		if opt, ok := optionFromSection(s); ok {
			opts = append(opts, opt)
		}
	}
	return opts
}

// optionFromSection lifts labelled lines (Purpose, Month N, Week N, Goal)
// into option fields; everything else becomes the six-month description.
func optionFromSection(s section) (goal.PlanOption, bool) {
	opt := goal.PlanOption{Title: s.header}
	var desc []string
	curMonth := -1

	for _, raw := range s.lines {
		l := bulletPrefix.ReplaceAllString(cleanLine(raw), "")
		if l == "" {
			continue
		}
		if m := titleLine.FindStringSubmatch(l); m != nil {
			if opt.Title == "" {
				opt.Title = strings.TrimSpace(m[1])
			}
			continue
		}
		if m := purposeLine.FindStringSubmatch(l); m != nil {
			opt.Purpose = strings.TrimSpace(m[1])
			continue
		}
		if m := monthLine.FindStringSubmatch(l); m != nil {
			n, _ := strconv.Atoi(m[1])
			if n >= 1 && n <= goal.MonthsPerPlan {
				padMonths(&opt, n)
				opt.Months[n-1].Title = strings.TrimSpace(m[2])
				curMonth = n - 1
			}
			continue
		}
		if m := weekLine.FindStringSubmatch(l); m != nil {
			n, _ := strconv.Atoi(m[1])
			target := curMonth
			if target < 0 && n >= 1 {
				target = (n - 1) / goal.MaxWeeksPerMonth
			}
			if target >= 0 && target < goal.MonthsPerPlan {
				padMonths(&opt, target+1)
				month := &opt.Months[target]
				if len(month.Weeks) < goal.MaxWeeksPerMonth {
					month.Weeks = append(month.Weeks, goal.WeekPlan{Week: len(month.Weeks) + 1, Title: strings.TrimSpace(m[2])})
				}
			}
			continue
		}
		if m := goalLine.FindStringSubmatch(l); m != nil {
			opt.SixMonthGoal = strings.TrimSpace(m[1])
			continue
		}
		if opt.Title == "" {
			opt.Title = l
			continue
		}
		desc = append(desc, l)
	}

	if opt.SixMonthGoal == "" {
		opt.SixMonthGoal = strings.Join(desc, " ")
	}
	if opt.Title == "" && opt.SixMonthGoal == "" {
		return goal.PlanOption{}, false
	}
	return opt, true
}

func padMonths(opt *goal.PlanOption, n int) {
	for len(opt.Months) < n {
		opt.Months = append(opt.Months, goal.MonthPlan{Month: len(opt.Months) + 1})
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
