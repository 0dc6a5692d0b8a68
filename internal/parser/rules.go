package parser

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"smartcal/internal/model"
)

// Rules is the deterministic extractor. It recognizes a fixed grammar of
// relative dates, clock times, durations and IANA zone names; whatever is
// left of the prompt becomes the title. It is total: every well-formed
// prompt yields an intent.
type Rules struct {
	defaultHour int
}

// NewRules returns a rule-based strategy that schedules prompts without an
// explicit time at defaultHour:00.
func NewRules(defaultHour int) *Rules {
	if defaultHour < 0 || defaultHour > 23 {
		defaultHour = 9
	}
	return &Rules{defaultHour: defaultHour}
}

func (r *Rules) Name() string { return "rules" }

func (r *Rules) Available() (bool, string) {
	return true, "rule-based extractor is always available"
}

const maxTitleRunes = 100

// maxDuration caps a spoken duration such as "for 300 hours".
const maxDuration = 7 * 24 * time.Hour

var (
	meridiemDotsRe = regexp.MustCompile(`(?i)\b([ap])\.m\.?`)

	zoneRe = regexp.MustCompile(`(?i)\b(?:in\s+)?([a-z]+(?:/[a-z0-9_+\-]+)+)`)
	utcRe  = regexp.MustCompile(`(?i)\b(?:in\s+)?(utc|gmt)\b`)

	isoDateRe     = regexp.MustCompile(`(?i)\b(?:on\s+)?(\d{4})-(\d{2})-(\d{2})\b`)
	dayAfterRe    = regexp.MustCompile(`(?i)\b(?:the\s+)?day\s+after\s+tomorrow\b`)
	tomorrowRe    = regexp.MustCompile(`(?i)\b(?:tomorrow|tmrw)(?:\s+(morning|afternoon|evening|night))?\b`)
	todayRe       = regexp.MustCompile(`(?i)\b(today|tonight|this\s+(?:morning|afternoon|evening))\b`)
	nextWeekdayRe = regexp.MustCompile(`(?i)\b(?:on\s+)?next\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	weekdayRe     = regexp.MustCompile(`(?i)\b(?:on\s+)?(?:this\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)(?:\s+(morning|afternoon|evening|night))?\b`)
	nextWeekRe    = regexp.MustCompile(`(?i)\bnext\s+week\b`)
	inDaysRe      = regexp.MustCompile(`(?i)\bin\s+(\d{1,3})\s+(days?|weeks?)\b`)

	durationRe = regexp.MustCompile(`(?i)\bfor\s+(\d+(?:\.\d+)?|an?|one|two|three|four|half\s+an?)\s*(minutes?|mins?|hours?|hrs?|h|m)\b`)

	range12Re = regexp.MustCompile(`(?i)\b(?:from\s+)?(\d{1,2})(?::([0-5]\d))?\s*(am|pm)?\s*(?:-|–|to|until|till)\s*(\d{1,2})(?::([0-5]\d))?\s*(am|pm)\b`)
	clock12Re = regexp.MustCompile(`(?i)\b(?:(?:at|from)\s+|@\s*)?(\d{1,2})(?::([0-5]\d))?\s*(am|pm)\b`)
	clock24Re = regexp.MustCompile(`(?i)\b(?:(?:at|from)\s+|@\s*)?(\d{1,2}):([0-5]\d)\b`)
	namedRe   = regexp.MustCompile(`(?i)\b(?:at\s+)?(noon|midday|midnight)\b`)
	bareAtRe  = regexp.MustCompile(`(?i)(?:\bat\s+|@\s*)(\d{1,2})\b`)

	connectorRe = regexp.MustCompile(`(?i)^\s*(?:-|–|to|until|till|and)\s*$`)

	leadInRe = regexp.MustCompile(`(?i)^(?:(?:please|pls|hey)\s+)?(?:(?:can|could|would)\s+you\s+)?(?:add|schedule|create|book|set\s+up|setup|plan|put|arrange|organi[sz]e|make|remind\s+me\s+(?:to|about|of)|i\s+have|i\s+need\s+to)\b\s*`)
	articleRe  = regexp.MustCompile(`(?i)^(?:(?:a|an|the)\s+)?(?:(?:new\s+)?(?:event|entry)\s+(?:called|named|for)\s+(?:(?:a|an|the)\s+)?)?`)
	calendarRe = regexp.MustCompile(`(?i)\s*\b(?:to|on|in|into)\s+(?:my\s+|the\s+)?calendar\b`)
	fillerRe   = regexp.MustCompile(`(?i)^(?:at|on|for|from|to|until|till|in|by|and|-|–|,|@)$`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var partOfDayHour = map[string]int{
	"morning":   9,
	"afternoon": 14,
	"evening":   19,
	"night":     20,
	"tonight":   20,
}

// clock is a resolved time of day and the byte span it was read from.
type clock struct {
	hour, min  int
	start, end int
}

// scan holds the working copy of a prompt. Matched tokens are blanked with
// spaces so byte offsets stay stable across passes.
type scan struct {
	work []byte
}

func (s *scan) text() string { return string(s.work) }

func (s *scan) blank(start, end int) {
	for i := start; i < end; i++ {
		s.work[i] = ' '
	}
}

// take finds the first match of re, blanks it and returns its submatches.
func (s *scan) take(re *regexp.Regexp) []string {
	loc := re.FindSubmatchIndex(s.work)
	if loc == nil {
		return nil
	}
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = string(s.work[loc[2*i]:loc[2*i+1]])
		}
	}
	s.blank(loc[0], loc[1])
	return out
}

func (r *Rules) Parse(_ context.Context, req Request) (model.ParsedIntent, error) {
	raw := strings.TrimSpace(req.Text)
	if !wellFormed(raw) {
		return model.ParsedIntent{}, fmt.Errorf("%w: prompt has no content", model.ErrParse)
	}
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	sc := &scan{work: []byte(meridiemDotsRe.ReplaceAllString(raw, "${1}m"))}

	if z := takeZone(sc); z != nil {
		loc = z
	}
	today := now.In(loc)

	dayOffset, date, hourHint := takeDate(sc, today)
	dur := takeDuration(sc)
	startClock, endClock := takeClocks(sc)

	day := today.AddDate(0, 0, dayOffset)
	if date != nil {
		day = *date
	}
	y, m, d := day.Date()

	hour, minute := r.defaultHour, 0
	if hourHint >= 0 {
		hour = hourHint
	}
	if startClock != nil {
		hour, minute = startClock.hour, startClock.min
	}
	start := time.Date(y, m, d, hour, minute, 0, 0, loc)

	var end time.Time
	switch {
	case endClock != nil:
		end = time.Date(y, m, d, endClock.hour, endClock.min, 0, 0, loc)
		if !end.After(start) {
			end = end.AddDate(0, 0, 1)
		}
	case dur > 0:
		end = start.Add(dur)
	default:
		end = start.Add(defaultDuration)
	}

	title := cleanTitle(sc.text())
	if title == "" {
		title = fallbackTitle(raw)
	}

	return model.ParsedIntent{
		Title:      title,
		Start:      start,
		End:        end,
		Timezone:   loc.String(),
		Confidence: model.ConfidenceLow,
		Strategy:   r.Name(),
		RawPrompt:  req.Text,
	}, nil
}

// takeZone consumes the first token naming a loadable IANA zone.
func takeZone(sc *scan) *time.Location {
	for _, m := range zoneRe.FindAllSubmatchIndex(sc.work, -1) {
		name := string(sc.work[m[2]:m[3]])
		if loc, err := time.LoadLocation(name); err == nil {
			sc.blank(m[0], m[1])
			return loc
		}
	}
	if sc.take(utcRe) != nil {
		return time.UTC
	}
	return nil
}

// takeDate consumes one date reference. It returns a day offset from today,
// or an absolute date, plus an hour hint from a part-of-day word (-1 if
// none).
func takeDate(sc *scan, today time.Time) (int, *time.Time, int) {
	hint := func(word string) int {
		if h, ok := partOfDayHour[strings.ToLower(word)]; ok {
			return h
		}
		return -1
	}

	if m := sc.take(isoDateRe); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			// Days past the end of the month clamp to its last day instead
			// of rolling into the next month.
			d = min(d, daysIn(y, time.Month(mo)))
			t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, today.Location())
			return 0, &t, -1
		}
	}
	if sc.take(dayAfterRe) != nil {
		return 2, nil, -1
	}
	if m := sc.take(tomorrowRe); m != nil {
		return 1, nil, hint(m[1])
	}
	if m := sc.take(todayRe); m != nil {
		word := strings.ToLower(m[1])
		if word == "today" {
			return 0, nil, -1
		}
		if word == "tonight" {
			return 0, nil, hint(word)
		}
		return 0, nil, hint(strings.TrimSpace(strings.TrimPrefix(word, "this")))
	}
	if m := sc.take(nextWeekdayRe); m != nil {
		return weekdayOffset(today.Weekday(), weekdays[strings.ToLower(m[1])]) + 7, nil, -1
	}
	if m := sc.take(weekdayRe); m != nil {
		return weekdayOffset(today.Weekday(), weekdays[strings.ToLower(m[1])]), nil, hint(m[2])
	}
	if sc.take(nextWeekRe) != nil {
		return 7, nil, -1
	}
	if m := sc.take(inDaysRe); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(strings.ToLower(m[2]), "week") {
			n *= 7
		}
		return n, nil, -1
	}
	return 0, nil, -1
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// weekdayOffset counts days from today to the next target weekday; today
// itself counts as 0.
func weekdayOffset(today, target time.Weekday) int {
	return (int(target) - int(today) + 7) % 7
}

func takeDuration(sc *scan) time.Duration {
	m := sc.take(durationRe)
	if m == nil {
		return 0
	}
	var n float64
	switch q := strings.ToLower(spaceRe.ReplaceAllString(m[1], " ")); q {
	case "a", "an", "one":
		n = 1
	case "two":
		n = 2
	case "three":
		n = 3
	case "four":
		n = 4
	case "half a", "half an":
		n = 0.5
	default:
		n, _ = strconv.ParseFloat(q, 64)
	}
	unit := time.Minute
	if u := strings.ToLower(m[2]); strings.HasPrefix(u, "h") {
		unit = time.Hour
	}
	d := n * float64(unit)
	switch {
	case d <= 0:
		return 0
	case d >= float64(maxDuration):
		return maxDuration
	}
	return time.Duration(d)
}

// takeClocks consumes the start time and, when present, an end time joined
// to it by a connector ("to", "until", "-").
func takeClocks(sc *scan) (*clock, *clock) {
	if m := range12Re.FindSubmatchIndex(sc.work); m != nil {
		sub := submatches(sc.work, m)
		endH, ok1 := to24(sub[4], sub[6])
		startMer := sub[3]
		if startMer == "" {
			startMer = sub[6]
		}
		startH, ok2 := to24(sub[1], startMer)
		if ok1 && ok2 {
			if sub[3] == "" && startH > endH && strings.EqualFold(startMer, "pm") {
				startH -= 12
			}
			sc.blank(m[0], m[1])
			return &clock{hour: startH, min: atoiOr(sub[2], 0)}, &clock{hour: endH, min: atoiOr(sub[5], 0)}
		}
	}

	var found []clock
	collect := func(re *regexp.Regexp, resolve func(sub []string) (int, int, bool)) {
		for _, m := range re.FindAllSubmatchIndex(sc.work, -1) {
			h, mi, ok := resolve(submatches(sc.work, m))
			if !ok {
				continue
			}
			found = append(found, clock{hour: h, min: mi, start: m[0], end: m[1]})
			sc.blank(m[0], m[1])
		}
	}
	collect(clock12Re, func(sub []string) (int, int, bool) {
		h, ok := to24(sub[1], sub[3])
		return h, atoiOr(sub[2], 0), ok
	})
	collect(clock24Re, func(sub []string) (int, int, bool) {
		h, err := strconv.Atoi(sub[1])
		if err != nil || h > 23 {
			return 0, 0, false
		}
		return bareHour(sub[1], h), atoiOr(sub[2], 0), true
	})
	collect(namedRe, func(sub []string) (int, int, bool) {
		if strings.EqualFold(sub[1], "midnight") {
			return 0, 0, true
		}
		return 12, 0, true
	})
	collect(bareAtRe, func(sub []string) (int, int, bool) {
		h, err := strconv.Atoi(sub[1])
		if err != nil || h > 23 {
			return 0, 0, false
		}
		return bareHour(sub[1], h), 0, true
	})

	if len(found) == 0 {
		return nil, nil
	}
	slices.SortFunc(found, func(a, b clock) int { return a.start - b.start })

	start := found[0]
	if len(found) > 1 {
		next := found[1]
		if gap := sc.work[start.end:next.start]; connectorRe.Match(gap) {
			sc.blank(start.end, next.start)
			return &start, &next
		}
	}
	return &start, nil
}

func submatches(b []byte, m []int) []string {
	out := make([]string, len(m)/2)
	for i := range out {
		if m[2*i] >= 0 {
			out[i] = string(b[m[2*i]:m[2*i+1]])
		}
	}
	return out
}

// to24 converts an hour with optional meridiem to 0..23.
func to24(hourStr, meridiem string) (int, bool) {
	h, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(meridiem) {
	case "am":
		if h < 1 || h > 12 {
			return 0, false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 1 || h > 12 {
			return 0, false
		}
		if h < 12 {
			h += 12
		}
	default:
		if h > 23 {
			return 0, false
		}
		h = bareHour(hourStr, h)
	}
	return h, true
}

// bareHour reads a single-digit hour from 1 to 6 written without a meridiem
// as an afternoon time ("at 3" means 15:00). Zero-padded hours are literal.
func bareHour(digits string, h int) int {
	if len(digits) == 1 && h >= 1 && h <= 6 {
		return h + 12
	}
	return h
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// cleanTitle strips lead-in verbs, calendar phrases and dangling filler
// words from what is left after temporal tokens were removed.
func cleanTitle(s string) string {
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	s = calendarRe.ReplaceAllString(s, "")
	s = leadInRe.ReplaceAllString(s, "")
	s = articleRe.ReplaceAllString(s, "")

	words := strings.Fields(s)
	for len(words) > 0 && fillerRe.MatchString(words[0]) {
		words = words[1:]
	}
	for len(words) > 0 && fillerRe.MatchString(strings.TrimRight(words[len(words)-1], ",.;:!?")) {
		words = words[:len(words)-1]
	}
	s = strings.Join(words, " ")
	s = strings.Trim(s, " ,.;:-–!?")
	return capitalize(truncateRunes(s, maxTitleRunes))
}

func fallbackTitle(raw string) string {
	s := strings.Trim(spaceRe.ReplaceAllString(raw, " "), " ,.;:-–!?")
	return capitalize(truncateRunes(s, maxTitleRunes))
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
