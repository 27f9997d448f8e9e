package nlparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"taskmaster/internal/taskstore"
)

var (
	reInDuration  = regexp.MustCompile(`\bin (\d+) (hour|hours|day|days|week|weeks|month|months)\b`)
	reAtTime      = regexp.MustCompile(`\bat (\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	reDuration    = regexp.MustCompile(`\b(?:for |takes? )?(\d+)\s*(hour|hours|hr|hrs|minute|minutes|min|mins)\b`)
	reDateScrub   = regexp.MustCompile(`\b(?:at|on|by|in)?\s*\d{1,2}(?::\d{2})?\s*(?:am|pm|hours?|days?|weeks?|months?)\b`)
	reDayScrub    = regexp.MustCompile(`\b(?:on |by |this |next )?(today|tonight|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	rePriorityTag = regexp.MustCompile(`\b(low|medium|high)\s+priority\b`)
	reSpaces      = regexp.MustCompile(`\s+`)
)

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

var highPriorityWords = []string{
	"urgent", "asap", "immediately", "deadline", "important",
	"critical", "emergency", "crucial",
}

var lowPriorityWords = []string{
	"later", "whenever", "eventually", "maybe", "someday",
	"when convenient", "at leisure",
}

var tagBuckets = []struct {
	tag   string
	words []string
}{
	{"work", []string{"meeting", "project", "report", "presentation", "work", "office"}},
	{"communication", []string{"call", "email", "message", "contact", "phone", "text"}},
	{"errands", []string{"buy", "shop", "grocery", "groceries", "store", "purchase", "errand"}},
	{"health", []string{"doctor", "appointment", "exercise", "workout", "health", "medical"}},
	{"personal", []string{"home", "family", "friend", "personal"}},
}

// fallbackExtract is the rule-based parser used when the model is
// unavailable or keeps producing invalid output. It only resolves
// dates the text states explicitly, never inventing one.
func fallbackExtract(text string, pctx Context) Extraction {
	lower := strings.ToLower(text)
	return Extraction{
		Title:            extractTitle(text),
		Description:      text,
		DueDate:          extractDueDate(lower, pctx),
		Priority:         extractPriority(lower),
		Tags:             extractTags(lower),
		EstimatedMinutes: estimateDuration(lower),
		LowConfidence:    true,
	}
}

func extractDueDate(lower string, pctx Context) *time.Time {
	now := pctx.now()
	loc := pctx.location()

	var date time.Time
	haveDate := false
	switch {
	case strings.Contains(lower, "today") || strings.Contains(lower, "tonight"):
		date = now
		haveDate = true
	case strings.Contains(lower, "tomorrow"):
		date = now.AddDate(0, 0, 1)
		haveDate = true
	default:
		for name, weekday := range weekdays {
			if !strings.Contains(lower, name) {
				continue
			}
			ahead := (int(weekday) - int(now.Weekday()) + 7) % 7
			if ahead == 0 {
				ahead = 7
			}
			date = now.AddDate(0, 0, ahead)
			haveDate = true
			break
		}
	}

	if !haveDate {
		if m := reInDuration.FindStringSubmatch(lower); m != nil {
			n, _ := strconv.Atoi(m[1])
			switch {
			case strings.HasPrefix(m[2], "hour"):
				due := now.Add(time.Duration(n) * time.Hour)
				return &due
			case strings.HasPrefix(m[2], "day"):
				date = now.AddDate(0, 0, n)
			case strings.HasPrefix(m[2], "week"):
				date = now.AddDate(0, 0, n*7)
			case strings.HasPrefix(m[2], "month"):
				date = now.AddDate(0, n, 0)
			}
			haveDate = true
		}
	}

	hour, minute, haveTime := extractClock(lower)
	if !haveDate && !haveTime {
		return nil
	}
	if !haveDate {
		date = now
	}
	if !haveTime {
		hour, minute = 0, 0
	}
	due := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)
	return &due
}

func extractClock(lower string) (hour, minute int, ok bool) {
	m := reAtTime.FindStringSubmatch(lower)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func extractPriority(lower string) taskstore.Priority {
	if m := rePriorityTag.FindStringSubmatch(lower); m != nil {
		if priority, ok := taskstore.ParsePriority(m[1]); ok {
			return priority
		}
	}
	high, low := 0, 0
	for _, word := range highPriorityWords {
		if strings.Contains(lower, word) {
			high++
		}
	}
	for _, word := range lowPriorityWords {
		if strings.Contains(lower, word) {
			low++
		}
	}
	switch {
	case high > low:
		return taskstore.PriorityHigh
	case low > high:
		return taskstore.PriorityLow
	}
	return taskstore.PriorityMedium
}

func extractTags(lower string) []string {
	var tags []string
	for _, bucket := range tagBuckets {
		for _, word := range bucket.words {
			if strings.Contains(lower, word) {
				tags = append(tags, bucket.tag)
				break
			}
		}
	}
	return tags
}

func estimateDuration(lower string) int {
	if m := reDuration.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(m[2], "hour") || strings.HasPrefix(m[2], "hr") {
			return n * 60
		}
		return n
	}
	switch {
	case containsAny(lower, "meeting", "call", "interview"):
		return 60
	case containsAny(lower, "email", "message", "reply"):
		return 15
	case containsAny(lower, "report", "analysis", "research"):
		return 120
	case containsAny(lower, "shopping", "errand", "grocer"):
		return 90
	case containsAny(lower, "exercise", "workout"):
		return 60
	}
	return 0
}

func containsAny(text string, words ...string) bool {
	for _, word := range words {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

// extractTitle keeps the first clause and scrubs date phrases out of
// it, so "call Sam tomorrow at 3pm, high priority" becomes "Call Sam".
func extractTitle(text string) string {
	clause := text
	for _, sep := range []string{".", ",", ";"} {
		if idx := strings.Index(clause, sep); idx > 0 {
			clause = clause[:idx]
		}
	}
	lower := strings.ToLower(clause)
	cleaned := clause
	for _, m := range reDateScrub.FindAllStringIndex(lower, -1) {
		cleaned = cleaned[:m[0]] + strings.Repeat(" ", m[1]-m[0]) + cleaned[m[1]:]
	}
	lower = strings.ToLower(cleaned)
	for _, m := range reDayScrub.FindAllStringIndex(lower, -1) {
		cleaned = cleaned[:m[0]] + strings.Repeat(" ", m[1]-m[0]) + cleaned[m[1]:]
	}
	cleaned = reSpaces.ReplaceAllString(cleaned, " ")
	cleaned = strings.Trim(cleaned, " \t-:")
	if cleaned == "" {
		return ""
	}
	runes := []rune(cleaned)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
