package qcstep

import (
	"strings"
	"unicode"
)

// DefaultEstimatedMinutes applies when nothing more specific matches.
const DefaultEstimatedMinutes = 15

// DefaultRushMarkers mark a key as urgent.
var DefaultRushMarkers = []string{"URGENT", "RUSH", "EXPRESS"}

// DefaultHighMarkers mark a key as high priority.
var DefaultHighMarkers = []string{"PRIO", "HIGH"}

// Estimator derives priority, category and expected inspection time from a scan key.
type Estimator struct {
	DefaultMinutes int
	ByPriority     map[Priority]int
	// ByCategory is keyed by the upper-cased key prefix, see Category.
	ByCategory  map[string]int
	RushMarkers []string
	HighMarkers []string
}

// NewEstimator returns an estimator with the package defaults filled in.
func NewEstimator(defaultMinutes int, byPriority map[Priority]int, byCategory map[string]int, rushMarkers []string) Estimator {
	if defaultMinutes <= 0 {
		defaultMinutes = DefaultEstimatedMinutes
	}
	if rushMarkers == nil {
		rushMarkers = DefaultRushMarkers
	}
	return Estimator{
		DefaultMinutes: defaultMinutes,
		ByPriority:     byPriority,
		ByCategory:     byCategory,
		RushMarkers:    rushMarkers,
		HighMarkers:    DefaultHighMarkers,
	}
}

// Estimate returns the expected minutes, priority and category for key.
// A category override replaces the default; a priority override can only shorten it.
func (e Estimator) Estimate(key string) (int, Priority, string) {
	priority := e.Priority(key)
	category := Category(key)

	minutes := e.DefaultMinutes
	if minutes <= 0 {
		minutes = DefaultEstimatedMinutes
	}
	if m, ok := e.ByCategory[category]; ok && category != "" && m > 0 {
		minutes = m
	}
	if m, ok := e.ByPriority[priority]; ok && m > 0 && m < minutes {
		minutes = m
	}
	return minutes, priority, category
}

// Priority classifies key by its textual markers. A marker must appear as a
// whole segment between separators, so HIGHWAY-12 is not high priority.
func (e Estimator) Priority(key string) Priority {
	segments := keySegments(key)
	if hasMarker(segments, e.RushMarkers) {
		return PriorityUrgent
	}
	if hasMarker(segments, e.HighMarkers) {
		return PriorityHigh
	}
	return PriorityNormal
}

// Category returns the leading letters of key up to the first separator,
// upper-cased. Keys without an alphabetic prefix have no category.
func Category(key string) string {
	key = strings.TrimSpace(key)
	end := strings.IndexAny(key, "-_:/ ")
	if end <= 0 {
		return ""
	}
	prefix := key[:end]
	for _, r := range prefix {
		if !unicode.IsLetter(r) {
			return ""
		}
	}
	return strings.ToUpper(prefix)
}

// keySegments splits the upper-cased key on anything that is not a letter or digit.
func keySegments(key string) []string {
	return strings.FieldsFunc(strings.ToUpper(key), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hasMarker(segments, markers []string) bool {
	for _, m := range markers {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		for _, seg := range segments {
			if seg == m {
				return true
			}
		}
	}
	return false
}
