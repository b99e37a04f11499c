package transform

import (
	"strconv"
	"strings"
	"time"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// asString coerces a decoded JSON scalar to a trimmed string. Maps, lists,
// and unknown types coerce to "".
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// asInt coerces a decoded JSON scalar to an int, defaulting to zero.
func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

// asList coerces to a []any, treating null and mistyped values as empty.
func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

// asStringList coerces to a list of non-empty strings, never nil.
func asStringList(v any) []string {
	out := []string{}
	for _, item := range asList(v) {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asExperiences(v any) []crawl.Experience {
	out := []crawl.Experience{}
	for _, item := range asList(v) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, crawl.Experience{
			Title:       asString(m["title"]),
			Company:     asString(m["company"]),
			Period:      asString(m["period"]),
			Description: asString(m["description"]),
		})
	}
	return out
}

func asEducations(v any) []crawl.Education {
	out := []crawl.Education{}
	for _, item := range asList(v) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, crawl.Education{
			School: asString(m["school"]),
			Degree: asString(m["degree"]),
			Field:  asString(m["field"]),
			Period: asString(m["period"]),
		})
	}
	return out
}

func asPosts(v any) []crawl.Post {
	out := []crawl.Post{}
	for _, item := range asList(v) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, crawl.Post{
			Text:   asString(m["text"]),
			URL:    asString(m["url"]),
			Posted: asString(m["posted"]),
		})
	}
	return out
}

// parseTime accepts time.Time values and RFC 3339 strings.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
