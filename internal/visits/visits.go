// Package visits keeps the append-only visit log of the site and derives
// aggregate statistics from it.
package visits

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// UnknownPage is the page key of entries without a page.
	UnknownPage = "unknown"
	// HomePage is the page id used when none can be derived.
	HomePage = "home"

	maxUserAgentLength = 200
)

// Entry is one recorded visit. Time is an ISO-8601 timestamp.
type Entry struct {
	Time    string `json:"time"`
	Page    string `json:"page"`
	IP      string `json:"ip,omitempty"`
	UA      string `json:"ua,omitempty"`
	Referer string `json:"referer,omitempty"`
}

// PageCount pairs a page with its visit count.
type PageCount struct {
	Page  string `json:"page"`
	Count int    `json:"count"`
}

// Stats is derived from a log and never persisted.
type Stats struct {
	TotalVisits int            `json:"totalVisits"`
	TodayVisits int            `json:"todayVisits"`
	PageCounts  map[string]int `json:"pageCounts"`
	TopPage     *PageCount     `json:"topPage"`
}

// AppendVisit returns a new log holding log followed by entry. log is never
// modified.
func AppendVisit(log []Entry, entry Entry) []Entry {
	out := make([]Entry, len(log), len(log)+1)
	copy(out, log)
	return append(out, entry)
}

// CalculateStats aggregates log in a single pass. Entries without a page are
// counted under UnknownPage. The top page is the one with the highest count;
// on a tie the page seen first wins. Today is the UTC date of now.
func CalculateStats(log []Entry, now time.Time) Stats {
	today := now.UTC().Format(time.DateOnly)
	stats := Stats{
		TotalVisits: len(log),
		PageCounts:  make(map[string]int),
	}

	var order []string
	for _, entry := range log {
		if onDay(entry.Time, today) {
			stats.TodayVisits++
		}

		page := entry.Page
		if page == "" {
			page = UnknownPage
		}
		if _, seen := stats.PageCounts[page]; !seen {
			order = append(order, page)
		}
		stats.PageCounts[page]++
	}

	for _, page := range order {
		count := stats.PageCounts[page]
		if stats.TopPage == nil || count > stats.TopPage.Count {
			stats.TopPage = &PageCount{Page: page, Count: count}
		}
	}
	return stats
}

// DecodeLog parses a persisted log. Anything that is not a JSON array is an
// empty log; array elements that are not entries count as visits without a
// page.
func DecodeLog(data []byte) []Entry {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return []Entry{}
	}

	log := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal(item, &entry); err != nil {
			entry = Entry{}
		}
		log = append(log, entry)
	}
	return log
}

// SanitizePage strips every character outside [a-zA-Z0-9_\-./] and returns
// HomePage when nothing is left.
func SanitizePage(page string) string {
	var b strings.Builder
	for _, c := range page {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '_', c == '-', c == '.', c == '/':
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return HomePage
	}
	return b.String()
}

// PageFromURL derives a page id from the path of rawURL.
func PageFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return HomePage
	}
	return SanitizePage(strings.Trim(u.Path, "/"))
}

func onDay(ts, day string) bool {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UTC().Format(time.DateOnly) == day
	}
	return strings.HasPrefix(ts, day)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
