package tabselect

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/l0p7/sheetsync/internal/source"
)

// YearMonth is a calendar month named by a tab title.
type YearMonth struct {
	Year  int
	Month time.Month
}

func (ym YearMonth) index() int { return ym.Year*12 + int(ym.Month) - 1 }

func (ym YearMonth) monthsBefore(now time.Time) int {
	return YearMonth{Year: now.Year(), Month: now.Month()}.index() - ym.index()
}

var monthWords = func() map[string]time.Month {
	words := map[string]time.Month{"sept": time.September}
	for m := time.January; m <= time.December; m++ {
		name := strings.ToLower(m.String())
		words[name] = m
		words[name[:3]] = m
	}
	return words
}()

// ParseMonth finds a month name in title, full or abbreviated, with an
// optional four-digit year. Without a year the most recent occurrence of that
// month not after now is assumed.
func ParseMonth(title string, now time.Time) (YearMonth, bool) {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var (
		month time.Month
		year  int
	)
	for _, f := range fields {
		if m, ok := monthWords[f]; ok && month == 0 {
			month = m
			continue
		}
		if len(f) == 4 {
			if y, err := strconv.Atoi(f); err == nil && y >= 1900 && y < 3000 && year == 0 {
				year = y
			}
		}
	}
	if month == 0 {
		return YearMonth{}, false
	}
	if year == 0 {
		year = now.Year()
		if month > now.Month() {
			year--
		}
	}
	return YearMonth{Year: year, Month: month}, true
}

// CurrentMonth picks the default display tab: the tab naming the latest month
// that is not in the future, else the lowest-index tab.
func CurrentMonth(tabs []source.TabInfo, now time.Time) (source.TabInfo, bool) {
	if len(tabs) == 0 {
		return source.TabInfo{}, false
	}
	var (
		best      source.TabInfo
		bestMonth YearMonth
		found     bool
	)
	for _, tab := range tabs {
		ym, ok := ParseMonth(tab.Title, now)
		if !ok || ym.monthsBefore(now) < 0 {
			continue
		}
		if !found || ym.index() > bestMonth.index() || (ym.index() == bestMonth.index() && tab.Index < best.Index) {
			best, bestMonth, found = tab, ym, true
		}
	}
	if found {
		return best, true
	}
	first := tabs[0]
	for _, tab := range tabs[1:] {
		if tab.Index < first.Index {
			first = tab
		}
	}
	return first, true
}
