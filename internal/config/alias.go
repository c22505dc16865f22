package config

import (
	"fmt"
	"regexp"
	"strings"
)

// spreadsheetAliases lists the unprefixed variable names accepted for the
// spreadsheet id, highest precedence first.
var spreadsheetAliases = []string{"SPREADSHEET_ID", "Spreadsheet_ID", "SHEET_ID"}

var spreadsheetURL = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)

// NormalizeSpreadsheetID strips whitespace and surrounding quotes and reduces a
// full spreadsheet URL to its id.
func NormalizeSpreadsheetID(raw string) string {
	id := unquote(raw)
	if !strings.Contains(id, "/") {
		return id
	}
	if m := spreadsheetURL.FindStringSubmatch(id); m != nil {
		return m[1]
	}
	return id
}

func unquote(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// aliasOverrides maps the legacy unprefixed variables onto config keys. The
// returned notices describe aliases that disagreed with the one that won.
func aliasOverrides(lookup func(string) (string, bool)) (map[string]any, []string) {
	out := map[string]any{}
	var notices []string

	winner, winnerID := "", ""
	for _, name := range spreadsheetAliases {
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		id := NormalizeSpreadsheetID(raw)
		if id == "" {
			continue
		}
		if winner == "" {
			winner, winnerID = name, id
			continue
		}
		if id != winnerID {
			notices = append(notices, fmt.Sprintf("%s=%q ignored, %s=%q takes precedence", name, id, winner, winnerID))
		}
	}
	if winner != "" {
		out["source.spreadsheetId"] = winnerID
	}
	if raw, ok := lookup("REFRESH_SECS"); ok && unquote(raw) != "" {
		out["refresh.intervalSeconds"] = unquote(raw)
	}
	if raw, ok := lookup("GOOGLE_APPLICATION_CREDENTIALS"); ok && unquote(raw) != "" {
		out["source.credentialsFile"] = unquote(raw)
	}
	return out, notices
}
