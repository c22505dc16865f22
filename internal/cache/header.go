package cache

import (
	"strings"

	"github.com/l0p7/sheetsync/internal/source"
)

// IsHeaderRow reports whether every cell is non-empty after trimming spaces
// and no two trimmed cells are equal.
func IsHeaderRow(row []string) bool {
	if len(row) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(row))
	for _, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			return false
		}
		if _, dup := seen[name]; dup {
			return false
		}
		seen[name] = struct{}{}
	}
	return true
}

// Pad widens every row to the widest row with empty cells. The input is not modified.
func Pad(grid source.Grid) source.Grid {
	width := grid.Width()
	out := make(source.Grid, len(grid))
	for i, row := range grid {
		padded := make([]string, width)
		copy(padded, row)
		out[i] = padded
	}
	return out
}

// DetectHeader pads the grid and splits off the first row when it qualifies as
// a header. Otherwise header is nil and rows is the full padded grid.
func DetectHeader(grid source.Grid) (header []string, rows source.Grid) {
	padded := Pad(grid)
	if len(padded) == 0 || !IsHeaderRow(padded[0]) {
		return nil, padded
	}
	return padded[0], padded[1:]
}
