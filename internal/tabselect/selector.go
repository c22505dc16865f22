// Package tabselect decides which tabs of a spreadsheet are tracked.
package tabselect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/l0p7/sheetsync/internal/source"
)

// Selector evaluates a boolean CEL expression against each discovered tab.
//
// Variables: title (string), index (int), month (int, 0 when the title names
// no month), year (int, 0 when unknown), isCurrentMonth (bool) and monthsAgo
// (int, -1 when the title names no month).
type Selector struct {
	source  string
	program cel.Program
}

// Compile builds a selector. A blank expression yields nil, which selects every tab.
func Compile(expression string) (*Selector, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("title", cel.StringType),
		cel.Variable("index", cel.IntType),
		cel.Variable("month", cel.IntType),
		cel.Variable("year", cel.IntType),
		cel.Variable("isCurrentMonth", cel.BoolType),
		cel.Variable("monthsAgo", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("tabselect: build environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("tabselect: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("tabselect: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("tabselect: program %q: %w", expr, err)
	}
	return &Selector{source: expr, program: program}, nil
}

// Source returns the expression for logging.
func (s *Selector) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Select keeps the tabs for which the expression is true, in index order.
func (s *Selector) Select(tabs []source.TabInfo, now time.Time) ([]source.TabInfo, error) {
	ordered := append([]source.TabInfo(nil), tabs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	if s == nil {
		return ordered, nil
	}
	out := make([]source.TabInfo, 0, len(ordered))
	for _, tab := range ordered {
		ok, err := s.match(tab, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, tab)
		}
	}
	return out, nil
}

func (s *Selector) match(tab source.TabInfo, now time.Time) (bool, error) {
	vars := map[string]any{
		"title":          tab.Title,
		"index":          int64(tab.Index),
		"month":          int64(0),
		"year":           int64(0),
		"isCurrentMonth": false,
		"monthsAgo":      int64(-1),
	}
	if ym, ok := ParseMonth(tab.Title, now); ok {
		vars["month"] = int64(ym.Month)
		vars["year"] = int64(ym.Year)
		ago := ym.monthsBefore(now)
		vars["isCurrentMonth"] = ago == 0
		vars["monthsAgo"] = int64(ago)
	}
	val, _, err := s.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("tabselect: eval %q for tab %q: %w", s.source, tab.Title, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("tabselect: %q yielded non-bool result %T for tab %q", s.source, val.Value(), tab.Title)
}
