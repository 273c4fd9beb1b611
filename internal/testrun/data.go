// Package testrun runs evaluation test runs: it pulls rows from a dataset or
// local data, produces an output per row, scores outputs with evaluators and
// summarises the run against pass/fail criteria.
package testrun

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// ColumnType is the role of a dataset column
type ColumnType string

const (
	ColumnInput             ColumnType = "INPUT"
	ColumnExpectedOutput    ColumnType = "EXPECTED_OUTPUT"
	ColumnContextToEvaluate ColumnType = "CONTEXT_TO_EVALUATE"
	ColumnVariable          ColumnType = "VARIABLE"
	ColumnNullableVariable  ColumnType = "NULLABLE_VARIABLE"
)

// DataStructure maps column names to their roles
type DataStructure map[string]ColumnType

// Validate checks there is exactly one INPUT column and at most one
// EXPECTED_OUTPUT and CONTEXT_TO_EVALUATE column.
func (d DataStructure) Validate() error {
	if len(d) == 0 {
		return apperrors.Validation("data structure is empty")
	}
	counts := map[ColumnType]int{}
	for name, t := range d {
		switch t {
		case ColumnInput, ColumnExpectedOutput, ColumnContextToEvaluate, ColumnVariable, ColumnNullableVariable:
			counts[t]++
		default:
			return apperrors.Validation(fmt.Sprintf("column %q has unknown type %q", name, t))
		}
	}
	switch {
	case counts[ColumnInput] != 1:
		return apperrors.Validation(fmt.Sprintf("data structure needs exactly one INPUT column, found %d", counts[ColumnInput]))
	case counts[ColumnExpectedOutput] > 1:
		return apperrors.Validation("data structure allows at most one EXPECTED_OUTPUT column")
	case counts[ColumnContextToEvaluate] > 1:
		return apperrors.Validation("data structure allows at most one CONTEXT_TO_EVALUATE column")
	}
	return nil
}

// Row is one dataset entry keyed by column name
type Row map[string]any

// DataFunc returns the rows of a zero-based page. It returns false once the
// data is exhausted; rows returned with false are ignored.
type DataFunc func(page int) ([]Row, bool)

// Entry is a row resolved against the data structure
type Entry struct {
	Index          int
	Row            Row
	Input          string
	ExpectedOutput string
	Context        []string
	Variables      map[string]string
}

// entry resolves row against d
func (d DataStructure) entry(index int, row Row) (Entry, error) {
	e := Entry{Index: index, Row: row, Variables: map[string]string{}}
	for name, t := range d {
		v, ok := row[name]
		switch t {
		case ColumnInput:
			if !ok || v == nil {
				return e, apperrors.Validation(fmt.Sprintf("entry %d: missing input column %q", index, name))
			}
			e.Input = stringify(v)
		case ColumnExpectedOutput:
			if ok && v != nil {
				e.ExpectedOutput = stringify(v)
			}
		case ColumnContextToEvaluate:
			if ok && v != nil {
				e.Context = contextValues(v)
			}
		case ColumnVariable:
			if !ok || v == nil {
				return e, apperrors.Validation(fmt.Sprintf("entry %d: missing variable column %q", index, name))
			}
			e.Variables[name] = stringify(v)
		case ColumnNullableVariable:
			if ok && v != nil {
				e.Variables[name] = stringify(v)
			}
		}
	}
	return e, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func contextValues(v any) []string {
	switch c := v.(type) {
	case []string:
		return c
	case []any:
		out := make([]string, 0, len(c))
		for _, item := range c {
			out = append(out, stringify(item))
		}
		return out
	default:
		s := strings.TrimSpace(stringify(v))
		if s == "" {
			return nil
		}
		return []string{s}
	}
}

// Output is what the system under test produced for an entry
type Output struct {
	Data string
	// RetrievedContext overrides the dataset context for evaluation
	RetrievedContext []string
	Meta             map[string]any
}

// OutputFunc produces the output for an entry
type OutputFunc func(ctx context.Context, entry Entry) (Output, error)
