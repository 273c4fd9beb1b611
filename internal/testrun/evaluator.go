package testrun

import (
	"context"
	"fmt"
)

// Operator compares a score against a threshold
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// Aggregate selects what ForTestRunOverall compares
type Aggregate string

const (
	AggregateAverage          Aggregate = "average"
	AggregatePercentagePassed Aggregate = "percentageOfPassedResults"
)

// OnEachEntry decides whether a single score passes
type OnEachEntry struct {
	ScoreShouldBe Operator
	// Value is a bool, number or string
	Value any
}

// ForTestRunOverall decides whether the whole run passes for one evaluator
type ForTestRunOverall struct {
	OverallShouldBe Operator
	Value           float64
	For             Aggregate
}

// PassFailCriteria holds the pass/fail rules of one evaluator
type PassFailCriteria struct {
	OnEachEntry       OnEachEntry
	ForTestRunOverall ForTestRunOverall
}

// Score is one evaluator verdict. Value is a bool, number or string.
type Score struct {
	Value     any    `json:"score"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Evaluator scores outputs. Platform evaluators are run by the Maxim backend
// and have no local Evaluate behaviour.
type Evaluator interface {
	Names() []string
	Platform() bool
	Criteria(name string) (PassFailCriteria, bool)
	Evaluate(ctx context.Context, output Output, entry Entry) (map[string]Score, error)
}

type platformEvaluator struct{ name string }

// PlatformEvaluator refers to an evaluator configured in the Maxim workspace, such as "Faithfulness"
func PlatformEvaluator(name string) Evaluator { return platformEvaluator{name: name} }

func (p platformEvaluator) Names() []string                          { return []string{p.name} }
func (p platformEvaluator) Platform() bool                           { return true }
func (p platformEvaluator) Criteria(string) (PassFailCriteria, bool) { return PassFailCriteria{}, false }

func (p platformEvaluator) Evaluate(context.Context, Output, Entry) (map[string]Score, error) {
	return nil, nil
}

// EvaluateFunc scores one output
type EvaluateFunc func(ctx context.Context, output Output, entry Entry) (Score, error)

type customEvaluator struct {
	name     string
	fn       EvaluateFunc
	criteria PassFailCriteria
}

// CustomEvaluator builds a local evaluator
func CustomEvaluator(name string, fn EvaluateFunc, criteria PassFailCriteria) Evaluator {
	return &customEvaluator{name: name, fn: fn, criteria: criteria}
}

func (c *customEvaluator) Names() []string { return []string{c.name} }
func (c *customEvaluator) Platform() bool  { return false }

func (c *customEvaluator) Criteria(name string) (PassFailCriteria, bool) {
	return c.criteria, name == c.name
}

func (c *customEvaluator) Evaluate(ctx context.Context, output Output, entry Entry) (map[string]Score, error) {
	score, err := c.fn(ctx, output, entry)
	if err != nil {
		return nil, err
	}
	return map[string]Score{c.name: score}, nil
}

// CombinedEvaluateFunc scores one output for several evaluator names at once
type CombinedEvaluateFunc func(ctx context.Context, output Output, entry Entry) (map[string]Score, error)

// CombinedBuilder collects the names a combined evaluator reports
type CombinedBuilder struct {
	names []string
}

// CombinedEvaluators starts a combined evaluator reporting the given names
func CombinedEvaluators(names ...string) *CombinedBuilder {
	return &CombinedBuilder{names: names}
}

// Build finishes the evaluator. Every name needs criteria.
func (b *CombinedBuilder) Build(fn CombinedEvaluateFunc, criteria map[string]PassFailCriteria) Evaluator {
	return &combinedEvaluator{names: b.names, fn: fn, criteria: criteria}
}

type combinedEvaluator struct {
	names    []string
	fn       CombinedEvaluateFunc
	criteria map[string]PassFailCriteria
}

func (c *combinedEvaluator) Names() []string { return c.names }
func (c *combinedEvaluator) Platform() bool  { return false }

func (c *combinedEvaluator) Criteria(name string) (PassFailCriteria, bool) {
	cr, ok := c.criteria[name]
	return cr, ok
}

func (c *combinedEvaluator) Evaluate(ctx context.Context, output Output, entry Entry) (map[string]Score, error) {
	scores, err := c.fn(ctx, output, entry)
	if err != nil {
		return nil, err
	}
	for _, name := range c.names {
		if _, ok := scores[name]; !ok {
			return nil, fmt.Errorf("combined evaluator did not return a score for %q", name)
		}
	}
	return scores, nil
}

// Passes applies the per-entry criterion to a score
func (o OnEachEntry) Passes(score any) (bool, error) {
	switch want := o.Value.(type) {
	case bool:
		got, ok := score.(bool)
		if !ok {
			return false, fmt.Errorf("score %v is not a bool", score)
		}
		switch o.ScoreShouldBe {
		case OpEqual:
			return got == want, nil
		case OpNotEqual:
			return got != want, nil
		}
		return false, fmt.Errorf("operator %q cannot compare bools", o.ScoreShouldBe)
	case string:
		got, ok := score.(string)
		if !ok {
			return false, fmt.Errorf("score %v is not a string", score)
		}
		switch o.ScoreShouldBe {
		case OpEqual:
			return got == want, nil
		case OpNotEqual:
			return got != want, nil
		}
		return false, fmt.Errorf("operator %q cannot compare strings", o.ScoreShouldBe)
	}

	want, ok := toFloat(o.Value)
	if !ok {
		return false, fmt.Errorf("criterion value %v is not a bool, string or number", o.Value)
	}
	got, ok := toFloat(score)
	if !ok {
		return false, fmt.Errorf("score %v is not a number", score)
	}
	return compare(got, o.ScoreShouldBe, want)
}

func compare(got float64, op Operator, want float64) (bool, error) {
	switch op {
	case OpEqual:
		return got == want, nil
	case OpNotEqual:
		return got != want, nil
	case OpGreater:
		return got > want, nil
	case OpLess:
		return got < want, nil
	case OpGreaterEqual:
		return got >= want, nil
	case OpLessEqual:
		return got <= want, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// toFloat converts numeric scores; bools count as 1 and 0
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
