package maxim

import (
	"fmt"
	"sort"
	"strings"
)

// Operator combines the conditions of a query rule
type Operator string

const (
	And Operator = "AND"
	Or  Operator = "OR"
)

type conditionKind string

const (
	deploymentVar conditionKind = "deploymentVar"
	tagCondition  conditionKind = "tag"
)

// Condition is one clause of a query rule
type Condition struct {
	kind  conditionKind
	Key   string
	Value string
	// Enforce requires the version to carry the key with this value.
	// Unenforced conditions only reject versions that carry a different value.
	Enforce bool
}

// QueryRule selects a prompt version by its deployment variables and tags
type QueryRule struct {
	Operator   Operator
	Conditions []Condition
	// ExactMatch requires the version's deployment variables to be exactly the rule's.
	ExactMatch bool
	Folder     string
}

// String renders the rule deterministically; it is used as the cache key.
func (q QueryRule) String() string {
	parts := make([]string, 0, len(q.Conditions))
	for _, c := range q.Conditions {
		enforce := ""
		if c.Enforce {
			enforce = "!"
		}
		parts = append(parts, fmt.Sprintf("%s:%s=%s%s", c.kind, c.Key, c.Value, enforce))
	}
	sort.Strings(parts)
	op := q.Operator
	if op == "" {
		op = And
	}
	return fmt.Sprintf("%s[%s]exact=%t,folder=%s", op, strings.Join(parts, ","), q.ExactMatch, q.Folder)
}

// QueryBuilder builds a QueryRule
//
//	rule := maxim.NewQueryBuilder().And().
//	    DeploymentVar("env", "prod").
//	    DeploymentVar("tenant-id", "123", false).
//	    Build()
type QueryBuilder struct {
	rule QueryRule
}

func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{rule: QueryRule{Operator: And}}
}

func (b *QueryBuilder) And() *QueryBuilder {
	b.rule.Operator = And
	return b
}

func (b *QueryBuilder) Or() *QueryBuilder {
	b.rule.Operator = Or
	return b
}

// DeploymentVar matches a deployment variable. It is enforced unless enforce is false.
func (b *QueryBuilder) DeploymentVar(key, value string, enforce ...bool) *QueryBuilder {
	b.rule.Conditions = append(b.rule.Conditions, Condition{
		kind:    deploymentVar,
		Key:     key,
		Value:   value,
		Enforce: len(enforce) == 0 || enforce[0],
	})
	return b
}

// Tag matches a version tag. Tags are never enforced.
func (b *QueryBuilder) Tag(key, value string) *QueryBuilder {
	b.rule.Conditions = append(b.rule.Conditions, Condition{kind: tagCondition, Key: key, Value: value})
	return b
}

func (b *QueryBuilder) Folder(id string) *QueryBuilder {
	b.rule.Folder = id
	return b
}

func (b *QueryBuilder) ExactMatch() *QueryBuilder {
	b.rule.ExactMatch = true
	return b
}

func (b *QueryBuilder) Build() QueryRule {
	rule := b.rule
	rule.Conditions = append([]Condition(nil), b.rule.Conditions...)
	return rule
}

// score reports whether v satisfies the rule and how many conditions it matched
func (q QueryRule) score(v PromptVersion) (int, bool) {
	matched, matchedVars, vars, conflicts := 0, 0, 0, 0
	for _, c := range q.Conditions {
		values := v.Deployment
		if c.kind == tagCondition {
			values = v.Tags
		} else {
			vars++
		}
		got, ok := values[c.Key]
		switch {
		case ok && got == c.Value:
			matched++
			if c.kind == deploymentVar {
				matchedVars++
			}
		case c.Enforce:
			return 0, false
		case ok:
			conflicts++
		}
	}

	if q.ExactMatch && (matchedVars != vars || len(v.Deployment) != vars) {
		return 0, false
	}

	if q.Operator == Or {
		return matched, matched > 0 || len(q.Conditions) == 0
	}
	return matched, conflicts == 0
}
