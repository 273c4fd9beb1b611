package testrun

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/validator"
)

// DefaultConcurrency is the number of entries processed in parallel
const DefaultConcurrency = 10

// Data is a test run data source: DatasetID, Rows or DataFunc
type Data interface {
	fetch(ctx context.Context, p Platform, page int) ([]Row, bool, error)
}

// DatasetID selects a dataset hosted on the platform
type DatasetID string

func (d DatasetID) fetch(ctx context.Context, p Platform, page int) ([]Row, bool, error) {
	return p.DatasetEntries(ctx, string(d), page)
}

// Rows is local data delivered as a single page
type Rows []Row

func (r Rows) fetch(_ context.Context, _ Platform, page int) ([]Row, bool, error) {
	if page > 0 {
		return nil, false, nil
	}
	return r, true, nil
}

func (f DataFunc) fetch(_ context.Context, _ Platform, page int) ([]Row, bool, error) {
	rows, ok := f(page)
	return rows, ok, nil
}

// Builder configures a test run. Methods return the builder for chaining;
// Run validates the configuration.
type Builder struct {
	name            string
	workspaceID     string
	concurrency     int
	workflowID      string
	promptVersionID string
	outputFn        OutputFunc
	structure       DataStructure
	data            Data
	evaluators      []Evaluator
	timeout         time.Duration
	platform        Platform
	logger          TestRunLogger
	log             *zap.Logger
}

// New starts a test run builder. platform may be nil for fully local runs.
func New(name, workspaceID string, platform Platform, log *zap.Logger) *Builder {
	return &Builder{
		name:        name,
		workspaceID: workspaceID,
		concurrency: DefaultConcurrency,
		platform:    platform,
		log:         log,
	}
}

func (b *Builder) WithDataStructure(ds DataStructure) *Builder {
	b.structure = ds
	return b
}

// WithData sets the data source
func (b *Builder) WithData(data Data) *Builder {
	b.data = data
	return b
}

// WithWorkflowID produces outputs by running a platform workflow
func (b *Builder) WithWorkflowID(id string) *Builder {
	b.workflowID = id
	return b
}

// WithPromptVersionID produces outputs by running a platform prompt version
func (b *Builder) WithPromptVersionID(id string) *Builder {
	b.promptVersionID = id
	return b
}

// YieldsOutput produces outputs locally
func (b *Builder) YieldsOutput(fn OutputFunc) *Builder {
	b.outputFn = fn
	return b
}

func (b *Builder) WithEvaluators(evals ...Evaluator) *Builder {
	b.evaluators = append(b.evaluators, evals...)
	return b
}

// WithPlatformEvaluators adds evaluators configured in the workspace by name
func (b *Builder) WithPlatformEvaluators(names ...string) *Builder {
	for _, name := range names {
		b.evaluators = append(b.evaluators, PlatformEvaluator(name))
	}
	return b
}

func (b *Builder) WithConcurrency(n int) *Builder {
	b.concurrency = n
	return b
}

func (b *Builder) WithLogger(l TestRunLogger) *Builder {
	b.logger = l
	return b
}

// WithTimeout bounds the whole run
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

func (b *Builder) validate() error {
	if err := validator.Var("name", b.name, "required"); err != nil {
		return apperrors.Validation(err.Error())
	}
	if err := validator.Var("concurrency", b.concurrency, "min=1"); err != nil {
		return apperrors.Validation(err.Error())
	}
	if b.structure == nil {
		return apperrors.Validation("data structure is required")
	}
	if err := b.structure.Validate(); err != nil {
		return err
	}
	if b.data == nil {
		return apperrors.Validation("data is required")
	}

	sources := 0
	for _, set := range []bool{b.workflowID != "", b.promptVersionID != "", b.outputFn != nil} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return apperrors.Validation("exactly one of workflow id, prompt version id or output function is required")
	}

	if b.platform == nil {
		if _, hosted := b.data.(DatasetID); hosted {
			return apperrors.Validation("a hosted dataset needs a platform client")
		}
		if b.workflowID != "" || b.promptVersionID != "" {
			return apperrors.Validation("workflows and prompt versions need a platform client")
		}
	} else if b.workspaceID == "" {
		return apperrors.Validation("workspace id is required")
	}

	seen := map[string]bool{}
	for _, ev := range b.evaluators {
		for _, name := range ev.Names() {
			if seen[name] {
				return apperrors.Validation(fmt.Sprintf("evaluator %q is added more than once", name))
			}
			seen[name] = true
			if ev.Platform() {
				if b.platform == nil {
					return apperrors.Validation(fmt.Sprintf("platform evaluator %q needs a platform client", name))
				}
				continue
			}
			if _, ok := ev.Criteria(name); !ok {
				return apperrors.Validation(fmt.Sprintf("evaluator %q has no pass/fail criteria", name))
			}
		}
	}
	return nil
}

func (b *Builder) createRequest() CreateRequest {
	req := CreateRequest{
		Name:            b.name,
		WorkspaceID:     b.workspaceID,
		WorkflowID:      b.workflowID,
		PromptVersionID: b.promptVersionID,
		DataStructure:   b.structure,
		Concurrency:     b.concurrency,
	}
	if id, ok := b.data.(DatasetID); ok {
		req.DatasetID = string(id)
	}
	for _, ev := range b.evaluators {
		if ev.Platform() {
			req.PlatformEvaluators = append(req.PlatformEvaluators, ev.Names()...)
		} else {
			req.LocalEvaluators = append(req.LocalEvaluators, ev.Names()...)
		}
	}
	return req
}
