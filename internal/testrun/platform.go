package testrun

import "context"

// Platform is the evaluation backend a test run reports to. The maxim
// client implements it.
type Platform interface {
	CreateTestRun(ctx context.Context, req CreateRequest) (RunInfo, error)
	// DatasetEntries returns a zero-based page of a hosted dataset and false once it is exhausted
	DatasetEntries(ctx context.Context, datasetID string, page int) ([]Row, bool, error)
	ExecuteWorkflow(ctx context.Context, workflowID string, entry Entry) (Output, error)
	ExecutePromptVersion(ctx context.Context, promptVersionID string, entry Entry) (Output, error)
	PushEntry(ctx context.Context, testRunID string, result EntryResult) error
	CompleteTestRun(ctx context.Context, testRunID string) error
}

// CreateRequest describes a test run to the platform
type CreateRequest struct {
	Name               string        `json:"name"`
	WorkspaceID        string        `json:"workspaceId"`
	WorkflowID         string        `json:"workflowId,omitempty"`
	PromptVersionID    string        `json:"promptVersionId,omitempty"`
	DatasetID          string        `json:"datasetId,omitempty"`
	DataStructure      DataStructure `json:"dataStructure,omitempty"`
	PlatformEvaluators []string      `json:"evaluatorConfig,omitempty"`
	LocalEvaluators    []string      `json:"localEvaluators,omitempty"`
	Concurrency        int           `json:"concurrency"`
}

// RunInfo identifies a created test run
type RunInfo struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

// EntryResult is one processed entry with its local evaluation results
type EntryResult struct {
	Index          int                `json:"index"`
	Input          string             `json:"input"`
	ExpectedOutput string             `json:"expectedOutput,omitempty"`
	Context        []string           `json:"contextToEvaluate,omitempty"`
	Variables      map[string]string  `json:"variables,omitempty"`
	Output         string             `json:"output"`
	Meta           map[string]any     `json:"meta,omitempty"`
	Evaluations    []EvaluationResult `json:"localEvaluationResults,omitempty"`
}

// EvaluationResult is one evaluator score for one entry
type EvaluationResult struct {
	Name   string `json:"name"`
	Score  Score  `json:"result"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}
