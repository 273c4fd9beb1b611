package maxim

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/whoshyam/maxim-cookbooks/internal/testrun"
)

// DatasetPageSize is the number of rows fetched per dataset page
const DatasetPageSize = 100

type datasetPage struct {
	Entries []testrun.Row `json:"entries"`
}

// GetDatasetEntries returns a zero-based page of dataset rows. It returns
// false once the page is past the end of the dataset.
func (c *Client) GetDatasetEntries(ctx context.Context, datasetID string, page int) ([]testrun.Row, bool, error) {
	q := url.Values{
		"datasetId": {datasetID},
		"page":      {strconv.Itoa(page)},
		"pageSize":  {strconv.Itoa(DatasetPageSize)},
	}
	var out datasetPage
	if err := c.get(ctx, "/api/sdk/v2/datasets/entries", q, &out); err != nil {
		return nil, false, fmt.Errorf("get dataset %s page %d: %w", datasetID, page, err)
	}
	if len(out.Entries) == 0 {
		return nil, false, nil
	}
	return out.Entries, true, nil
}

// platform adapts the client to testrun.Platform
type platform struct {
	c *Client
}

var _ testrun.Platform = platform{}

func (p platform) CreateTestRun(ctx context.Context, req testrun.CreateRequest) (testrun.RunInfo, error) {
	var out testrun.RunInfo
	if err := p.c.post(ctx, "/api/sdk/v2/test-run/create", req, &out); err != nil {
		return out, err
	}
	if out.Link == "" {
		out.Link = fmt.Sprintf("%s/workspace/%s/testrun/%s", p.c.baseURL, req.WorkspaceID, out.ID)
	}
	return out, nil
}

func (p platform) DatasetEntries(ctx context.Context, datasetID string, page int) ([]testrun.Row, bool, error) {
	return p.c.GetDatasetEntries(ctx, datasetID, page)
}

type executeRequest struct {
	WorkflowID      string            `json:"workflowId,omitempty"`
	PromptVersionID string            `json:"promptVersionId,omitempty"`
	Input           string            `json:"input"`
	ExpectedOutput  string            `json:"expectedOutput,omitempty"`
	Context         []string          `json:"contextToEvaluate,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
}

type executeResponse struct {
	Output            string         `json:"output"`
	ContextToEvaluate []string       `json:"contextToEvaluate"`
	Meta              map[string]any `json:"meta"`
}

func (p platform) execute(ctx context.Context, path string, req executeRequest) (testrun.Output, error) {
	var out executeResponse
	if err := p.c.post(ctx, path, req, &out); err != nil {
		return testrun.Output{}, err
	}
	return testrun.Output{Data: out.Output, RetrievedContext: out.ContextToEvaluate, Meta: out.Meta}, nil
}

func (p platform) ExecuteWorkflow(ctx context.Context, workflowID string, e testrun.Entry) (testrun.Output, error) {
	return p.execute(ctx, "/api/sdk/v1/test-run/execute/workflow", executeRequest{
		WorkflowID:     workflowID,
		Input:          e.Input,
		ExpectedOutput: e.ExpectedOutput,
		Context:        e.Context,
		Variables:      e.Variables,
	})
}

func (p platform) ExecutePromptVersion(ctx context.Context, promptVersionID string, e testrun.Entry) (testrun.Output, error) {
	return p.execute(ctx, "/api/sdk/v1/test-run/execute/prompt", executeRequest{
		PromptVersionID: promptVersionID,
		Input:           e.Input,
		ExpectedOutput:  e.ExpectedOutput,
		Context:         e.Context,
		Variables:       e.Variables,
	})
}

func (p platform) PushEntry(ctx context.Context, testRunID string, result testrun.EntryResult) error {
	body := struct {
		TestRunID string              `json:"testRunId"`
		Entry     testrun.EntryResult `json:"entry"`
	}{testRunID, result}
	return p.c.post(ctx, "/api/sdk/v1/test-run/entries/push", body, nil)
}

func (p platform) CompleteTestRun(ctx context.Context, testRunID string) error {
	body := map[string]string{"testRunId": testRunID}
	return p.c.post(ctx, "/api/sdk/v1/test-run/mark-complete", body, nil)
}
