package logging

// Generation is one model call.
type Generation struct {
	base
	parentID string
	provider string
	model    string
}

// ParentID returns the id of the trace or span holding the generation
func (g *Generation) ParentID() string { return g.parentID }

// Provider returns the provider recorded at creation
func (g *Generation) Provider() string { return g.provider }

// Model returns the model recorded at creation
func (g *Generation) Model() string { return g.model }

// SetModel changes the model
func (g *Generation) SetModel(model string) {
	g.model = model
	g.commit(ActionSetModel, map[string]any{"model": model})
}

// AddMessages appends prompt messages
func (g *Generation) AddMessages(messages []CompletionRequest) {
	if len(messages) == 0 {
		return
	}
	g.commit(ActionAddMessages, map[string]any{"messages": messages})
}

// SetModelParameters records sampling parameters
func (g *Generation) SetModelParameters(params map[string]any) {
	g.commit(ActionSetParameters, map[string]any{"modelParameters": params})
}

// SetResult records the model output and ends the generation.
// It is ignored once the generation has ended.
func (g *Generation) SetResult(result GenerationResult) {
	if g.Ended() {
		return
	}
	g.commit(ActionResult, map[string]any{"result": result})
	g.end()
}

// SetError records a failed call and ends the generation.
// It is ignored once the generation has ended.
func (g *Generation) SetError(err GenerationError) {
	if g.Ended() {
		return
	}
	g.commit(ActionError, map[string]any{"error": err})
	g.end()
}

// Retrieval is a document lookup.
type Retrieval struct {
	base
}

// SetInput records the query
func (r *Retrieval) SetInput(query string) {
	r.commit(ActionSetInput, map[string]any{"input": query})
}

// SetOutput records the retrieved documents and ends the retrieval
func (r *Retrieval) SetOutput(docs []string) {
	if r.Ended() {
		return
	}
	r.commit(ActionSetOutput, map[string]any{"docs": docs})
	r.end()
}

// ToolCall is one tool execution requested by a model.
type ToolCall struct {
	base
}

// SetResult records the tool output and ends the call
func (t *ToolCall) SetResult(result string) {
	if t.Ended() {
		return
	}
	t.commit(ActionResult, map[string]any{"result": result})
	t.end()
}

// SetError records a failed execution and ends the call
func (t *ToolCall) SetError(err ToolCallError) {
	if t.Ended() {
		return
	}
	t.commit(ActionError, map[string]any{"error": err})
	t.end()
}
