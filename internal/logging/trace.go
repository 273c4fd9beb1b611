package logging

// Session groups traces of one conversation.
type Session struct {
	base
}

// AddTrace starts a trace inside the session
func (s *Session) AddTrace(cfg TraceConfig) *Trace {
	cfg.SessionID = s.id
	id := s.logger.claim(EntityTrace, cfg.ID)
	s.commit(ActionAddTrace, map[string]any{
		"id":    id,
		"name":  cfg.Name,
		"tags":  cfg.Tags,
		"input": cfg.Input,
	})
	return &Trace{
		container: container{base{logger: s.logger, kind: EntityTrace, id: id}},
		sessionID: s.id,
	}
}

// SetFeedback rates the session
func (s *Session) SetFeedback(f Feedback) {
	s.logger.check("feedback", f)
	s.commit(ActionFeedback, map[string]any{"feedback": f})
}

// Trace is one request/response cycle.
type Trace struct {
	container
	sessionID string
}

// SessionID returns the owning session id, empty for standalone traces
func (t *Trace) SessionID() string {
	return t.sessionID
}

// SetInput records the user input that started the trace
func (t *Trace) SetInput(input string) {
	t.commit(ActionSetInput, map[string]any{"input": input})
}

// SetOutput records the final answer
func (t *Trace) SetOutput(output string) {
	t.commit(ActionSetOutput, map[string]any{"output": output})
}

// SetFeedback rates the trace
func (t *Trace) SetFeedback(f Feedback) {
	t.logger.check("feedback", f)
	t.commit(ActionFeedback, map[string]any{"feedback": f})
}

// Span is a unit of work inside a trace or another span.
type Span struct {
	container
	parentID string
}

// ParentID returns the id of the trace or span the span was added to
func (s *Span) ParentID() string {
	return s.parentID
}
