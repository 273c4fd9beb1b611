package logging

import (
	"encoding/json"
	"time"
)

// Entity names the kind of object a commit line mutates
type Entity string

const (
	EntitySession    Entity = "session"
	EntityTrace      Entity = "trace"
	EntitySpan       Entity = "span"
	EntityGeneration Entity = "generation"
	EntityRetrieval  Entity = "retrieval"
	EntityToolCall   Entity = "tool_call"
	EntityEvent      Entity = "event"
)

// Actions written by entity operations
const (
	ActionCreate        = "create"
	ActionEnd           = "end"
	ActionAddTag        = "add-tag"
	ActionAddMetadata   = "add-metadata"
	ActionFeedback      = "add-feedback"
	ActionAddTrace      = "add-trace"
	ActionAddSpan       = "add-span"
	ActionAddGeneration = "add-generation"
	ActionAddRetrieval  = "add-retrieval"
	ActionAddToolCall   = "add-tool-call"
	ActionAddEvent      = "add-event"
	ActionSetInput      = "set-input"
	ActionSetOutput     = "set-output"
	ActionSetModel      = "set-model"
	ActionAddMessages   = "add-messages"
	ActionSetParameters = "set-model-parameters"
	ActionResult        = "result"
	ActionError         = "error"
)

// CommitLog is one mutation of one entity, serialized as a single JSON line
type CommitLog struct {
	Entity    Entity         `json:"entity"`
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Line returns the wire form of the commit
func (c CommitLog) Line() ([]byte, error) {
	return json.Marshal(c)
}
