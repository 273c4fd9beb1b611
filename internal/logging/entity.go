package logging

import (
	"sync/atomic"
	"time"
)

// base carries the identity shared by every entity
type base struct {
	logger *Logger
	kind   Entity
	id     string
	ended  atomic.Bool
}

// ID returns the entity id
func (b *base) ID() string { return b.id }

// Ended reports whether End has run
func (b *base) Ended() bool { return b.ended.Load() }

// AddTag attaches a key/value tag
func (b *base) AddTag(key, value string) {
	b.commit(ActionAddTag, map[string]any{"key": key, "value": value})
}

// AddMetadata merges metadata into the entity
func (b *base) AddMetadata(metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	b.commit(ActionAddMetadata, map[string]any{"metadata": metadata})
}

// End closes the entity. Calling it again has no effect.
func (b *base) End() {
	b.end()
}

func (b *base) end() bool {
	if !b.ended.CompareAndSwap(false, true) {
		return false
	}
	b.commit(ActionEnd, map[string]any{"endTimestamp": time.Now().UTC()})
	return true
}

func (b *base) commit(action string, data map[string]any) {
	b.logger.commit(b.kind, b.id, action, data)
}

// Container is an entity that holds spans, generations, retrievals, tool calls and events.
// Both *Trace and *Span satisfy it.
type Container interface {
	ID() string
	AddSpan(SpanConfig) *Span
	AddGeneration(GenerationConfig) *Generation
	AddRetrieval(RetrievalConfig) *Retrieval
	AddToolCall(ToolCallConfig) *ToolCall
	AddEvent(EventConfig) string
	AddTag(key, value string)
	AddMetadata(map[string]any)
	End()
}

type container struct {
	base
}

// AddSpan starts a child span
func (c *container) AddSpan(cfg SpanConfig) *Span {
	id := c.logger.claim(EntitySpan, cfg.ID)
	c.commit(ActionAddSpan, map[string]any{
		"id":   id,
		"name": cfg.Name,
		"tags": cfg.Tags,
	})
	return &Span{
		container: container{base{logger: c.logger, kind: EntitySpan, id: id}},
		parentID:  c.id,
	}
}

// AddGeneration starts a model call
func (c *container) AddGeneration(cfg GenerationConfig) *Generation {
	c.logger.check("generation", cfg)
	id := c.logger.claim(EntityGeneration, cfg.ID)
	c.commit(ActionAddGeneration, map[string]any{
		"id":              id,
		"name":            cfg.Name,
		"provider":        cfg.Provider,
		"model":           cfg.Model,
		"messages":        cfg.Messages,
		"modelParameters": cfg.ModelParameters,
		"tags":            cfg.Tags,
	})
	return &Generation{
		base:     base{logger: c.logger, kind: EntityGeneration, id: id},
		parentID: c.id,
		model:    cfg.Model,
		provider: cfg.Provider,
	}
}

// AddRetrieval starts a retrieval
func (c *container) AddRetrieval(cfg RetrievalConfig) *Retrieval {
	id := c.logger.claim(EntityRetrieval, cfg.ID)
	c.commit(ActionAddRetrieval, map[string]any{
		"id":   id,
		"name": cfg.Name,
		"tags": cfg.Tags,
	})
	return &Retrieval{base: base{logger: c.logger, kind: EntityRetrieval, id: id}}
}

// AddToolCall starts a tool call
func (c *container) AddToolCall(cfg ToolCallConfig) *ToolCall {
	c.logger.check("tool call", cfg)
	id := c.logger.claim(EntityToolCall, cfg.ID)
	c.commit(ActionAddToolCall, map[string]any{
		"id":          id,
		"name":        cfg.Name,
		"description": cfg.Description,
		"args":        cfg.Args,
		"tags":        cfg.Tags,
	})
	return &ToolCall{base: base{logger: c.logger, kind: EntityToolCall, id: id}}
}

// AddEvent records a point-in-time event and returns its id
func (c *container) AddEvent(cfg EventConfig) string {
	c.logger.check("event", cfg)
	id := c.logger.claim(EntityEvent, cfg.ID)
	c.commit(ActionAddEvent, map[string]any{
		"id":       id,
		"name":     cfg.Name,
		"tags":     cfg.Tags,
		"metadata": cfg.Metadata,
	})
	return id
}
