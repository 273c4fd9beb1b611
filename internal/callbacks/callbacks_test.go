package callbacks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
)

type recorder struct {
	Base
	name   string
	events *[]string
}

func (r recorder) OnChainStart(_ context.Context, run Run, _ map[string]any) {
	*r.events = append(*r.events, r.name+":chain-start:"+run.Name)
}

func (r recorder) OnLLMError(_ context.Context, run Run, err error) {
	*r.events = append(*r.events, r.name+":llm-error:"+err.Error())
}

func TestMultiFansOutInOrder(t *testing.T) {
	var events []string
	m := Multi{recorder{name: "a", events: &events}, recorder{name: "b", events: &events}}
	ctx := context.Background()

	m.OnChainStart(ctx, Run{Name: "pipe"}, nil)
	m.OnLLMError(ctx, Run{}, errors.New("boom"))
	m.OnLLMStart(ctx, Run{}, llm.Request{})

	assert.Equal(t, []string{
		"a:chain-start:pipe", "b:chain-start:pipe",
		"a:llm-error:boom", "b:llm-error:boom",
	}, events)
}

func TestResolve(t *testing.T) {
	var events []string
	ctx := context.Background()
	assert.Nil(t, Resolve(ctx))
	assert.Nil(t, Resolve(ctx, nil))

	own := recorder{name: "own", events: &events}
	assert.Equal(t, Handler(own), Resolve(ctx, own))

	ctx = WithHandlers(ctx, recorder{name: "ctx", events: &events})
	h := Resolve(ctx, own)
	require.NotNil(t, h)
	h.OnChainStart(ctx, Run{Name: "x"}, nil)
	assert.Equal(t, []string{"ctx:chain-start:x", "own:chain-start:x"}, events)

	events = nil
	h = Resolve(WithHandlers(context.Background(), own), own)
	h.OnChainStart(ctx, Run{Name: "y"}, nil)
	assert.Equal(t, []string{"own:chain-start:y"}, events, "a handler attached twice is notified once")
}

func TestNewRunUsesParent(t *testing.T) {
	ctx := WithParent(context.Background(), "root")
	run := NewRun(ctx, "node", KindNode, map[string]any{"k": 1})

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "root", run.ParentID)
	assert.Equal(t, KindNode, run.Kind)
	assert.Equal(t, "", ParentFromContext(context.Background()))
}
