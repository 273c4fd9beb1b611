// Package support is the LangCorp customer support agent: a frontline node
// routes to billing or technical specialists, and refunds wait for a human
// to authorize them.
package support

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/graph"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

// Node names
const (
	NodeInitial   = "initial_support"
	NodeBilling   = "billing_support"
	NodeTechnical = "technical_support"
	NodeRefund    = "handle_refund"
)

// Routing decisions
const (
	RouteBilling   = "BILLING"
	RouteTechnical = "TECHNICAL"
	RouteRefund    = "REFUND"
	RouteRespond   = "RESPOND"
)

// State is the support conversation
type State struct {
	Messages           []llm.Message `json:"messages"`
	NextRepresentative string        `json:"nextRepresentative,omitempty"`
	RefundAuthorized   bool          `json:"refundAuthorized,omitempty"`
}

// Merge appends messages and takes any routing or authorization the update sets
func Merge(state, update State) State {
	state.Messages = append(append([]llm.Message(nil), state.Messages...), update.Messages...)
	if update.NextRepresentative != "" {
		state.NextRepresentative = update.NextRepresentative
	}
	if update.RefundAuthorized {
		state.RefundAuthorized = true
	}
	return state
}

// Ask starts a turn with a user message
func Ask(question string) State {
	return State{Messages: []llm.Message{llm.User(question)}}
}

// Authorize is the resume update that approves a pending refund
func Authorize() *State {
	return &State{RefundAuthorized: true}
}

type routing struct {
	NextRepresentative string `json:"nextRepresentative" jsonschema:"the team to route to"`
}

// Agent owns the models and prompts behind the graph nodes
type Agent struct {
	chat     *chain.ChatModel
	classify *chain.ChatModel
	parser   *chain.JSONOutputParser[routing]
	prompts  Prompts
	log      *zap.Logger
}

// NewAgent builds the agent. Routing calls ask model for JSON output.
func NewAgent(model llm.Model, opts chain.CallOptions, prompts Prompts, log *zap.Logger) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	parser, err := chain.NewJSONOutputParser[routing]("routing")
	if err != nil {
		return nil, err
	}
	if opts.Temperature == nil {
		opts.Temperature = llm.Float(0)
	}
	chat := chain.NewChatModel(model, opts)
	return &Agent{
		chat: chat,
		classify: chat.WithResponseFormat(llm.ResponseFormat{
			Type:   "json_object",
			Name:   "routing",
			Schema: parser.ResponseFormat().Schema,
		}),
		parser:  parser,
		prompts: prompts,
		log:     log.Named("support"),
	}, nil
}

// Graph wires the nodes:
//
//	__start__ -> initial_support
//	initial_support -> billing_support | technical_support | __end__
//	billing_support -> handle_refund | __end__
//	technical_support, handle_refund -> __end__
func (a *Agent) Graph() *graph.StateGraph[State] {
	g := graph.New[State]("customer_support", Merge)
	g.AddNode(NodeInitial, a.initialSupport).
		AddNode(NodeBilling, a.billingSupport).
		AddNode(NodeTechnical, a.technicalSupport).
		AddNode(NodeRefund, a.handleRefund).
		AddEdge(graph.START, NodeInitial).
		AddConditionalEdges(NodeInitial, routeInitial, map[string]string{
			"billing":        NodeBilling,
			"technical":      NodeTechnical,
			"conversational": graph.END,
		}).
		AddEdge(NodeTechnical, graph.END).
		AddConditionalEdges(NodeBilling, routeBilling, map[string]string{
			"refund":  NodeRefund,
			graph.END: graph.END,
		}).
		AddEdge(NodeRefund, graph.END)
	return g
}

// Compile builds and compiles the graph
func (a *Agent) Compile(opts graph.CompileOptions) (*graph.Compiled[State], error) {
	return a.Graph().Compile(opts)
}

func routeInitial(_ context.Context, s State) (string, error) {
	switch {
	case strings.Contains(s.NextRepresentative, RouteBilling):
		return "billing", nil
	case strings.Contains(s.NextRepresentative, RouteTechnical):
		return "technical", nil
	default:
		return "conversational", nil
	}
}

func routeBilling(_ context.Context, s State) (string, error) {
	if strings.Contains(s.NextRepresentative, RouteRefund) {
		return "refund", nil
	}
	return graph.END, nil
}

func generation(name string) chain.Option {
	return chain.WithMetadata(map[string]any{tracer.MetaGenerationName: name})
}

func (a *Agent) initialSupport(ctx context.Context, s State) (State, error) {
	msgs := append([]llm.Message{llm.System(a.prompts.Initial.System)}, s.Messages...)
	reply, err := a.chat.Invoke(ctx, msgs, generation("initial_support"))
	if err != nil {
		return State{}, err
	}

	classify := append([]llm.Message{llm.System(a.prompts.Initial.CategorizeSystem)}, s.Messages...)
	classify = append(classify, llm.User(a.prompts.Initial.CategorizeHuman))
	next, err := a.categorize(ctx, classify, "initial_support_routing")
	if err != nil {
		return State{}, err
	}
	return State{Messages: []llm.Message{reply}, NextRepresentative: next}, nil
}

func (a *Agent) billingSupport(ctx context.Context, s State) (State, error) {
	msgs := append([]llm.Message{llm.System(a.prompts.Billing.System)}, trimTrailingAI(s.Messages)...)
	reply, err := a.chat.Invoke(ctx, msgs, generation("billing_support"))
	if err != nil {
		return State{}, err
	}

	human, err := a.prompts.billingCategorize.Format(chain.Values{"text": reply.Content})
	if err != nil {
		return State{}, err
	}
	next, err := a.categorize(ctx, []llm.Message{
		llm.System(a.prompts.Billing.CategorizeSystem),
		llm.User(human),
	}, "billing_support_routing")
	if err != nil {
		return State{}, err
	}
	return State{Messages: []llm.Message{reply}, NextRepresentative: next}, nil
}

func (a *Agent) technicalSupport(ctx context.Context, s State) (State, error) {
	msgs := append([]llm.Message{llm.System(a.prompts.Technical.System)}, trimTrailingAI(s.Messages)...)
	reply, err := a.chat.Invoke(ctx, msgs, generation("technical_support"))
	if err != nil {
		return State{}, err
	}
	return State{Messages: []llm.Message{reply}}, nil
}

func (a *Agent) handleRefund(_ context.Context, s State) (State, error) {
	if !s.RefundAuthorized {
		a.log.Info("human authorization required for refund")
		return State{}, graph.Interrupt(a.prompts.Refund.Interrupt)
	}
	return State{Messages: []llm.Message{llm.Assistant(a.prompts.Refund.Reply)}}, nil
}

// categorize asks for a routing decision. A reply that is not the expected
// JSON is used verbatim, the routers only look for the route keywords.
func (a *Agent) categorize(ctx context.Context, msgs []llm.Message, name string) (string, error) {
	reply, err := a.classify.Invoke(ctx, msgs, generation(name))
	if err != nil {
		return "", err
	}
	out, err := a.parser.Parse(reply.Content)
	if err != nil {
		a.log.Warn("routing reply is not valid JSON", zap.String("step", name), zap.Error(err))
		return strings.ToUpper(strings.TrimSpace(reply.Content)), nil
	}
	return strings.ToUpper(out.NextRepresentative), nil
}

// trimTrailingAI drops a final assistant message so the user's question is
// the most recent turn the specialist sees
func trimTrailingAI(msgs []llm.Message) []llm.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleAssistant {
		return msgs[:n-1]
	}
	return msgs
}
