package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/cexll/agentsdk-go/pkg/tool"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/citypulse/internal/agui"
	"github.com/stellarlinkco/citypulse/internal/config"
	"github.com/stellarlinkco/citypulse/internal/logging"
)

const DefaultSystemPrompt = `You are the city pulse operations assistant for Seattle neighborhoods.
Relay packets are actionable signals (weather, fire, police, traffic) with an
origin neighborhood, targets, an impact score and a lifecycle status.
Use the relay tools to answer questions about current conditions and to move
packets through their lifecycle. Keep answers short and concrete.`

// Runtime is the part of an agentsdk-go runtime a dispatch needs.
type Runtime interface {
	RunStream(ctx context.Context, req api.Request) (<-chan api.StreamEvent, error)
	Close() error
}

// RuntimeFactory builds a runtime with the given system prompt and tools.
type RuntimeFactory func(ctx context.Context, systemPrompt string, tools []tool.Tool) (Runtime, error)

// Hooks is the bridge session registry; *agui.Sessions satisfies it.
type Hooks interface {
	ClientTools(key string) []agui.Tool
	IsClientTool(key, name string) bool
	BeforeToolCall(key, name string, params map[string]any)
	ToolResultPersisted(key string)
}

type Options struct {
	Factory      RuntimeFactory
	Toolkit      *Toolkit
	Hooks        Hooks
	SystemPrompt string
}

// Dispatcher runs AG-UI requests on agentsdk-go, one runtime per dispatch.
type Dispatcher struct {
	factory      RuntimeFactory
	toolkit      *Toolkit
	hooks        Hooks
	systemPrompt string
	log          *logrus.Entry
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		factory:      opts.Factory,
		toolkit:      opts.Toolkit,
		hooks:        opts.Hooks,
		systemPrompt: opts.SystemPrompt,
		log:          logging.For("assistant"),
	}
	if d.systemPrompt == "" {
		d.systemPrompt = DefaultSystemPrompt
	}
	return d
}

// NewRuntimeFactory returns a factory for the configured model provider
// with the built-in tools disabled.
func NewRuntimeFactory(cfg *config.Config) RuntimeFactory {
	return func(ctx context.Context, systemPrompt string, tools []tool.Tool) (Runtime, error) {
		var provider api.ModelFactory
		switch cfg.Provider.Type {
		case "openai":
			provider = &model.OpenAIProvider{
				APIKey:    cfg.Provider.APIKey,
				BaseURL:   cfg.Provider.BaseURL,
				ModelName: cfg.Bridge.Model,
				MaxTokens: cfg.Bridge.MaxTokens,
			}
		default: // "anthropic" or empty
			provider = &model.AnthropicProvider{
				APIKey:    cfg.Provider.APIKey,
				BaseURL:   cfg.Provider.BaseURL,
				ModelName: cfg.Bridge.Model,
				MaxTokens: cfg.Bridge.MaxTokens,
			}
		}

		rt, err := api.New(ctx, api.Options{
			ProjectRoot:         config.ConfigDir(),
			ModelFactory:        provider,
			SystemPrompt:        systemPrompt,
			MaxIterations:       cfg.Bridge.MaxIterations,
			EnabledBuiltinTools: []string{},
			CustomTools:         tools,
		})
		if err != nil {
			return nil, fmt.Errorf("create runtime: %w", err)
		}
		return rt, nil
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req agui.DispatchRequest, replies agui.ReplySink) error {
	if d.factory == nil {
		return errors.New("assistant: no runtime factory")
	}

	var tools []tool.Tool
	if d.toolkit != nil {
		tools = append(tools, d.toolkit.Tools()...)
	}
	if d.hooks != nil {
		tools = append(tools, clientTools(d.hooks.ClientTools(req.SessionKey))...)
	}

	prompt := d.systemPrompt
	if req.SystemPrompt != "" {
		prompt += "\n\n" + req.SystemPrompt
	}

	rt, err := d.factory(ctx, prompt, tools)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			d.log.WithError(err).Warn("close runtime")
		}
	}()

	events, err := rt.RunStream(ctx, api.Request{Prompt: req.Body, SessionID: req.SessionKey})
	if err != nil {
		return fmt.Errorf("run agent: %w", err)
	}

	st := newStreamState(req.SessionKey, d.hooks, replies)
	for ev := range events {
		if err := st.handle(ev); err != nil {
			// drain so the runtime goroutines can finish
			for range events {
			}
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	replies.FinalReply(st.flushText())
	return nil
}

// streamState turns agentsdk-go stream events into bridge hooks and
// replies. Text blocks become block replies as they complete; tool inputs
// are collected from their content blocks and reported when the tool
// starts executing.
type streamState struct {
	key     string
	hooks   Hooks
	replies agui.ReplySink

	text      strings.Builder
	blockTool map[int]string
	inputs    map[string]*strings.Builder
}

func newStreamState(key string, hooks Hooks, replies agui.ReplySink) *streamState {
	return &streamState{
		key:       key,
		hooks:     hooks,
		replies:   replies,
		blockTool: make(map[int]string),
		inputs:    make(map[string]*strings.Builder),
	}
}

func (s *streamState) handle(ev api.StreamEvent) error {
	switch ev.Type {
	case api.EventContentBlockStart:
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" && ev.Index != nil {
			s.blockTool[*ev.Index] = ev.ContentBlock.ID
			s.inputs[ev.ContentBlock.ID] = &strings.Builder{}
		}
	case api.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.text.WriteString(ev.Delta.Text)
		case "input_json_delta":
			if ev.Index == nil {
				return nil
			}
			if b, ok := s.inputs[s.blockTool[*ev.Index]]; ok {
				var chunk string
				if err := json.Unmarshal(ev.Delta.PartialJSON, &chunk); err == nil {
					b.WriteString(chunk)
				}
			}
		}
	case api.EventContentBlockStop:
		if ev.Index != nil {
			if _, isTool := s.blockTool[*ev.Index]; isTool {
				delete(s.blockTool, *ev.Index)
				return nil
			}
		}
		if text := s.flushText(); text != "" {
			s.replies.BlockReply(text)
		}
	case api.EventToolExecutionStart:
		if s.hooks != nil {
			s.hooks.BeforeToolCall(s.key, ev.Name, s.takeInput(ev.ToolUseID))
		}
	case api.EventToolExecutionResult:
		if s.hooks != nil && !s.hooks.IsClientTool(s.key, ev.Name) {
			s.hooks.ToolResultPersisted(s.key)
		}
	case api.EventError:
		return fmt.Errorf("agent: %v", ev.Output)
	}
	return nil
}

func (s *streamState) flushText() string {
	text := strings.TrimSpace(s.text.String())
	s.text.Reset()
	return text
}

func (s *streamState) takeInput(id string) map[string]any {
	b, ok := s.inputs[id]
	if !ok {
		return nil
	}
	delete(s.inputs, id)
	var params map[string]any
	if err := json.Unmarshal([]byte(b.String()), &params); err != nil {
		return nil
	}
	return params
}
