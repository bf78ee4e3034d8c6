package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// NewGeminiChatModel creates the Gemini chat model used by ChatEngine.
func NewGeminiChatModel(ctx context.Context, apiKey, baseURL string, cfg model.EngineConfig) (*gemini.ChatModel, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		clientCfg.HTTPOptions.BaseURL = baseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature
	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating chat model")
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}
	return chatModel, nil
}

// ChatEngine answers through an eino chat model, streaming the reply and
// keeping a bounded window of prior turns as context.
type ChatEngine struct {
	chat      einomodel.BaseChatModel
	cfg       model.EngineConfig
	callbacks []einocb.Handler
	now       func() time.Time
}

func NewChatEngine(chat einomodel.BaseChatModel, cfg model.EngineConfig, handlers ...einocb.Handler) (*ChatEngine, error) {
	if chat == nil {
		return nil, errors.New("engine: chat model is nil")
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	return &ChatEngine{chat: chat, cfg: cfg, callbacks: handlers, now: time.Now}, nil
}

func (e *ChatEngine) Process(ctx context.Context, cp *model.Checkpoint, env model.Envelope, stream StreamFunc) (*model.Checkpoint, string, error) {
	text := strings.TrimSpace(env.Payload)
	if text == "" {
		return nil, "", errx.BadRequest(nil, "message is empty")
	}
	if cp == nil {
		cp = model.NewCheckpoint(env.ConversationID, env.UserID)
	}

	mode := ClassifyMode(text, Mode(cp.Continuation))

	if len(e.callbacks) > 0 {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      "conversation-prompt",
			Type:      "GoTemplate",
			Component: components.ComponentOfPrompt,
		}, e.callbacks...)
	}
	system, err := RenderSystem(ctx, e.cfg.AssistantName, mode)
	if err != nil {
		return nil, "", err
	}

	msgs := e.buildMessages(system, cp, text)

	if len(e.callbacks) > 0 {
		ctx = einocb.ReuseHandlers(ctx, &einocb.RunInfo{
			Name:      "conversation-engine",
			Type:      e.cfg.Model,
			Component: components.ComponentOfChatModel,
		})
	}

	reply, usage, err := e.stream(ctx, msgs, stream)
	if err != nil {
		return nil, "", Classify(ctx, err)
	}
	e.logUsage(env, usage)

	next := cp.Clone()
	next.Turns = append(next.Turns, model.Turn{
		Sequence:    env.Sequence,
		Request:     text,
		Response:    reply,
		Mode:        string(mode),
		CompletedAt: e.now().UTC(),
	})
	next.Continuation = string(mode)
	next.LastSequence = env.Sequence
	next.UpdatedAt = e.now().UTC()
	return next, reply, nil
}

// buildMessages assembles system prompt, the most recent turns and the new
// user message.
func (e *ChatEngine) buildMessages(system string, cp *model.Checkpoint, text string) []*schema.Message {
	turns := cp.Turns
	if len(turns) > e.cfg.HistoryTurns {
		turns = turns[len(turns)-e.cfg.HistoryTurns:]
	}

	msgs := make([]*schema.Message, 0, 2+2*len(turns))
	msgs = append(msgs, schema.SystemMessage(system))
	for _, t := range turns {
		msgs = append(msgs, schema.UserMessage(t.Request))
		if t.Response != "" {
			msgs = append(msgs, schema.AssistantMessage(t.Response, nil))
		}
	}
	msgs = append(msgs, schema.UserMessage(text))
	return msgs
}

func (e *ChatEngine) stream(ctx context.Context, msgs []*schema.Message, stream StreamFunc) (string, *schema.TokenUsage, error) {
	sr, err := e.chat.Stream(ctx, msgs)
	if err != nil {
		return "", nil, err
	}
	defer sr.Close()

	var chunks []*schema.Message
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && stream != nil {
			stream(chunk.Content)
		}
	}
	if len(chunks) == 0 {
		return "", nil, errx.EngineUnavailable(errors.New("empty model response"))
	}

	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", nil, fmt.Errorf("concat model chunks: %w", err)
	}
	var usage *schema.TokenUsage
	if full.ResponseMeta != nil {
		usage = full.ResponseMeta.Usage
	}
	return full.Content, usage, nil
}

func (e *ChatEngine) logUsage(env model.Envelope, usage *schema.TokenUsage) {
	if usage == nil {
		return
	}
	inC, outC, totalC := ComputeCost(usage, ResolvePricing(e.cfg.Model))
	logx.Debug().
		Str("conversation_id", env.ConversationID).
		Int64("sequence", env.Sequence).
		Str("model", e.cfg.Model).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}

var _ Engine = (*ChatEngine)(nil)
