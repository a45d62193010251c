package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Greeter produces the one-time welcome text. firstContact distinguishes a
// brand-new phone from one that already has registration state.
type Greeter interface {
	Greet(ctx context.Context, firstContact bool) (string, error)
}

// Default secretary persona used by the template greeter.
const (
	DefaultSecretaryName  = "Márcia"
	DefaultSecretaryTitle = "secretária da clínica"
)

// TemplateGreeter produces deterministic greetings. It never fails, which
// makes it the terminal fallback in a greeter chain.
type TemplateGreeter struct {
	Name  string
	Title string
}

// NewTemplateGreeter creates a template greeter with the given persona.
// Empty values fall back to the defaults.
func NewTemplateGreeter(name, title string) *TemplateGreeter {
	if name == "" {
		name = DefaultSecretaryName
	}
	if title == "" {
		title = DefaultSecretaryTitle
	}
	return &TemplateGreeter{Name: name, Title: title}
}

func (g *TemplateGreeter) Greet(_ context.Context, firstContact bool) (string, error) {
	if firstContact {
		return fmt.Sprintf("Olá! Eu sou a %s, %s. Vou te ajudar com o seu cadastro.", g.Name, g.Title), nil
	}
	return fmt.Sprintf("Oi de novo! Aqui é a %s, %s. Vamos continuar o seu cadastro.", g.Name, g.Title), nil
}

// OpenAIGreeter produces a warm model-generated greeting in the secretary's
// voice.
type OpenAIGreeter struct {
	client  openai.Client
	model   string
	name    string
	title   string
	timeout time.Duration
}

// NewOpenAIGreeter creates the model-backed greeter.
func NewOpenAIGreeter(apiKey, model, name, title string) (*OpenAIGreeter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	if name == "" {
		name = DefaultSecretaryName
	}
	if title == "" {
		title = DefaultSecretaryTitle
	}
	return &OpenAIGreeter{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		name:    name,
		title:   title,
		timeout: 10 * time.Second,
	}, nil
}

func (g *OpenAIGreeter) Greet(ctx context.Context, firstContact bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contact := "um paciente que escreve pela primeira vez"
	if !firstContact {
		contact = "um paciente que já estava no meio do cadastro"
	}
	system := fmt.Sprintf(
		"Você é %s, %s. Escreva uma saudação curta e calorosa em português para %s. Uma ou duas frases, sem emojis em excesso, sem perguntas.",
		g.name, g.title, contact)

	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage("Escreva a saudação."),
		},
	})
	if err != nil {
		return "", fmt.Errorf("greeting completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("greeting completion returned no choices")
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("greeting completion returned empty text")
	}
	return text, nil
}

// GreeterChain tries each greeter in order and returns the first success.
type GreeterChain struct {
	greeters []Greeter
}

// NewGreeterChain composes greeters into a fallback chain.
func NewGreeterChain(greeters ...Greeter) *GreeterChain {
	return &GreeterChain{greeters: greeters}
}

func (c *GreeterChain) Greet(ctx context.Context, firstContact bool) (string, error) {
	var lastErr error
	for _, g := range c.greeters {
		text, err := g.Greet(ctx, firstContact)
		if err != nil {
			slog.Debug("Greeter chain member failed, trying next", "error", err)
			lastErr = err
			continue
		}
		return text, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no greeter configured")
	}
	return "", lastErr
}
