package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultExtractTimeout bounds one extraction round trip.
const DefaultExtractTimeout = 10 * time.Second

const extractSystemPrompt = `Você extrai dados cadastrais de mensagens de pacientes de uma clínica.
Responda APENAS com um objeto JSON com as chaves:
"name" (nome completo ou null), "dob" (data de nascimento dd/mm/aaaa ou null),
"cpf" (somente dígitos ou null), "address" (endereço ou null),
"consent" (true, false ou null quando a mensagem não responde a uma pergunta de confirmação).
Use null para tudo que a mensagem não mencionar. Não invente valores.`

// OpenAIOpts holds configuration for the OpenAI extractor.
type OpenAIOpts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIOption configures the OpenAI extractor.
type OpenAIOption func(*OpenAIOpts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) OpenAIOption {
	return func(o *OpenAIOpts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Model = model }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(o *OpenAIOpts) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// OpenAIExtractor recognizes fields with a chat-completion call. Structured
// results are revalidated locally (CPF checksum, date shape) before use.
type OpenAIExtractor struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIExtractor creates the extractor. The API key is required.
func NewOpenAIExtractor(opts ...OpenAIOption) (*OpenAIExtractor, error) {
	cfg := OpenAIOpts{
		Model:   openai.ChatModelGPT4oMini,
		Timeout: DefaultExtractTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	return &OpenAIExtractor{
		client:  openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// structuredFields mirrors the JSON object the model is asked to return.
type structuredFields struct {
	Name    *string `json:"name"`
	DOB     *string `json:"dob"`
	CPF     *string `json:"cpf"`
	Address *string `json:"address"`
	Consent *bool   `json:"consent"`
}

func (e *OpenAIExtractor) Extract(ctx context.Context, text string) (*Fields, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	completion, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractSystemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("extraction completion returned no choices")
	}

	raw, err := extractJSONObject(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	var structured structuredFields
	if err := json.Unmarshal([]byte(raw), &structured); err != nil {
		return nil, fmt.Errorf("failed to parse extraction JSON: %w", err)
	}
	return e.validate(&structured), nil
}

// validate revalidates model output locally and drops values that fail.
func (e *OpenAIExtractor) validate(s *structuredFields) *Fields {
	fields := &Fields{Name: cleanString(s.Name), Address: cleanString(s.Address), Consent: s.Consent}
	if s.CPF != nil {
		digits := onlyDigits(*s.CPF)
		if ValidCPF(digits) {
			fields.CPF = &digits
		} else {
			slog.Debug("OpenAIExtractor dropped CPF with invalid checksum")
		}
	}
	if s.DOB != nil {
		if normalized := findDate(*s.DOB); normalized != "" {
			fields.DOB = &normalized
		} else {
			slog.Debug("OpenAIExtractor dropped unparseable date", "value", *s.DOB)
		}
	}
	return fields
}

// extractJSONObject pulls the outermost JSON object out of a completion,
// tolerating prose or code fences around it.
func extractJSONObject(content string) (string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object in extraction response")
	}
	return content[start : end+1], nil
}

func cleanString(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return nil
	}
	return &trimmed
}
