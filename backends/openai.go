package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIOptions configures an OpenAIBackend.
type OpenAIOptions struct {
	Name       string
	APIKey     string
	BaseURL    string
	Model      string
	Prompt     string
	Generation GenerationConfig
	HTTPClient *http.Client
}

// OpenAIBackend describes images through the OpenAI chat completions API
// using an image content part.
type OpenAIBackend struct {
	client     openai.Client
	name       string
	model      string
	prompt     string
	generation GenerationConfig
}

// NewOpenAI creates an OpenAI backend. Retries are disabled; the
// orchestrator owns the time budget.
func NewOpenAI(opts OpenAIOptions) (*OpenAIBackend, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai backend requires an API key")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	p := &OpenAIBackend{
		client:     openai.NewClient(reqOpts...),
		name:       opts.Name,
		model:      opts.Model,
		prompt:     opts.Prompt,
		generation: opts.Generation,
	}
	if p.name == "" {
		p.name = "openai"
	}
	if p.model == "" {
		p.model = defaultOpenAIModel
	}
	if p.prompt == "" {
		p.prompt = DefaultPrompt
	}
	if p.generation == (GenerationConfig{}) {
		p.generation = DefaultGeneration()
	}
	return p, nil
}

// Name returns the backend identifier.
func (p *OpenAIBackend) Name() string { return p.name }

// Mode returns ModeGenerative.
func (p *OpenAIBackend) Mode() Mode { return ModeGenerative }

// Analyze asks the model to describe image.
func (p *OpenAIBackend) Analyze(ctx context.Context, image []byte) (*Result, error) {
	mime, derr := DetectImage(image)
	if derr != nil {
		return nil, derr
	}

	params := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(p.prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    dataURI(mime, image),
					Detail: "low",
				}),
			}),
		},
		Temperature: openai.Float(p.generation.Temperature),
	}
	if p.generation.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.generation.MaxOutputTokens))
	}
	if p.generation.TopP > 0 {
		params.TopP = openai.Float(p.generation.TopP)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, Errorf(KindUnknown, "openai returned no choices")
	}

	choice := completion.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, Errorf(KindContentRejected, "model refused: %s", choice.Message.Refusal)
	}
	if choice.FinishReason == "content_filter" {
		return nil, Errorf(KindContentRejected, "response withheld by content filter")
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return nil, Errorf(KindUnknown, "openai returned an empty description")
	}

	res := NewDescriptionResult(text, string(choice.FinishReason))
	res.Model = completion.Model
	return res, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	kind := KindFromStatus(apiErr.StatusCode)
	if apiErr.Code == "content_policy_violation" || apiErr.Code == "content_filter" {
		kind = KindContentRejected
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	return &Error{Kind: kind, Status: apiErr.StatusCode, Message: msg, Err: err}
}
