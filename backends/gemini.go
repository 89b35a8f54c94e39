package backends

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash"

	// DefaultPrompt asks a generative model for an accessible description.
	DefaultPrompt = "Describe this image in one or two short sentences for a person who is blind. " +
		"Mention the main objects, people, any visible text and where they are."
)

// GenerationConfig holds sampling parameters sent to generative backends.
type GenerationConfig struct {
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
	TopK            int
}

// DefaultGeneration returns short, near-deterministic sampling settings.
func DefaultGeneration() GenerationConfig {
	return GenerationConfig{MaxOutputTokens: 150, Temperature: 0.1, TopP: 0.8, TopK: 20}
}

// GeminiOptions configures a GeminiBackend.
type GeminiOptions struct {
	Name       string
	APIKey     string
	BaseURL    string
	Model      string
	Prompt     string
	Generation GenerationConfig
	HTTPClient *http.Client
}

// GeminiBackend describes images with the Gemini generateContent API.
type GeminiBackend struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	name       string
	model      string
	prompt     string
	generation GenerationConfig
}

// NewGemini creates a Gemini backend.
func NewGemini(opts GeminiOptions) (*GeminiBackend, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini backend requires an API key")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	p := &GeminiBackend{
		httpClient: opts.HTTPClient,
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		name:       opts.Name,
		model:      opts.Model,
		prompt:     opts.Prompt,
		generation: opts.Generation,
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{}
	}
	if p.name == "" {
		p.name = "gemini"
	}
	if p.model == "" {
		p.model = defaultGeminiModel
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
func (p *GeminiBackend) Name() string { return p.name }

// Mode returns ModeGenerative.
func (p *GeminiBackend) Mode() Mode { return ModeGenerative }

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// rejectedFinishReasons are candidate finish reasons that mean the safety
// layer withheld the answer.
var rejectedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
	"IMAGE_SAFETY":       true,
	"RECITATION":         true,
}

// Analyze sends the image inline with the description prompt.
func (p *GeminiBackend) Analyze(ctx context.Context, image []byte) (*Result, error) {
	mime, derr := DetectImage(image)
	if derr != nil {
		return nil, derr
	}

	payload := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: p.prompt},
				{InlineData: &geminiBlob{MimeType: mime, Data: encodeImage(image)}},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     p.generation.Temperature,
			TopP:            p.generation.TopP,
			TopK:            p.generation.TopK,
			MaxOutputTokens: p.generation.MaxOutputTokens,
		},
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	var resp geminiResponse
	err := postJSON(ctx, p.httpClient, url, map[string]string{"x-goog-api-key": p.apiKey}, payload, &resp)
	if err != nil {
		return nil, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, Errorf(KindContentRejected, "prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, Errorf(KindUnknown, "gemini returned no candidates")
	}

	cand := resp.Candidates[0]
	if rejectedFinishReasons[cand.FinishReason] {
		return nil, Errorf(KindContentRejected, "generation stopped: %s", cand.FinishReason)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, Errorf(KindUnknown, "gemini returned an empty description")
	}

	res := NewDescriptionResult(text, mapGeminiFinishReason(cand.FinishReason))
	res.Model = p.model
	return res, nil
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}
