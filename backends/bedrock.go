package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/goccy/go-json"
)

const defaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"

// bedrockInvoker is the subset of the Bedrock runtime client used here.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockOptions configures a BedrockBackend. Static credentials are used
// when AccessKeyID is set; otherwise the default AWS credential chain applies.
type BedrockOptions struct {
	Name            string
	Region          string
	Model           string
	Prompt          string
	Generation      GenerationConfig
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// BedrockBackend describes images with an Anthropic vision model hosted on
// AWS Bedrock.
type BedrockBackend struct {
	client     bedrockInvoker
	name       string
	model      string
	prompt     string
	generation GenerationConfig
}

// NewBedrock creates a Bedrock backend.
func NewBedrock(ctx context.Context, opts BedrockOptions) (*BedrockBackend, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newBedrockWithClient(bedrockruntime.NewFromConfig(cfg), opts), nil
}

func newBedrockWithClient(client bedrockInvoker, opts BedrockOptions) *BedrockBackend {
	p := &BedrockBackend{
		client:     client,
		name:       opts.Name,
		model:      opts.Model,
		prompt:     opts.Prompt,
		generation: opts.Generation,
	}
	if p.name == "" {
		p.name = "bedrock"
	}
	if p.model == "" {
		p.model = defaultBedrockModel
	}
	if p.prompt == "" {
		p.prompt = DefaultPrompt
	}
	if p.generation == (GenerationConfig{}) {
		p.generation = DefaultGeneration()
	}
	return p
}

// Name returns the backend identifier.
func (p *BedrockBackend) Name() string { return p.name }

// Mode returns ModeGenerative.
func (p *BedrockBackend) Mode() Mode { return ModeGenerative }

type bedrockImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type bedrockContent struct {
	Type   string              `json:"type"`
	Text   string              `json:"text,omitempty"`
	Source *bedrockImageSource `json:"source,omitempty"`
}

type bedrockMessage struct {
	Role    string           `json:"role"`
	Content []bedrockContent `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	TopP             float64          `json:"top_p,omitempty"`
	TopK             int              `json:"top_k,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason      string `json:"stop_reason"`
	GuardrailAction string `json:"amazon-bedrock-guardrailAction"`
}

// Analyze invokes the model with the image as a base64 content block.
func (p *BedrockBackend) Analyze(ctx context.Context, image []byte) (*Result, error) {
	mime, derr := DetectImage(image)
	if derr != nil {
		return nil, derr
	}

	maxTokens := p.generation.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultGeneration().MaxOutputTokens
	}
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      p.generation.Temperature,
		TopP:             p.generation.TopP,
		TopK:             p.generation.TopK,
		Messages: []bedrockMessage{{
			Role: "user",
			Content: []bedrockContent{
				{Type: "image", Source: &bedrockImageSource{Type: "base64", MediaType: mime, Data: encodeImage(image)}},
				{Type: "text", Text: p.prompt},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, Errorf(KindUnknown, "failed to decode bedrock response: %v", err)
	}
	if resp.GuardrailAction == "INTERVENED" || resp.StopReason == "refusal" {
		return nil, Errorf(KindContentRejected, "response withheld by guardrail")
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, Errorf(KindUnknown, "bedrock returned an empty description")
	}

	res := NewDescriptionResult(text, resp.StopReason)
	res.Model = p.model
	return res, nil
}

func classifyBedrockError(err error) error {
	var (
		throttled  *types.ThrottlingException
		quota      *types.ServiceQuotaExceededException
		validation *types.ValidationException
		timeout    *types.ModelTimeoutException
		notReady   *types.ModelNotReadyException
		denied     *types.AccessDeniedException
		notFound   *types.ResourceNotFoundException
		unavail    *types.ServiceUnavailableException
		internal   *types.InternalServerException
		modelErr   *types.ModelErrorException
	)
	kind := KindUnknown
	switch {
	case errors.As(err, &throttled), errors.As(err, &quota):
		kind = KindRateLimited
	case errors.As(err, &validation):
		kind = KindInvalidInput
	case errors.As(err, &timeout):
		kind = KindTimeout
	case errors.As(err, &notReady), errors.As(err, &denied), errors.As(err, &notFound),
		errors.As(err, &unavail), errors.As(err, &internal):
		kind = KindUnavailable
	case errors.As(err, &modelErr):
		kind = KindUnknown
	default:
		return fmt.Errorf("bedrock invoke failed: %w", err)
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}
