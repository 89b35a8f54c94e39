package backends

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultVisionBaseURL    = "https://vision.googleapis.com"
	defaultVisionMaxResults = 3
	visionScope             = "https://www.googleapis.com/auth/cloud-vision"
)

// VisionOptions configures a VisionBackend.
type VisionOptions struct {
	Name    string
	APIKey  string
	BaseURL string
	// CredentialsFile is a service account JSON file used when APIKey is
	// empty. With neither set, application default credentials are used.
	CredentialsFile string
	MaxResults      int
	HTTPClient      *http.Client
}

// VisionBackend calls the Google Cloud Vision images:annotate endpoint for
// label and web detection.
type VisionBackend struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	name       string
	maxResults int
}

// NewVision creates a Cloud Vision backend.
func NewVision(ctx context.Context, opts VisionOptions) (*VisionBackend, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultVisionBaseURL
	}
	name := opts.Name
	if name == "" {
		name = "google-vision"
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultVisionMaxResults
	}

	client := opts.HTTPClient
	if client == nil {
		switch {
		case opts.APIKey != "":
			client = &http.Client{}
		case opts.CredentialsFile != "":
			data, err := os.ReadFile(opts.CredentialsFile) //nolint:gosec
			if err != nil {
				return nil, fmt.Errorf("reading vision credentials: %w", err)
			}
			creds, err := google.CredentialsFromJSON(ctx, data, visionScope)
			if err != nil {
				return nil, fmt.Errorf("parsing vision credentials: %w", err)
			}
			client = oauth2.NewClient(context.Background(), creds.TokenSource)
		default:
			c, err := google.DefaultClient(context.Background(), visionScope)
			if err != nil {
				return nil, fmt.Errorf("vision backend needs an API key or credentials: %w", err)
			}
			client = c
		}
	}

	return &VisionBackend{
		httpClient: client,
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		name:       name,
		maxResults: maxResults,
	}, nil
}

// Name returns the backend identifier.
func (v *VisionBackend) Name() string { return v.name }

// Mode returns ModeVision.
func (v *VisionBackend) Mode() Mode { return ModeVision }

type visionFeature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionAnnotateRequest struct {
	Image    visionImage     `json:"image"`
	Features []visionFeature `json:"features"`
}

type visionRequest struct {
	Requests []visionAnnotateRequest `json:"requests"`
}

type visionAnnotation struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

type visionWebEntity struct {
	EntityID    string  `json:"entityId"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

type visionResponse struct {
	Responses []struct {
		LabelAnnotations []visionAnnotation `json:"labelAnnotations"`
		WebDetection     *struct {
			WebEntities []visionWebEntity `json:"webEntities"`
		} `json:"webDetection"`
		Error *googleStatus `json:"error"`
	} `json:"responses"`
}

// Analyze requests label and web detection for image.
func (v *VisionBackend) Analyze(ctx context.Context, image []byte) (*Result, error) {
	if _, err := DetectImage(image); err != nil {
		return nil, err
	}

	payload := visionRequest{
		Requests: []visionAnnotateRequest{{
			Image: visionImage{Content: encodeImage(image)},
			Features: []visionFeature{
				{Type: "LABEL_DETECTION", MaxResults: v.maxResults},
				{Type: "WEB_DETECTION", MaxResults: v.maxResults},
			},
		}},
	}

	headers := map[string]string{}
	if v.apiKey != "" {
		headers["x-goog-api-key"] = v.apiKey
	}

	var resp visionResponse
	if err := postJSON(ctx, v.httpClient, v.baseURL+"/v1/images:annotate", headers, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Responses) == 0 {
		return nil, Errorf(KindUnknown, "vision returned no responses")
	}

	r := resp.Responses[0]
	if r.Error != nil && r.Error.Message != "" {
		return nil, &Error{
			Kind:    kindFromGoogleStatus(*r.Error, 0),
			Message: r.Error.Message,
		}
	}

	labels := make([]Label, 0, v.maxResults)
	for _, a := range r.LabelAnnotations {
		if len(labels) == v.maxResults {
			break
		}
		labels = append(labels, Label{Name: a.Description, Score: a.Score})
	}

	var web []Label
	if r.WebDetection != nil {
		for _, e := range r.WebDetection.WebEntities {
			if len(web) == v.maxResults {
				break
			}
			if e.Description == "" {
				continue
			}
			web = append(web, Label{Name: e.Description, Score: e.Score})
		}
	}

	res := NewLabelResult(labels, web)
	if res.Labels.Labels == nil {
		res.Labels.Labels = []Label{}
	}
	return res, nil
}
