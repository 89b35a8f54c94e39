package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

// maxErrorBody bounds how much of an upstream error body is read.
const maxErrorBody = 64 << 10

// googleStatus is the error envelope shared by Google REST APIs.
type googleStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type googleErrorResponse struct {
	Error googleStatus `json:"error"`
}

// grpcStatusNames maps numeric google.rpc codes, which per-image errors use
// instead of status names.
var grpcStatusNames = map[int]string{
	3:  "INVALID_ARGUMENT",
	4:  "DEADLINE_EXCEEDED",
	5:  "NOT_FOUND",
	7:  "PERMISSION_DENIED",
	8:  "RESOURCE_EXHAUSTED",
	9:  "FAILED_PRECONDITION",
	11: "OUT_OF_RANGE",
	13: "INTERNAL",
	14: "UNAVAILABLE",
	16: "UNAUTHENTICATED",
}

// kindFromGoogleStatus maps canonical google.rpc statuses.
func kindFromGoogleStatus(s googleStatus, httpStatus int) ErrorKind {
	status := s.Status
	if status == "" && httpStatus == 0 {
		status = grpcStatusNames[s.Code]
	}
	switch status {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return KindInvalidInput
	case "RESOURCE_EXHAUSTED":
		return KindRateLimited
	case "DEADLINE_EXCEEDED":
		return KindTimeout
	case "UNAVAILABLE", "INTERNAL", "UNAUTHENTICATED", "PERMISSION_DENIED", "NOT_FOUND":
		return KindUnavailable
	}
	if httpStatus != 0 {
		return KindFromStatus(httpStatus)
	}
	return KindUnknown
}

// postJSON sends payload to url and decodes a 200 response into out. Non-200
// responses are converted into an *Error using the Google error envelope when
// present.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var gerr googleErrorResponse
		if json.Unmarshal(raw, &gerr) == nil && gerr.Error.Message != "" {
			return &Error{
				Kind:    kindFromGoogleStatus(gerr.Error, resp.StatusCode),
				Status:  resp.StatusCode,
				Message: gerr.Error.Message,
			}
		}
		return HTTPError(resp.StatusCode, string(bytes.TrimSpace(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Errorf(KindUnknown, "failed to decode response: %v", err)
	}
	return nil
}
