package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// maxErrorBodyLength bounds how much of an error body is kept in APIError.
const maxErrorBodyLength = 1024

// ModelClient is the only true I/O boundary of the council: one request to
// one model. Timeouts are carried by ctx.
type ModelClient interface {
	Send(ctx context.Context, model string, messages []OpenRouterMessage) (ModelResponse, error)
}

// OpenRouterClient sends chat completion requests to the OpenRouter API.
type OpenRouterClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouterClient creates a client for the given endpoint and key.
// A nil httpClient uses a default client without its own timeout; deadlines
// come from the caller's context.
func NewOpenRouterClient(apiURL, apiKey string, httpClient *http.Client) *OpenRouterClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenRouterClient{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Send queries a single model and returns its first choice.
// Non-200 replies become *APIError; undecodable bodies wrap ErrMalformedResponse.
func (c *OpenRouterClient) Send(ctx context.Context, model string, messages []OpenRouterMessage) (ModelResponse, error) {
	// Build request payload
	payload := OpenRouterRequest{
		Model:    model,
		Messages: messages,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return ModelResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return ModelResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ModelResponse{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ModelResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body := string(bodyBytes)
		if len(body) > maxErrorBodyLength {
			body = body[:maxErrorBodyLength]
		}
		return ModelResponse{}, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var apiResponse OpenRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return ModelResponse{}, fmt.Errorf("%w: failed to parse response: %v", ErrMalformedResponse, err)
	}

	if len(apiResponse.Choices) == 0 {
		return ModelResponse{}, fmt.Errorf("%w: no choices in response", ErrMalformedResponse)
	}

	return apiResponse.Choices[0].Message, nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
