// Package llm talks to a hosted text-generation endpoint (Hugging Face
// Inference API shape). It only transports prompts and completions; the
// parser package owns prompt construction and validation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "smartcal/internal/log"
)

var (
	// ErrUnavailable means the backend could not be asked: not configured,
	// unreachable, timed out, rate limited or rejecting the credential.
	ErrUnavailable = errors.New("llm backend unavailable")
	// ErrNoResult means the backend answered but produced nothing usable.
	ErrNoResult = errors.New("llm returned no result")
)

const (
	DefaultEndpoint = "https://api-inference.huggingface.co/models"
	DefaultModel    = "microsoft/DialoGPT-medium"
	DefaultTimeout  = 20 * time.Second
)

// Client is the capability the parser needs from a model backend.
type Client interface {
	// Available reports whether Complete can be attempted, with a reason
	// when it cannot.
	Available() (bool, string)
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options configures an HTTPClient.
type Options struct {
	Endpoint string
	Model    string
	Token    string
	Timeout  time.Duration
}

// HTTPClient calls the inference endpoint over HTTPS.
type HTTPClient struct {
	endpoint string
	model    string
	token    string
	client   *http.Client
}

func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		model:    opts.Model,
		token:    opts.Token,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

func (c *HTTPClient) Available() (bool, string) {
	if c.token == "" {
		return false, "HUGGINGFACE_API_TOKEN not set"
	}
	return true, "model " + c.model
}

type generateRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
}

type apiError struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}

func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	if ok, reason := c.Available(); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, reason)
	}

	body, err := json.Marshal(generateRequest{
		Inputs: prompt,
		Parameters: map[string]any{
			"temperature":      0.1,
			"max_new_tokens":   256,
			"return_full_text": false,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// Network errors, timeouts and cancellation all read as unavailable.
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	appLog.Debug("llm completion", "model", c.model, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		msg := ae.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	text, err := decodeGeneration(data)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoResult
	}
	return text, nil
}

// decodeGeneration accepts both the list form ([{"generated_text": ...}])
// and a bare object.
func decodeGeneration(data []byte) (string, error) {
	var list []generation
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return "", ErrNoResult
		}
		return list[0].GeneratedText, nil
	}
	var one generation
	if err := json.Unmarshal(data, &one); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrNoResult, err)
	}
	return one.GeneratedText, nil
}
