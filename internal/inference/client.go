package inference

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
)

const (
	defaultInferenceURL = "http://localhost:8000"
	defaultTimeout      = 60 * time.Second
)

// Client runs one model on a KServe v2 compatible server (Triton, OVMS,
// KServe). It implements Runner.
type Client struct {
	baseURL   string
	model     string
	inputName string
	client    *http.Client
}

// NewClient creates a client for model. inputName defaults to "images".
func NewClient(baseURL, model, inputName string) *Client {
	if baseURL == "" {
		baseURL = defaultInferenceURL
	}
	if inputName == "" {
		inputName = "images"
	}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     model,
		inputName: inputName,
		client:    &http.Client{Timeout: defaultTimeout},
	}
}

// Model returns the model name the client targets.
func (c *Client) Model() string {
	return c.model
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferRequest struct {
	Inputs []inferTensor `json:"inputs"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferTensor `json:"outputs"`
}

// RunBatch posts the batch to /v2/models/{model}/infer and returns the first
// output tensor.
func (c *Client) RunBatch(ctx context.Context, in Batch) (Batch, error) {
	if err := in.Validate(); err != nil {
		return Batch{}, err
	}

	payload, err := json.Marshal(inferRequest{Inputs: []inferTensor{{
		Name:     c.inputName,
		Shape:    in.Shape,
		Datatype: "FP32",
		Data:     in.Data,
	}}})
	if err != nil {
		return Batch{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/v2/models/"+c.model+"/infer", payload)
	if err != nil {
		return Batch{}, err
	}

	var resp inferResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Batch{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Outputs) == 0 {
		return Batch{}, errors.New("inference response has no outputs")
	}

	out := Batch{Shape: resp.Outputs[0].Shape, Data: resp.Outputs[0].Data}
	if err := out.Validate(); err != nil {
		return Batch{}, fmt.Errorf("invalid output tensor: %w", err)
	}
	return out, nil
}

// Ready reports whether the server has the model loaded.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v2/models/"+c.model+"/ready", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
