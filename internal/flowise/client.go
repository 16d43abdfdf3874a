package flowise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const predictionPath = "/api/v1/prediction/"

// Client sends prediction requests to a single Flowise chatflow.
type Client struct {
	// predictionURL is the full URL of the chatflow prediction endpoint,
	// e.g. "https://flowise.example.com/api/v1/prediction/<chatflow-id>".
	predictionURL string
	httpClient    *http.Client
	// streamClient shares the transport but has no total timeout; the request
	// context bounds streaming calls instead.
	streamClient *http.Client
}

// NewClient constructs a Client for the given Flowise base URL and chatflow ID.
// baseURL may already be the full prediction URL, in which case chatflowID is ignored.
// proxyURL may be empty to use the default environment proxy.
func NewClient(baseURL, chatflowID string, timeout time.Duration, proxyURL string) *Client {
	predictionURL := strings.TrimRight(baseURL, "/")
	if !strings.Contains(predictionURL, predictionPath) {
		predictionURL += predictionPath + url.PathEscape(chatflowID)
	}

	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &Client{
		predictionURL: predictionURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		streamClient: &http.Client{Transport: transport},
	}
}

// PredictionURL returns the resolved prediction endpoint.
func (c *Client) PredictionURL() string {
	return c.predictionURL
}

// Predict sends a blocking prediction request and returns the full response.
func (c *Client) Predict(ctx context.Context, question string) (*Prediction, error) {
	httpReq, err := c.newRequest(ctx, &PredictionRequest{Question: question})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flowise request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: raw}
	}

	pred := &Prediction{Raw: raw}
	var body struct {
		Text string `json:"text"`
	}
	// A non-JSON or non-object body is still a valid answer; Content falls back to Raw.
	if err := json.Unmarshal(raw, &body); err == nil {
		pred.Text = body.Text
	}
	return pred, nil
}

// PredictStream sends a streaming prediction request and returns the SSE body once
// Flowise has answered with a 2xx status. The caller must close the returned body.
func (c *Client) PredictStream(ctx context.Context, question string) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, &PredictionRequest{Question: question, Streaming: true})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flowise request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: raw}
	}
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, req *PredictionRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.predictionURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}
