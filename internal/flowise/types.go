package flowise

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PredictionRequest is sent to POST /api/v1/prediction/{chatflowID}.
type PredictionRequest struct {
	Question  string `json:"question"`
	Streaming bool   `json:"streaming,omitempty"`
}

// Prediction is the result of a blocking prediction call.
type Prediction struct {
	// Text is the "text" field of the response body, empty when absent.
	Text string
	// Raw is the full response body as returned by Flowise.
	Raw []byte
}

// Content returns Text, or the raw body when Flowise answered without a text field.
func (p *Prediction) Content() string {
	if p.Text != "" {
		return p.Text
	}
	return string(bytes.TrimSpace(p.Raw))
}

// StreamEvent is the JSON payload of one "data:" line in a streaming prediction.
// Only Event == "token" carries forwardable text.
type StreamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Token is one incremental fragment of generated text.
type Token struct {
	Text string
}

// UpstreamError is returned when Flowise answers with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("flowise %d: %s", e.StatusCode, string(e.Body))
}
