package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/zhengjr9/flowise-bridge/internal/errors"
)

const (
	objectChunk      = "chat.completion.chunk"
	objectCompletion = "chat.completion"
	roleAssistant    = "assistant"
	finishStop       = "stop"

	// DefaultModel is reported when no model name is configured.
	DefaultModel = "flowise-proxy"

	// DoneMarker terminates every stream. It is not a chunk.
	DoneMarker = "data: [DONE]\n\n"
)

// now and newID are replaced in tests.
var (
	now   = time.Now
	newID = func() string { return "chatcmpl-" + uuid.NewString() }
)

// DecodeRequest parses an OpenAI chat completions body.
func DecodeRequest(r io.Reader) (*ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", apierrors.ErrMalformedBody, err)
	}
	if len(req.Messages) == 0 {
		return nil, apierrors.ErrEmptyMessages
	}
	return &req, nil
}

// Question returns the text forwarded to Flowise: the content of the last message.
// Earlier turns are not forwarded.
func (r *ChatCompletionRequest) Question() string {
	return string(r.Messages[len(r.Messages)-1].Content)
}

// NewRoleChunk returns the chunk that opens every stream.
func NewRoleChunk(model string) StreamChunk {
	return newChunk(model, Delta{Role: roleAssistant}, nil)
}

// NewTokenChunk returns a chunk carrying one upstream token.
func NewTokenChunk(model, text string) StreamChunk {
	return newChunk(model, Delta{Content: &text}, nil)
}

// NewTerminalChunk returns the chunk that precedes the done marker.
func NewTerminalChunk(model string) StreamChunk {
	reason := finishStop
	return newChunk(model, Delta{}, &reason)
}

// Every chunk gets its own id and timestamp; clients do not rely on a shared id.
func newChunk(model string, delta Delta, finishReason *string) StreamChunk {
	return StreamChunk{
		ID:      newID(),
		Object:  objectChunk,
		Created: now().Unix(),
		Model:   model,
		Choices: []StreamChoice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: finishReason,
			},
		},
	}
}

// EncodeChunk frames a chunk as one SSE event.
func EncodeChunk(chunk StreamChunk) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// NewCompletion wraps a complete answer in the blocking response format.
func NewCompletion(model, content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      newID(),
		Object:  objectCompletion,
		Created: now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      Message{Role: roleAssistant, Content: content},
				FinishReason: finishStop,
			},
		},
		Usage: Usage{},
	}
}

// WriteBlockingResponse encodes a complete answer as an OpenAI ChatCompletionResponse.
func WriteBlockingResponse(w http.ResponseWriter, content, model string) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(NewCompletion(model, content))
}

// NewModelList returns the single-entry model listing.
func NewModelList(model string) ModelList {
	return ModelList{
		Object: "list",
		Data: []Model{
			{ID: model, Object: "model", Created: now().Unix(), OwnedBy: "flowise"},
		},
	}
}
