package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// DoneFrame terminates every event stream.
var DoneFrame = []byte("data: [DONE]\n\n")

// Frame encodes v as one "data: ...\n\n" event.
func Frame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode stream chunk: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(b) + 8)
	buf.WriteString("data: ")
	buf.Write(b)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// ChunkHeader carries the fields shared by every chunk of one stream.
type ChunkHeader struct {
	ID      string
	Model   string
	Created int64
}

// Chunk builds one stream chunk with a single choice.
func (h ChunkHeader) Chunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason, usage *openai.Usage) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      h.ID,
		Object:  "chat.completion.chunk",
		Created: h.Created,
		Model:   h.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

// ErrorFrame is the in-band error event sent once headers are committed.
func ErrorFrame(message, typ, code string) []byte {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    typ,
			"code":    code,
		},
	})
	return append(append([]byte("data: "), b...), '\n', '\n')
}
