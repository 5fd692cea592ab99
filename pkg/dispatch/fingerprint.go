package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/gemrelay/pkg/upstream"
)

type fingerprintMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Name    string   `json:"name,omitempty"`
	Parts   []string `json:"parts,omitempty"`
}

type fingerprintInput struct {
	Model       string               `json:"model"`
	Messages    []fingerprintMessage `json:"messages"`
	Temperature *float64             `json:"temperature"`
	MaxTokens   *int                 `json:"max_tokens"`
	TopP        *float64             `json:"top_p"`
	TopK        *int                 `json:"top_k"`
}

func partsText(parts []openai.ChatMessagePart) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Text != "":
			out = append(out, string(p.Type)+":"+p.Text)
		case p.ImageURL != nil:
			out = append(out, string(p.Type)+":"+p.ImageURL.URL)
		default:
			out = append(out, string(p.Type))
		}
	}
	return out
}

// Fingerprint digests the fields that decide a completion: model, the
// ordered messages and the sampling parameters. Penalties and the stream
// flag are not part of it.
func Fingerprint(req *upstream.ChatRequest) string {
	in := fingerprintInput{
		Model:       req.Model,
		Messages:    make([]fingerprintMessage, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		TopK:        req.TopK,
	}
	for i, m := range req.Messages {
		in.Messages[i] = fingerprintMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
			Parts:   partsText(m.MultiContent),
		}
	}
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VariantKey names the n-th alternate completion stored for fp.
func VariantKey(fp string, n int) string {
	return fp + ":v" + strconv.Itoa(n)
}
