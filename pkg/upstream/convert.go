package upstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// SearchSuffix on an external model id enables backend web search.
const SearchSuffix = "-search"

// ChatRequest is the inbound chat completion body. Sampling fields are
// pointers so an absent value is distinguishable from zero.
type ChatRequest struct {
	Model            string                         `json:"model"`
	Messages         []openai.ChatCompletionMessage `json:"messages"`
	Stream           bool                           `json:"stream,omitempty"`
	Temperature      *float64                       `json:"temperature,omitempty"`
	MaxTokens        *int                           `json:"max_tokens,omitempty"`
	TopP             *float64                       `json:"top_p,omitempty"`
	TopK             *int                           `json:"top_k,omitempty"`
	FrequencyPenalty *float64                       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                       `json:"presence_penalty,omitempty"`
}

// Validate reports malformed requests as ErrInvalidRequest.
func (r *ChatRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("%w: messages[%d] has no role", ErrInvalidRequest, i)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	return nil
}

// ResolveModel strips the search suffix and any "models/" prefix.
func ResolveModel(external string) (model string, search bool) {
	model = strings.TrimPrefix(strings.TrimSpace(external), "models/")
	if strings.HasSuffix(model, SearchSuffix) {
		return strings.TrimSuffix(model, SearchSuffix), true
	}
	return model, false
}

// Mutator disguises outbound user text.
type Mutator interface {
	Mutate(text string) string
}

func messageText(m openai.ChatCompletionMessage) string {
	if m.Content != "" || len(m.MultiContent) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.MultiContent {
		if p.Type != openai.ChatMessagePartTypeText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// buildRequest converts the message list to turns. The last message is the
// active prompt and always becomes a user turn. Earlier system and
// developer messages are dropped: there is no slot for them in this request
// shape.
func buildRequest(req *ChatRequest, search bool, mutate Mutator) geminiRequest {
	identity := func(s string) string { return s }
	disguise := identity
	if mutate != nil {
		disguise = mutate.Mutate
	}

	last := len(req.Messages) - 1
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages[:last] {
		var role string
		switch m.Role {
		case openai.ChatMessageRoleUser:
			role = "user"
		case openai.ChatMessageRoleAssistant:
			role = "model"
		default:
			continue
		}
		text := messageText(m)
		if role == "user" {
			text = disguise(text)
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: text}}})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: disguise(messageText(req.Messages[last]))}},
	})

	gr := geminiRequest{Contents: contents}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || req.TopK != nil ||
		req.FrequencyPenalty != nil || req.PresencePenalty != nil {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:      req.Temperature,
			MaxOutputTokens:  req.MaxTokens,
			TopP:             req.TopP,
			TopK:             req.TopK,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
		}
	}
	for _, c := range safetyCategories {
		gr.SafetySettings = append(gr.SafetySettings, geminiSafetySetting{Category: c, Threshold: "BLOCK_NONE"})
	}
	if search {
		gr.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	}
	return gr
}

// MapFinishReason translates the backend's finish reason.
func MapFinishReason(reason string) openai.FinishReason {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return openai.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}

func candidateText(c geminiCandidate) string {
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func toUsage(u *geminiUsage) openai.Usage {
	if u == nil {
		return openai.Usage{}
	}
	total := u.TotalTokenCount
	if total == 0 {
		total = u.PromptTokenCount + u.CandidatesTokenCount
	}
	return openai.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      total,
	}
}

var errEmptyCandidates = errors.New("upstream: response has no candidates")

// NewCompletionID returns an id in the chatcmpl- namespace.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func toCompletion(resp *geminiResponse, model string, now time.Time) (*openai.ChatCompletionResponse, error) {
	out := &openai.ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Usage:   toUsage(resp.UsageMetadata),
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback == nil || resp.PromptFeedback.BlockReason == "" {
			return nil, errEmptyCandidates
		}
		out.Choices = []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant},
			FinishReason: openai.FinishReasonContentFilter,
		}}
		return out, nil
	}
	c := resp.Candidates[0]
	out.Choices = []openai.ChatCompletionChoice{{
		Index: 0,
		Message: openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: candidateText(c),
		},
		FinishReason: MapFinishReason(c.FinishReason),
	}}
	return out, nil
}
