package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Stream yields OpenAI event-stream frames translated from one backend
// stream. It is not restartable.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	header ChunkHeader

	sentRole bool
	finish   openai.FinishReason
	usage    *openai.Usage
	state    streamState
}

type streamState int

const (
	streamContent streamState = iota
	streamFinal
	streamDone
	streamClosed
)

// CompleteStream opens a streaming completion. Retries and failover only
// happen until the backend answers with a success status; after that,
// errors surface from Next.
func (c *Client) CompleteStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model, search := ResolveModel(req.Model)
	var resp *http.Response
	err := c.retry(ctx, "stream", func(ctx context.Context, secret string) error {
		body := buildRequest(req, search, c.mutator)
		endpoint := c.modelURL(model, "streamGenerateContent", url.Values{"alt": {"sse"}})
		hreq, err := c.newRequest(ctx, http.MethodPost, endpoint, secret, body)
		if err != nil {
			return err
		}
		r, err := c.http.Do(hreq)
		if err != nil {
			return err
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			defer r.Body.Close()
			return decodeAPIError(r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Stream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		header: ChunkHeader{ID: NewCompletionID(), Model: req.Model, Created: c.now().Unix()},
	}, nil
}

// Next returns the next frame. After the content frames it returns one
// final chunk carrying finish_reason and usage, then DoneFrame, then io.EOF.
func (s *Stream) Next() ([]byte, error) {
	for {
		switch s.state {
		case streamFinal:
			s.state = streamDone
			finish := s.finish
			if finish == "" {
				finish = openai.FinishReasonStop
			}
			return Frame(s.header.Chunk(openai.ChatCompletionStreamChoiceDelta{}, finish, s.usage))
		case streamDone:
			s.state = streamClosed
			return DoneFrame, nil
		case streamClosed:
			return nil, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				s.state = streamFinal
				continue
			}
			return nil, fmt.Errorf("read upstream stream: %w", err)
		}
		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			var env errorEnvelope
			if json.Unmarshal([]byte(data), &env) == nil && env.Error.Message != "" {
				return nil, &APIError{StatusCode: env.Error.Code, Status: env.Error.Status, Message: env.Error.Message}
			}
			continue
		}
		if gr.UsageMetadata != nil {
			u := toUsage(gr.UsageMetadata)
			s.usage = &u
		}
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			s.finish = openai.FinishReasonContentFilter
		}
		if len(gr.Candidates) == 0 {
			continue
		}
		cand := gr.Candidates[0]
		if cand.FinishReason != "" {
			s.finish = MapFinishReason(cand.FinishReason)
		}
		text := candidateText(cand)
		if text == "" {
			continue
		}
		delta := openai.ChatCompletionStreamChoiceDelta{Content: text}
		if !s.sentRole {
			delta.Role = openai.ChatMessageRoleAssistant
			s.sentRole = true
		}
		return Frame(s.header.Chunk(delta, "", nil))
	}
}

func (s *Stream) Header() ChunkHeader { return s.header }

// Usage is the token accounting reported so far, zero until the backend
// sends it.
func (s *Stream) Usage() openai.Usage {
	if s.usage == nil {
		return openai.Usage{}
	}
	return *s.usage
}

func (s *Stream) Close() error {
	s.state = streamClosed
	return s.body.Close()
}
