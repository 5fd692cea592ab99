package proxy

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkarlslund/gemrelay/pkg/config"
)

const clientSecret = "e2e-secret"

func newOpenAIClient(t *testing.T, mutate func(*config.Config)) (*openai.Client, string) {
	t.Helper()
	_, ts, _ := newTestServer(t, func(c *config.Config) {
		c.APIKey = clientSecret
		if mutate != nil {
			mutate(c)
		}
	})
	return clientFor(ts.URL, clientSecret), ts.URL
}

func clientFor(baseURL, secret string) *openai.Client {
	cfg := openai.DefaultConfig(secret)
	cfg.BaseURL = baseURL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func userMessage(content string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: content}}
}

func TestOpenAIClientChatCompletion(t *testing.T) {
	client, _ := newOpenAIClient(t, nil)
	resp, err := client.CreateChatCompletion(t.Context(), openai.ChatCompletionRequest{
		Model:    "gemini-2.5-flash",
		Messages: userMessage("hello"),
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello from the fake backend.", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, openai.FinishReasonStop, resp.Choices[0].FinishReason)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"), resp.ID)
}

func TestOpenAIClientRejectsWrongSecret(t *testing.T) {
	_, url := newOpenAIClient(t, nil)
	client := clientFor(url, "wrong")

	_, err := client.CreateChatCompletion(t.Context(), openai.ChatCompletionRequest{
		Model:    "gemini-2.5-flash",
		Messages: userMessage("hello"),
	})
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.HTTPStatusCode)
}

func streamText(t *testing.T, client *openai.Client, content string) (string, openai.FinishReason) {
	t.Helper()
	stream, err := client.CreateChatCompletionStream(t.Context(), openai.ChatCompletionRequest{
		Model:    "gemini-2.5-flash",
		Messages: userMessage(content),
		Stream:   true,
	})
	require.NoError(t, err)
	defer stream.Close()

	var text strings.Builder
	var finish openai.FinishReason
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	return text.String(), finish
}

func TestOpenAIClientFakeStream(t *testing.T) {
	client, _ := newOpenAIClient(t, func(c *config.Config) { c.Features.FakeStreaming = true })
	text, finish := streamText(t, client, "stream please")
	assert.Equal(t, "Hello from the fake backend.", text)
	assert.Equal(t, openai.FinishReasonStop, finish)
}

func TestOpenAIClientRealStream(t *testing.T) {
	client, _ := newOpenAIClient(t, func(c *config.Config) { c.Features.FakeStreaming = false })
	text, finish := streamText(t, client, "stream please")
	assert.Equal(t, "Hello from the fake backend.", text)
	assert.Equal(t, openai.FinishReasonStop, finish)
}

func TestOpenAIClientListModels(t *testing.T) {
	client, _ := newOpenAIClient(t, nil)
	list, err := client.ListModels(t.Context())
	require.NoError(t, err)

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
		assert.Equal(t, "google", m.OwnedBy)
	}
	assert.Contains(t, ids, "gemini-2.5-flash")
	assert.Contains(t, ids, "gemini-2.5-flash-search")
	assert.NotContains(t, ids, "text-embedding-004")
}
