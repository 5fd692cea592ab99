// Package upstream issues chat completion calls to the Gemini API with
// credential rotation, retry and translation to the OpenAI wire format.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/gemrelay/pkg/keypool"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
	"github.com/lkarlslund/gemrelay/pkg/version"
)

const (
	DefaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultTimeout    = 120 * time.Second
)

// KeySource hands out credentials and receives the outcome of each attempt.
type KeySource interface {
	Next() (keypool.Credential, error)
	ReportSuccess(secret string)
	ReportFailure(secret string, err error)
}

// Observer is told about every upstream attempt.
type Observer interface {
	ObserveUpstream(outcome string, elapsed time.Duration)
}

const (
	OutcomeSuccess        = "success"
	OutcomeError          = "error"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeCanceled       = "canceled"
)

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the base of the linear backoff between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithTimeout bounds one non-streaming attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMutator(m Mutator) Option {
	return func(c *Client) { c.mutator = m }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

type Client struct {
	keys       KeySource
	http       *http.Client
	baseURL    string
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	mutator    Mutator
	observer   Observer
	logger     *log.Logger
	now        func() time.Time
}

func New(keys KeySource, opts ...Option) *Client {
	c := &Client{
		keys:       keys,
		http:       &http.Client{},
		baseURL:    DefaultBaseURL,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultTimeout,
		logger:     logutil.New("upstream"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) observe(outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveUpstream(outcome, c.now().Sub(start))
	}
}

// retry runs call with successive credentials. call returns nil on success.
// Invalid requests and caller cancellation stop the loop without marking
// the credential.
func (c *Client) retry(ctx context.Context, op string, call func(ctx context.Context, secret string) error) error {
	var last error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		cred, err := c.keys.Next()
		if err != nil {
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}
		start := c.now()
		err = call(ctx, cred.Secret)
		if err == nil {
			c.observe(OutcomeSuccess, start)
			c.keys.ReportSuccess(cred.Secret)
			return nil
		}
		if ctx.Err() != nil {
			c.observe(OutcomeCanceled, start)
			return ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.InvalidRequest() {
			c.observe(OutcomeInvalidRequest, start)
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		c.observe(OutcomeError, start)
		c.keys.ReportFailure(cred.Secret, err)
		last = err
		c.logger.Warn("upstream attempt failed",
			"op", op,
			"attempt", attempt,
			"key", logutil.Redact(cred.Secret),
			"err", err)
		if attempt < c.maxRetries && c.retryDelay > 0 {
			t := time.NewTimer(c.retryDelay * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return &ExhaustedError{Attempts: c.maxRetries, Last: last}
}

func (c *Client) newRequest(ctx context.Context, method, endpoint, secret string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode upstream request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", secret)
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) modelURL(model, method string, query url.Values) string {
	u := c.baseURL + "/models/" + url.PathEscape(model) + ":" + method
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Complete performs one logical non-streaming completion.
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*openai.ChatCompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model, search := ResolveModel(req.Model)
	var out *openai.ChatCompletionResponse
	err := c.retry(ctx, "complete", func(ctx context.Context, secret string) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		body := buildRequest(req, search, c.mutator)
		hreq, err := c.newRequest(ctx, http.MethodPost, c.modelURL(model, "generateContent", nil), secret, body)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(hreq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return decodeAPIError(resp)
		}
		var gr geminiResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return fmt.Errorf("decode upstream response: %w", err)
		}
		completion, err := toCompletion(&gr, req.Model, c.now())
		if err != nil {
			return err
		}
		out = completion
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Probe makes the cheapest authenticated call available with one secret.
func (c *Client) Probe(ctx context.Context, secret string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	hreq, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/models?pageSize=1", secret, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	return nil
}

// ListModels returns the ids of backend models that support generateContent.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.retry(ctx, "list_models", func(ctx context.Context, secret string) error {
		ids = ids[:0]
		pageToken := ""
		for {
			q := url.Values{"pageSize": {"1000"}}
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}
			hreq, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/models?"+q.Encode(), secret, nil)
			if err != nil {
				return err
			}
			resp, err := c.http.Do(hreq)
			if err != nil {
				return err
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				apiErr := decodeAPIError(resp)
				resp.Body.Close()
				return apiErr
			}
			var page geminiModelList
			err = json.NewDecoder(resp.Body).Decode(&page)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode model list: %w", err)
			}
			for _, m := range page.Models {
				for _, method := range m.SupportedGenerationMethods {
					if method == "generateContent" {
						ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
						break
					}
				}
			}
			if page.NextPageToken == "" {
				return nil
			}
			pageToken = page.NextPageToken
		}
	})
	return ids, err
}
