package adjudicator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Client is the HTTP Adjudicator. All three backends speak the
// OpenAI-compatible chat completion shape; the backend only changes how the
// endpoint URL is completed. One instance is safe for concurrent use.
type Client struct {
	cfg       *Config
	http      *http.Client
	retriever ContextRetriever
	logger    logging.Logger
}

var _ Adjudicator = (*Client)(nil)

// NewClient validates cfg and builds a reviewer. retriever may be nil;
// reviews then run without similar-case context.
func NewClient(cfg *Config, httpClient *http.Client, retriever ContextRetriever, logger logging.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeValidation, "adjudicator: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		cfg:       cfg,
		http:      httpClient,
		retriever: retriever,
		logger:    logger.Named("adjudicator"),
	}, nil
}

// chat completion wire shapes (request and the slice of the response we read).
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// verdict is the JSON object the model must answer with.
type verdict struct {
	Abstain    bool     `json:"abstain"`
	FieldPath  string   `json:"field_path"`
	Performed  *bool    `json:"performed"`
	Evidence   []string `json:"evidence"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// Review asks the model whether the note documents fieldPath and maps the
// answer to a Patch. (nil, nil) means the reviewer abstained. Evidence quotes
// are located in the note here; a quote the note does not contain verbatim
// discards the whole patch with ADJ_004.
func (c *Client) Review(ctx context.Context, note, fieldPath string, hint Hint) (*Patch, error) {
	if note == "" {
		return nil, errors.New(errors.ErrCodeValidation, "adjudicator: note is empty")
	}
	if fieldPath == "" {
		return nil, errors.New(errors.ErrCodeValidation, "adjudicator: field path is empty")
	}

	passages := c.retrievePassages(ctx, note, fieldPath)
	userPrompt := buildUserPrompt(note, fieldPath, hint, passages, c.cfg.MaxInputTokens)

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAdjudicationFailed, "adjudicator: encoding request")
	}

	content, err := c.callWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	return c.parseVerdict(content, note, fieldPath)
}

// retrievePassages is best-effort: a retriever failure downgrades the prompt,
// never the review.
func (c *Client) retrievePassages(ctx context.Context, note, fieldPath string) []Passage {
	if c.retriever == nil {
		return nil
	}
	passages, err := c.retriever.SimilarPassages(ctx, note, fieldPath, c.cfg.RAGTopK)
	if err != nil {
		c.logger.Warn("similar-case retrieval failed, reviewing without context",
			logging.String("field_path", fieldPath),
			logging.Err(err),
		)
		return nil
	}
	return passages
}

func (c *Client) callWithRetry(ctx context.Context, body []byte) (string, error) {
	backoff := time.Duration(c.cfg.Retry.InitialBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(c.cfg.Retry.MaxBackoffMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctxError(ctx)
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.cfg.Retry.BackoffMultiplier)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		content, retryable, err := c.callOnce(ctx, body)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", ctxError(ctx)
		}
		if !retryable {
			return "", err
		}
		lastErr = err
		c.logger.Warn("adjudication call failed, retrying",
			logging.Int("attempt", attempt+1),
			logging.Err(err),
		)
	}
	return "", errors.Wrap(lastErr, errors.ErrCodeAdjudicationUnavailable,
		"adjudicator: retries exhausted")
}

func (c *Client) callOnce(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(), bytes.NewReader(body))
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrCodeAdjudicationFailed, "adjudicator: building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", true, errors.Wrap(err, errors.ErrCodeAdjudicationUnavailable, "adjudicator: transport error")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, errors.Wrap(err, errors.ErrCodeAdjudicationUnavailable, "adjudicator: reading response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, errors.Newf(errors.ErrCodeAdjudicationUnavailable,
			"adjudicator: endpoint returned %d", resp.StatusCode)
	default:
		return "", false, errors.Newf(errors.ErrCodeAdjudicationFailed,
			"adjudicator: endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", false, errors.Wrap(err, errors.ErrCodeVerdictMalformed, "adjudicator: response is not a chat completion")
	}
	if len(cr.Choices) == 0 {
		return "", false, errors.New(errors.ErrCodeVerdictMalformed, "adjudicator: response has no choices")
	}
	return cr.Choices[0].Message.Content, false, nil
}

// requestURL completes the endpoint for the configured backend. vllm and
// openai endpoints are bases that need the chat-completions path; http is
// taken as the full route.
func (c *Client) requestURL() string {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	switch c.cfg.Backend {
	case BackendVLLM, BackendOpenAI:
		if strings.HasSuffix(base, "/chat/completions") {
			return base
		}
		return base + "/v1/chat/completions"
	default:
		return base
	}
}

func (c *Client) parseVerdict(content, note, fieldPath string) (*Patch, error) {
	var v verdict
	if err := json.Unmarshal([]byte(stripFence(content)), &v); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeVerdictMalformed, "adjudicator: verdict is not a JSON object")
	}

	if v.Abstain {
		c.logger.Debug("adjudicator abstained",
			logging.String("field_path", fieldPath),
			logging.String("rationale", v.Rationale),
		)
		return nil, nil
	}
	if v.Performed == nil {
		return nil, errors.New(errors.ErrCodeVerdictMalformed, "adjudicator: verdict has neither abstain nor performed")
	}
	if v.FieldPath != fieldPath {
		return nil, errors.Newf(errors.ErrCodeVerdictMalformed,
			"adjudicator: verdict targets %q, review asked about %q", v.FieldPath, fieldPath)
	}
	if v.Confidence <= 0 || v.Confidence > 1 {
		return nil, errors.Newf(errors.ErrCodeVerdictMalformed,
			"adjudicator: verdict confidence %g outside (0, 1]", v.Confidence)
	}
	if len(v.Evidence) == 0 {
		return nil, errors.New(errors.ErrCodePatchWithoutEvidence, "adjudicator: verdict carries no evidence quotes")
	}

	spans := make([]clinical.EvidenceSpan, 0, len(v.Evidence))
	for _, quote := range v.Evidence {
		quote = strings.TrimSpace(quote)
		if quote == "" {
			return nil, errors.New(errors.ErrCodePatchWithoutEvidence, "adjudicator: verdict contains an empty quote")
		}
		start := strings.Index(note, quote)
		if start < 0 {
			return nil, errors.Newf(errors.ErrCodePatchWithoutEvidence,
				"adjudicator: quote %q is not a verbatim substring of the note", truncateQuote(quote))
		}
		spans = append(spans, clinical.EvidenceSpan{
			Source:     clinical.ExtractorCorrective,
			Text:       quote,
			Span:       [2]int{start, start + len(quote)},
			Confidence: v.Confidence,
		})
	}

	return &Patch{
		FieldPath:  fieldPath,
		NewValue:   *v.Performed,
		Evidence:   spans,
		Confidence: v.Confidence,
		Rationale:  v.Rationale,
	}, nil
}

// stripFence removes a markdown code fence some models insist on wrapping
// JSON answers in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateQuote(q string) string {
	const max = 60
	if len(q) <= max {
		return q
	}
	return q[:max] + "..."
}

func ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ctx.Err(), errors.ErrCodeAdjudicationTimeout, "adjudicator: review timed out")
	}
	return errors.Wrap(ctx.Err(), errors.ErrCodeAdjudicationFailed, "adjudicator: review canceled")
}
