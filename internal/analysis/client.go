package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
)

// Inference latency is unbounded on consumer hardware; the request
// timeout is deliberately generous.
const (
	requestTimeout = 10 * time.Minute
	healthTimeout  = 10 * time.Second
)

const russianPrompt = `[INST] Ты - русскоязычный AI ассистент для анализа телефонных разговоров.

Проанализируй транскрипцию и верни ответ в формате JSON строго на русском языке.

ЖЕСТКИЕ ТРЕБОВАНИЯ:
1. ВСЕ текстовые поля должны быть на РУССКОМ языке
2. Используй только кириллицу
3. Никакого английского в ответе
4. Только JSON без дополнительного текста
5. Не используй markdown разметку

Структура JSON:
{
  "sentiment": "позитивный/негативный/нейтральный",
  "key_topics": ["тема обсуждения 1", "тема обсуждения 2"],
  "action_items": ["необходимое действие 1", "необходимое действие 2"],
  "summary": "полное краткое содержание разговора на русском языке",
  "call_quality": "хороший/средний/плохой"
}

Верни ответ строго на русском языке! [/INST]

Транскрипция для анализа:`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client talks to the LM Studio chat-completions endpoint.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	log     *logrus.Entry
}

func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: requestTimeout},
		log:     logger.Component("lm-client").WithField("model", model),
	}
}

// Model returns the configured model identifier, recorded alongside
// every persisted analysis.
func (c *Client) Model() string { return c.model }

// Healthy probes /v1/models. Transient failures are retried briefly;
// an unreachable service fails the current task without further contact.
func (c *Client) Healthy(ctx context.Context) bool {
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/v1/models", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health status %d", resp.StatusCode)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.log.WithError(err).Warn("inference service unreachable")
		return false
	}
	return true
}

// Analyze issues one chat-completion request for the given text and
// returns the sanitized JSON payload. There is no retry at this level:
// a failed request fails the chunk or task, and redelivery happens
// through the queue's failed-task policy.
func (c *Client) Analyze(ctx context.Context, text string) (json.RawMessage, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role:    "user",
			Content: fmt.Sprintf("%s\n\n%s\n\nВерни JSON ответ строго на русском языке:", russianPrompt, text),
		}},
		Temperature: 0.1,
		MaxTokens:   4000,
		TopP:        0.9,
		Stream:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat request status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}
	content := parsed.Choices[0].Message.Content

	cleaned, err := ExtractJSON(content)
	if err != nil {
		c.log.WithError(err).WithField("raw", truncate(content, 200)).Warn("model output rejected")
		return nil, err
	}

	// Shape check: the payload must decode into the expected structure.
	var r Result
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("payload does not match schema: %v", err)}
	}

	if !containsCyrillic(cleaned) {
		c.log.Warn("model output may not be in Russian")
	}
	return json.RawMessage(cleaned), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
