package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
)

// ChannelClient posts outbound messages to the messaging channel provider.
type ChannelClient struct {
	url        string
	contentMax int
	client     *http.Client
}

func NewChannelClient(url string, contentMax int, timeout time.Duration) *ChannelClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ChannelClient{
		url:        url,
		contentMax: contentMax,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	To       string            `json:"to"`
	Content  string            `json:"content"`
	Type     model.ContentType `json:"type"`
	MediaURL string            `json:"mediaUrl,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Send returns the provider message id. Errors wrapping
// apperr.ErrTerminalDelivery will never succeed on retry.
func (c *ChannelClient) Send(ctx context.Context, m model.Message) (string, error) {
	if c.contentMax > 0 && utf8.RuneCountInString(m.Content) > c.contentMax {
		return "", fmt.Errorf("%w: content exceeds %d chars", apperr.ErrTerminalDelivery, c.contentMax)
	}

	sr := sendRequest{
		To:       m.To,
		Content:  m.Content,
		Type:     m.Type,
		Metadata: m.Metadata,
	}
	if m.MediaURL != nil {
		sr.MediaURL = *m.MediaURL
	}

	reqBody, err := json.Marshal(sr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrTerminalDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusAccepted {
		err := fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %w", apperr.ErrTerminalDelivery, err)
		}
		return "", apperr.Transient(err)
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apperr.Transient(fmt.Errorf("failed to decode json: %w body=%q", err, string(body)))
	}
	if out.MessageID == "" {
		return "", apperr.Transient(fmt.Errorf("missing messageId in response body=%q", string(body)))
	}

	return out.MessageID, nil
}
