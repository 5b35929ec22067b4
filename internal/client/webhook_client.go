package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"wanotify/internal/model"
)

// StatusError reports a delivery the endpoint rejected with a non-2xx
// response. The body is kept for the message's error detail.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.StatusCode, e.Body)
}

type WebhookClient struct {
	client *http.Client
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookClient{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type deliveryRequest struct {
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Deliver POSTs the message payload to the endpoint URL. Any 2xx response
// is a successful delivery; anything else is returned as a *StatusError.
func (c *WebhookClient) Deliver(ctx context.Context, url string, msg model.Message) error {
	reqBody, err := json.Marshal(deliveryRequest{
		To:        msg.ToNumber,
		Message:   msg.Content,
		Type:      msg.Kind,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
