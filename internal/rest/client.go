// Package rest implements the request/response transport: conversation
// bootstrap, history pages and the fallback send path used when the
// socket is unavailable.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mechlink/chatcore/internal/model"
)

// API is the contract the engine consumes. Defined here so tests and the
// transport layer can substitute a mock.
type API interface {
	StartConversation(ctx context.Context, kind model.ConversationKind, participants []string) (string, error)
	FetchHistoryPage(ctx context.Context, conversationID string, limit int, cursor model.Cursor) (*model.HistoryPage, error)
	SendMessage(ctx context.Context, conversationID string, msg SendRequest) (*SendResponse, error)
}

// SendRequest is the body of a fallback send.
type SendRequest struct {
	ClientMsgID string             `json:"client_msg_id"`
	Text        string             `json:"text"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// SendResponse is the server's acknowledgment of a delivered message.
type SendResponse struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

type client struct {
	http    *http.Client
	baseURL string
}

// NewClient builds the production API client. baseURL comes from
// configuration.
func NewClient(baseURL string) API {
	return &client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

type startConversationRequest struct {
	Kind         model.ConversationKind `json:"kind"`
	Participants []string               `json:"participants"`
}

type startConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

func (c *client) StartConversation(ctx context.Context, kind model.ConversationKind, participants []string) (string, error) {
	var resp startConversationResponse
	err := c.post(ctx, "/api/v1/conversations", startConversationRequest{Kind: kind, Participants: participants}, &resp)
	if err != nil {
		return "", fmt.Errorf("could not start conversation: %w", err)
	}
	if resp.ConversationID == "" {
		return "", fmt.Errorf("start conversation: server returned empty conversation id")
	}
	return resp.ConversationID, nil
}

func (c *client) FetchHistoryPage(ctx context.Context, conversationID string, limit int, cursor model.Cursor) (*model.HistoryPage, error) {
	endpoint := fmt.Sprintf("%s/api/v1/conversations/%s/messages", c.baseURL, url.PathEscape(conversationID))
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !cursor.IsZero() {
		q.Set("before_ts", cursor.CreatedAt.UTC().Format(time.RFC3339Nano))
		q.Set("before_id", cursor.ID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not create history request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("api returned non-200 status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var page model.HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("could not decode history page: %w", err)
	}
	return &page, nil
}

func (c *client) SendMessage(ctx context.Context, conversationID string, msg SendRequest) (*SendResponse, error) {
	var resp SendResponse
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.post(ctx, path, msg, &resp); err != nil {
		return nil, fmt.Errorf("could not send message: %w", err)
	}
	return &resp, nil
}

// post marshals body, issues a POST against the given path and decodes the
// JSON response into out.
func (c *client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("could not create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api returned non-200 status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}
