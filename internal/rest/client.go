// Package rest is the HTTP side of the backend contract: conversation and
// message snapshots, the fallback send/delete path used while the channel
// is down, and media uploads.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/syntex82/WordPress-Node-sub005/internal/util"
	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/rest")

// Client talks JSON over HTTPS to the backend. Safe for concurrent use.
type Client struct {
	baseURL string
	token   func() string
	http    *http.Client
}

// New creates a client for baseURL. token is called per request so a
// rotated session token takes effect without rebuilding the client.
func New(baseURL string, token func() string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: util.NormalizeURL(baseURL),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// do performs one request, drains the response body, and decodes JSON into
// out when out is non-nil. Non-2xx statuses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return newAPIError(method, path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

// Conversations fetches the full conversation list.
func (c *Client) Conversations(ctx context.Context) ([]wire.Conversation, error) {
	var out []wire.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches the full ordered history of one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]wire.Message, error) {
	var out []wire.Message
	path := "/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage is the fallback send path used while the channel is
// disconnected. The server returns the canonical message.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, media []wire.Attachment) (*wire.Message, error) {
	body := struct {
		Content string            `json:"content"`
		Media   []wire.Attachment `json:"media,omitempty"`
	}{Content: content, Media: media}

	var out wire.Message
	path := "/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes one message (fallback path).
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	path := "/conversations/" + conversationID + "/messages/" + messageID
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// DeleteConversation removes a conversation for the current user.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+conversationID, nil, nil)
}

// StartConversation returns the new or existing conversation with peerID.
func (c *Client) StartConversation(ctx context.Context, peerID string) (*wire.Conversation, error) {
	body := struct {
		PeerID string `json:"peerId"`
	}{PeerID: peerID}

	var out wire.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/start", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MediaFile is one file to upload before it can be referenced by a message.
type MediaFile struct {
	Name    string
	Mime    string
	Content io.Reader
}

// UploadMedia uploads files as multipart form data and returns the
// attachment descriptors the server assigned.
func (c *Client) UploadMedia(ctx context.Context, files []MediaFile) ([]wire.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/media", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return nil, newAPIError(http.MethodPost, "/messages/media", resp)
	}

	var out []wire.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	log.Debugf("uploaded %d media file(s)", len(out))
	return out, nil
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// Retryable reports whether the operation may succeed if repeated.
func (e *APIError) Retryable() bool { return e.Status >= 500 }

func newAPIError(method, path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	// Backends wrap errors as {"error": "..."} — unwrap when they do.
	var wrapped struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != "" {
		msg = wrapped.Error
	}
	return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: msg}
}
