// Package api is the HTTP client for the chat server's REST endpoints used by
// the sync core: history pages, read reports and the contact list.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/protocol"
)

var ErrUnauthorized = errors.New("unauthorized")

// ServerError is a response whose result code is not success.
type ServerError struct {
	Status  int
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("chat api status=%d code=%d message=%q", e.Status, e.Code, e.Message)
}

type Client struct {
	logger     *slog.Logger
	baseURL    string
	tokens     auth.TokenProvider
	httpClient *http.Client
}

func NewClient(logger *slog.Logger, baseURL string, tokens auth.TokenProvider, timeout time.Duration) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "api"),
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// FetchPage returns one backward page of a room's history, oldest first.
func (c *Client) FetchPage(ctx context.Context, roomID uint64, size int, cursor *string, token string) (protocol.Page, error) {
	if roomID == 0 {
		return protocol.Page{}, fmt.Errorf("missing room id")
	}
	q := url.Values{}
	q.Set("roomId", strconv.FormatUint(roomID, 10))
	q.Set("pageSize", strconv.Itoa(size))
	if cursor != nil && *cursor != "" {
		q.Set("cursor", *cursor)
	}

	var page protocol.Page
	if err := c.do(ctx, http.MethodGet, "/chat/message/page", q, token, &page); err != nil {
		return protocol.Page{}, err
	}
	return page, nil
}

// MarkRead reports the room as read up to its newest message.
func (c *Client) MarkRead(ctx context.Context, roomID uint64) error {
	if roomID == 0 {
		return fmt.Errorf("missing room id")
	}
	path := "/chat/message/read/" + strconv.FormatUint(roomID, 10)
	return c.do(ctx, http.MethodPut, path, nil, c.token(), nil)
}

func (c *Client) ListContacts(ctx context.Context) ([]protocol.Contact, error) {
	var contacts []protocol.Contact
	if err := c.do(ctx, http.MethodGet, "/chat/contact/list", nil, c.token(), &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, token string, out any) error {
	if strings.TrimSpace(token) == "" {
		return ErrUnauthorized
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	var envelope protocol.Result[json.RawMessage]
	if err := json.Unmarshal(body, &envelope); err != nil {
		if res.StatusCode/100 != 2 {
			return &ServerError{Status: res.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if envelope.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if res.StatusCode/100 != 2 || envelope.Code != protocol.CodeSuccess {
		c.logger.Debug("api error", "path", path, "status", res.StatusCode, "code", envelope.Code)
		return &ServerError{Status: res.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}
