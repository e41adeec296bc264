package api

import (
	"context"
	"fmt"
	"time"

	"hollow/internal/models"

	"github.com/go-resty/resty/v2"
)

// Error is a non-2xx response from the backend, decoded from its
// {"error": "..."} body.
type Error struct {
	Status  int
	Message string `json:"error"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// TokenSource returns the current bearer token, empty when logged out.
type TokenSource func() string

// Client is the REST side of the hollow backend: message history,
// conversation listing, and the send fallback used when the socket is down.
type Client struct {
	http *resty.Client
}

func New(baseURL string, token TokenSource, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	httpClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if t := token(); t != "" {
			r.SetHeader("Authorization", "Bearer "+t)
		}
		return nil
	})

	return &Client{http: httpClient}
}

// R exposes the underlying resty client for collaborators that share its
// transport and auth setup, like the media cache.
func (c *Client) R() *resty.Client {
	return c.http
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		apiErr, ok := resp.Error().(*Error)
		if !ok || apiErr == nil {
			return &Error{Status: resp.StatusCode()}
		}
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return nil
}

// Conversations lists the current user's conversations.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Data []models.Conversation `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&Error{}).
		Get("/api/v1/chat/conversations")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Messages fetches one page of history with the given user, newest page
// first. Page numbering starts at 1.
func (c *Client) Messages(ctx context.Context, userID int64, page, pageSize int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	var out struct {
		Data []models.Message `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("userId", fmt.Sprint(userID)).
		SetQueryParam("page", fmt.Sprint(page)).
		SetQueryParam("pageSize", fmt.Sprint(pageSize)).
		SetResult(&out).
		SetError(&Error{}).
		Get("/api/v1/chat/messages/{userId}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// SendMessage creates a message over REST and returns the server-assigned
// record. This is the fallback path when the socket send is refused.
func (c *Client) SendMessage(ctx context.Context, receiverID int64, content string) (models.Message, error) {
	var out struct {
		Data models.Message `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"receiver_id": receiverID, "content": content}).
		SetResult(&out).
		SetError(&Error{}).
		Post("/api/v1/chat/messages")
	if err := check(resp, err); err != nil {
		return models.Message{}, err
	}
	return out.Data, nil
}

// MarkRead marks one message as read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", fmt.Sprint(messageID)).
		SetError(&Error{}).
		Put("/api/v1/chat/messages/{id}/read")
	return check(resp, err)
}

// UnreadCount returns the total number of unread messages.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&Error{}).
		Get("/api/v1/chat/unread-count")
	if err := check(resp, err); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		SetError(&Error{}).
		Post("/api/v1/auth/login")
	if err := check(resp, err); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("token missing in login response")
	}
	return out.Token, nil
}

// RegisteredUser is the account info returned by Register.
type RegisteredUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// Register creates an account with the verification code sent to the email.
func (c *Client) Register(ctx context.Context, email, code, password string) (RegisteredUser, error) {
	var out struct {
		User RegisteredUser `json:"user"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "code": code, "password": password}).
		SetResult(&out).
		SetError(&Error{}).
		Post("/api/v1/auth/register")
	if err := check(resp, err); err != nil {
		return RegisteredUser{}, err
	}
	if out.User.ID == 0 {
		return RegisteredUser{}, fmt.Errorf("user missing in register response")
	}
	return out.User, nil
}

// SendVerificationCode asks the backend to email a registration code.
func (c *Client) SendVerificationCode(ctx context.Context, email string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email}).
		SetError(&Error{}).
		Post("/api/v1/email/send")
	return check(resp, err)
}
