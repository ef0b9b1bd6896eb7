// Package roomsapi is a client for the room and auth endpoints that sit next
// to the chat socket: room listing and creation, the presence snapshot, and
// the cookie session used by /login, /validate and /logout.
package roomsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"github.com/codefionn/roomchat/internal/consts"
	"github.com/codefionn/roomchat/internal/logger"
	"golang.org/x/net/publicsuffix"
)

// ErrUnauthenticated matches an APIError with status 401 or 403
var ErrUnauthenticated = errors.New("not authenticated")

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrUnauthenticated) match auth failures
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthenticated &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Room is a chat room
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member is a client currently connected to a room
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// User is the authenticated account
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// UserID returns the id in the form the join endpoint expects
func (u User) UserID() string {
	return strconv.FormatInt(u.ID, 10)
}

// Client talks to one server. It keeps the auth cookie between calls.
type Client struct {
	base *url.URL
	http *http.Client
	log  *logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the http client. Its Jar is used for the session
// cookie; a client without a jar gets one.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a client for baseURL, e.g. http://localhost:3000
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("server url has no host")
	}

	c := &Client{
		base: u,
		http: &http.Client{Timeout: consts.HTTPTimeout},
		log:  logger.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	c.log = c.log.WithPrefix("api")
	return c, nil
}

// ListRooms returns the rooms in server order
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/ws/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoom creates a room, or returns the existing one with that id
func (c *Client) CreateRoom(ctx context.Context, id, name string) (Room, error) {
	if id == "" {
		return Room{}, errors.New("room id is required")
	}
	var room Room
	if err := c.do(ctx, http.MethodPost, "/ws/create-room", Room{ID: id, Name: name}, &room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// Clients returns who is connected to a room right now
func (c *Client) Clients(ctx context.Context, roomID string) ([]Member, error) {
	var members []Member
	if err := c.do(ctx, http.MethodGet, "/ws/clients/"+url.PathEscape(roomID), nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// Login authenticates with email and password and returns the validated user
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/login", body, nil); err != nil {
		return User{}, err
	}
	return c.Validate(ctx)
}

// Validate returns the user of the current session. Any failure, including an
// unreachable server, is returned as an error; there is no offline fallback.
func (c *Client) Validate(ctx context.Context) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/validate", nil, &u); err != nil {
		return User{}, err
	}
	if u.Name == "" {
		return User{}, &APIError{StatusCode: http.StatusUnauthorized, Message: "session has no user"}
	}
	return u, nil
}

// Logout ends the session. The server expires the cookie.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil)
}

// GoogleAuthURL is the address a browser opens to start Google sign-in
func (c *Client) GoogleAuthURL() string {
	u := *c.base
	u.Path = "/auth"
	u.RawQuery = url.Values{"provider": []string{"google"}}.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug("%s %s", method, u.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, consts.MaxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
		c.log.Warn("%s %s: %v", method, path, apiErr)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage pulls "message" out of a JSON error body, or uses the text as is
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(data))
}
