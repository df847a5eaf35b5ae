// Package kinfolk is the Go SDK for the Kinfolk social network.
//
// It bundles a REST client for the backend API with a client-side state
// layer: normalized entity transforms, TTL caches, domain slices for posts,
// chats, profiles and notifications, a cross-slice synchronizer, and a
// per-conversation WebSocket connection manager.
//
// Example:
//
//	client := kinfolk.NewClient("token", kinfolk.WithBaseURL("https://api.kinfolk.social"))
//	store := kinfolk.NewStore(client, kinfolk.WithLogger(logger))
//	defer store.Close()
//
//	_ = store.Posts.Fetch(ctx, 1, false)
//	conn, _ := store.OpenChat(ctx, "chat-1")
//	_ = conn.StartTyping(ctx)
package kinfolk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://api.kinfolk.social"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the Kinfolk REST API. Sub-clients group the endpoints.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client

	Posts    *PostsClient
	Stories  *StoriesClient
	Chats    *ChatsClient
	Profiles *ProfilesClient
	Users    *UsersClient
}

type ClientOption func(*Client)

// WithToken sets the bearer token, overriding the one passed to NewClient.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Kinfolk client.
// token is optional; requests carry a bearer header only when it is set.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Posts = &PostsClient{c: c}
	c.Stories = &StoriesClient{c: c}
	c.Chats = &ChatsClient{c: c}
	c.Profiles = &ProfilesClient{c: c}
	c.Users = &UsersClient{c: c}
	return c
}

// SetToken replaces the bearer token used by subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the REST base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// WSBaseURL returns the base URL with its scheme switched to ws/wss.
func (c *Client) WSBaseURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1)
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Status: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{
			Kind:    kindForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: errorMessage(data, resp.Status),
		}
	}
	return data, nil
}

// errorMessage pulls a human readable message out of an error body.
func errorMessage(data []byte, fallback string) string {
	var body map[string]any
	if json.Unmarshal(data, &body) == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if s := strOr(body, key, ""); s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" && len(s) < 200 {
		return s
	}
	return fallback
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(bytes.TrimSpace(data)) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeRecord decodes a single JSON object. An empty body yields an empty record.
func decodeRecord(data []byte) (map[string]any, error) {
	rec, err := decodeJSON[map[string]any](data)
	if err != nil {
		return nil, err
	}
	if *rec == nil {
		return map[string]any{}, nil
	}
	return *rec, nil
}

// decodeList accepts either a bare JSON array or a paginated {results: [...]} envelope.
func decodeList(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		list, err := decodeJSON[[]map[string]any](trimmed)
		if err != nil {
			return nil, err
		}
		return *list, nil
	}
	page, err := decodeJSON[Page](trimmed)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// ============================================================================
// Sub-clients
// ============================================================================

// PostsClient handles the feed endpoints.
type PostsClient struct{ c *Client }

// List fetches one page of the feed.
func (p *PostsClient) List(ctx context.Context, page int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	data, err := p.c.doRequest(ctx, "GET", "/posts/", nil, map[string]string{"page": strconv.Itoa(page)})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page](data)
}

func (p *PostsClient) Create(ctx context.Context, opts *CreatePostOptions) (map[string]any, error) {
	data, err := p.c.doRequest(ctx, "POST", "/posts/", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (p *PostsClient) Delete(ctx context.Context, postID string) error {
	_, err := p.c.doRequest(ctx, "DELETE", "/posts/"+url.PathEscape(postID)+"/", nil, nil)
	return err
}

func (p *PostsClient) Like(ctx context.Context, postID string) (*LikeResult, error) {
	data, err := p.c.doRequest(ctx, "POST", "/posts/"+url.PathEscape(postID)+"/like/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LikeResult](data)
}

func (p *PostsClient) Unlike(ctx context.Context, postID string) (*LikeResult, error) {
	data, err := p.c.doRequest(ctx, "DELETE", "/posts/"+url.PathEscape(postID)+"/like/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LikeResult](data)
}

func (p *PostsClient) Comments(ctx context.Context, postID string) ([]map[string]any, error) {
	data, err := p.c.doRequest(ctx, "GET", "/posts/"+url.PathEscape(postID)+"/comments/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(data)
}

func (p *PostsClient) AddComment(ctx context.Context, postID, content string) (map[string]any, error) {
	data, err := p.c.doRequest(ctx, "POST", "/posts/"+url.PathEscape(postID)+"/comments/", map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// StoriesClient handles stories.
type StoriesClient struct{ c *Client }

func (s *StoriesClient) List(ctx context.Context) ([]map[string]any, error) {
	data, err := s.c.doRequest(ctx, "GET", "/stories/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(data)
}

func (s *StoriesClient) View(ctx context.Context, storyID string) error {
	_, err := s.c.doRequest(ctx, "POST", "/stories/"+url.PathEscape(storyID)+"/view/", nil, nil)
	return err
}

// ChatsClient handles conversations and their message history.
type ChatsClient struct{ c *Client }

func (ch *ChatsClient) List(ctx context.Context) ([]map[string]any, error) {
	data, err := ch.c.doRequest(ctx, "GET", "/chats/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(data)
}

func (ch *ChatsClient) Get(ctx context.Context, chatID string) (map[string]any, error) {
	data, err := ch.c.doRequest(ctx, "GET", "/chats/"+url.PathEscape(chatID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (ch *ChatsClient) Create(ctx context.Context, opts *CreateChatOptions) (map[string]any, error) {
	data, err := ch.c.doRequest(ctx, "POST", "/chats/", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (ch *ChatsClient) Messages(ctx context.Context, chatID string) ([]map[string]any, error) {
	data, err := ch.c.doRequest(ctx, "GET", "/chats/"+url.PathEscape(chatID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(data)
}

func (ch *ChatsClient) Send(ctx context.Context, chatID string, opts *SendMessageOptions) (map[string]any, error) {
	data, err := ch.c.doRequest(ctx, "POST", "/chats/"+url.PathEscape(chatID)+"/messages", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// ProfilesClient handles profile reads and edits.
type ProfilesClient struct{ c *Client }

func (p *ProfilesClient) Get(ctx context.Context, username string) (map[string]any, error) {
	data, err := p.c.doRequest(ctx, "GET", "/profile/"+url.PathEscape(username), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (p *ProfilesClient) Update(ctx context.Context, username string, update *ProfileUpdate) (map[string]any, error) {
	data, err := p.c.doRequest(ctx, "PUT", "/profile/"+url.PathEscape(username), update, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// UploadAvatar posts the image as a multipart form under the "avatar" field.
func (p *ProfilesClient) UploadAvatar(ctx context.Context, fileName string, data []byte) (map[string]any, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading an avatar")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(avatarPartHeader(fileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	resp, err := p.c.send(ctx, "POST", "/profile/avatar", &buf, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(resp)
}

// UsersClient handles the social graph.
type UsersClient struct{ c *Client }

func (u *UsersClient) Follow(ctx context.Context, userID string) (map[string]any, error) {
	data, err := u.c.doRequest(ctx, "POST", "/users/"+url.PathEscape(userID)+"/follow", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (u *UsersClient) Unfollow(ctx context.Context, userID string) (map[string]any, error) {
	data, err := u.c.doRequest(ctx, "DELETE", "/users/"+url.PathEscape(userID)+"/follow", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// ============================================================================
// Helpers
// ============================================================================

func avatarPartHeader(fileName string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="avatar"; filename=%q`, filepath.Base(fileName))},
		"Content-Type":        {guessMimeType(fileName)},
	}
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in every platform's builtin registry
	if ext == ".webp" {
		return "image/webp"
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
