package kinfolk

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// ErrorKind classifies a failed backend interaction.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindAuth       ErrorKind = "auth"
	KindForbidden  ErrorKind = "forbidden"
	KindNotFound   ErrorKind = "not_found"
	KindValidation ErrorKind = "validation"
	KindServer     ErrorKind = "server"
	KindUnknown    ErrorKind = "unknown"
)

// Sentinel errors for errors.Is matching against an *APIError.
var (
	ErrNetwork    = &APIError{Kind: KindNetwork}
	ErrAuth       = &APIError{Kind: KindAuth}
	ErrForbidden  = &APIError{Kind: KindForbidden}
	ErrNotFound   = &APIError{Kind: KindNotFound}
	ErrValidation = &APIError{Kind: KindValidation}
	ErrServer     = &APIError{Kind: KindServer}
	ErrUnknown    = &APIError{Kind: KindUnknown}
)

// ErrNotConnected is returned when writing to a closed realtime connection.
var ErrNotConnected = errors.New("kinfolk: realtime connection is not open")

// APIError represents a failed REST call.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, kinfolk.ErrNotFound).
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// ============================================================================
// Entities
// ============================================================================

// DefaultAvatar is used whenever the backend omits an avatar.
const DefaultAvatar = "/static/images/default-avatar.png"

// UnknownUser is the display name of a record whose author is missing.
const UnknownUser = "Unknown User"

// Author is the denormalized author block carried by posts, stories and comments.
type Author struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
	Verified    bool   `json:"verified"`
	IsFollowing bool   `json:"is_following"`
}

type Post struct {
	ID           string    `json:"id"`
	Author       Author    `json:"author"`
	Content      string    `json:"content"`
	Image        string    `json:"image,omitempty"`
	LikeCount    int       `json:"like_count"`
	CommentCount int       `json:"comment_count"`
	ShareCount   int       `json:"share_count"`
	IsLiked      bool      `json:"is_liked"`
	CreatedAt    time.Time `json:"created_at"`
	TimeAgo      string    `json:"time_ago"`
	Active       bool      `json:"active"`
}

type Story struct {
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	Media     string    `json:"media"`
	Viewed    bool      `json:"viewed"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Profile struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name"`
	Avatar         string `json:"avatar"`
	Verified       bool   `json:"verified"`
	Bio            string `json:"bio"`
	FollowerCount  int    `json:"follower_count"`
	FollowingCount int    `json:"following_count"`
	PostCount      int    `json:"post_count"`
	IsFollowing    bool   `json:"is_following"`
}

// Author returns the snapshot of p used inside posts and messages.
func (p Profile) Author() Author {
	return Author{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		Verified:    p.Verified,
		IsFollowing: p.IsFollowing,
	}
}

// Participant is a chat member snapshot.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

// MessageStatus is the delivery lifecycle of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// MessageType distinguishes plain text from attachments.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageAttachment MessageType = "attachment"
)

// TempIDPrefix marks client-generated ids that await server confirmation.
const TempIDPrefix = "temp-"

type Message struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"client_id,omitempty"`
	ChatID     string        `json:"chat_id"`
	Sender     Participant   `json:"sender"`
	Content    string        `json:"content"`
	Type       MessageType   `json:"type"`
	Attachment string        `json:"attachment,omitempty"`
	ReplyTo    string        `json:"reply_to,omitempty"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// IsTemporary reports whether the message still carries a client-generated id.
func (m Message) IsTemporary() bool {
	return len(m.ID) > len(TempIDPrefix) && m.ID[:len(TempIDPrefix)] == TempIDPrefix
}

// MessageSnapshot is the denormalized last-message block of a chat.
type MessageSnapshot struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Chat struct {
	ID           string           `json:"id"`
	Participants []Participant    `json:"participants"`
	IsGroup      bool             `json:"is_group"`
	Name         string           `json:"name,omitempty"`
	LastMessage  *MessageSnapshot `json:"last_message,omitempty"`
	LastActivity time.Time        `json:"last_activity"`
	UnreadCount  int              `json:"unread_count"`
}

// ============================================================================
// Request / response shapes
// ============================================================================

// Page is the paginated envelope returned by list endpoints.
type Page struct {
	Results  []map[string]any `json:"results"`
	Next     *string          `json:"next"`
	Previous *string          `json:"previous"`
	Count    int              `json:"count"`
}

// LikeResult is returned by the like endpoints.
type LikeResult struct {
	IsLiked    bool `json:"is_liked"`
	TotalLikes int  `json:"total_likes"`
}

// CreateChatOptions is the body of POST /chats/.
type CreateChatOptions struct {
	ParticipantIDs []string `json:"participantIds"`
	IsGroupChat    bool     `json:"isGroupChat"`
	ChatName       string   `json:"chatName,omitempty"`
}

// SendMessageOptions is the body of POST /chats/{id}/messages.
type SendMessageOptions struct {
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	Attachment  string      `json:"attachment,omitempty"`
	ReplyTo     string      `json:"replyTo,omitempty"`
	ClientID    string      `json:"clientId,omitempty"`
}

// ProfileUpdate carries the editable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
}

// CreatePostOptions is the body of POST /posts/.
type CreatePostOptions struct {
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
}
