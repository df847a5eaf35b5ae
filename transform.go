package kinfolk

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Raw backend records arrive as loosely shaped JSON objects. The transforms
// below coerce them into the strict entity types; they never fail, missing or
// malformed fields fall back to documented defaults.

// TransformPost normalizes a raw feed record.
func TransformPost(raw map[string]any) Post {
	return transformPostAt(raw, time.Now())
}

func transformPostAt(raw map[string]any, now time.Time) Post {
	created := timeOr(raw, "created_at", "createdAt", "timestamp")
	p := Post{
		ID:           idOr(raw, "id"),
		Author:       authorOr(raw),
		Content:      strOr(raw, "content", strOr(raw, "text", "")),
		Image:        strOr(raw, "image", strOr(raw, "image_url", "")),
		LikeCount:    intOr(raw, 0, "like_count", "likes_count", "total_likes", "likes"),
		CommentCount: intOr(raw, 0, "comment_count", "comments_count", "comments"),
		ShareCount:   intOr(raw, 0, "share_count", "shares_count", "shares"),
		IsLiked:      boolOr(raw, false, "is_liked", "liked"),
		CreatedAt:    created,
		TimeAgo:      strOr(raw, "time_ago", ""),
		Active:       boolOr(raw, true, "is_active", "active"),
	}
	if p.TimeAgo == "" {
		if ts := strOr(raw, "timestamp", ""); ts != "" && created.IsZero() {
			p.TimeAgo = ts
		} else if !created.IsZero() {
			p.TimeAgo = humanize.RelTime(created, now, "ago", "from now")
		}
	}
	return p.Normalize()
}

// Normalize applies entity defaults. It is idempotent.
func (p Post) Normalize() Post {
	p.Author = p.Author.Normalize()
	p.LikeCount = clampZero(p.LikeCount)
	p.CommentCount = clampZero(p.CommentCount)
	p.ShareCount = clampZero(p.ShareCount)
	return p
}

// Normalize fills in the author placeholders.
func (a Author) Normalize() Author {
	if a.DisplayName == "" {
		if a.Username != "" {
			a.DisplayName = a.Username
		} else {
			a.DisplayName = UnknownUser
		}
	}
	if a.Avatar == "" {
		a.Avatar = DefaultAvatar
	}
	return a
}

// TransformProfile normalizes a raw profile record.
func TransformProfile(raw map[string]any) Profile {
	p := Profile{
		ID:             idOr(raw, "id", "user_id", "userId"),
		Username:       strOr(raw, "username", ""),
		DisplayName:    strOr(raw, "display_name", strOr(raw, "full_name", strOr(raw, "name", ""))),
		Avatar:         strOr(raw, "avatar", strOr(raw, "profile_picture", strOr(raw, "avatar_url", ""))),
		Verified:       boolOr(raw, false, "verified", "is_verified"),
		Bio:            strOr(raw, "bio", ""),
		FollowerCount:  intOr(raw, 0, "follower_count", "followers_count", "followers"),
		FollowingCount: intOr(raw, 0, "following_count", "followings_count", "following"),
		PostCount:      intOr(raw, 0, "post_count", "posts_count", "posts"),
		IsFollowing:    boolOr(raw, false, "is_following", "isFollowing"),
	}
	return p.Normalize()
}

func (p Profile) Normalize() Profile {
	if p.DisplayName == "" {
		if p.Username != "" {
			p.DisplayName = p.Username
		} else {
			p.DisplayName = UnknownUser
		}
	}
	if p.Avatar == "" {
		p.Avatar = DefaultAvatar
	}
	p.FollowerCount = clampZero(p.FollowerCount)
	p.FollowingCount = clampZero(p.FollowingCount)
	p.PostCount = clampZero(p.PostCount)
	return p
}

// TransformMessage normalizes a raw chat message.
func TransformMessage(raw map[string]any) Message {
	m := Message{
		ID:         idOr(raw, "id"),
		ClientID:   strOr(raw, "client_id", strOr(raw, "clientId", "")),
		ChatID:     idOr(raw, "chat_id", "chatId", "chat"),
		Sender:     participantOr(raw, "sender", "sender_id", "senderId"),
		Content:    strOr(raw, "content", ""),
		Type:       MessageType(strOr(raw, "message_type", strOr(raw, "messageType", strOr(raw, "type", "")))),
		Attachment: strOr(raw, "attachment", ""),
		ReplyTo:    idOr(raw, "reply_to", "replyTo"),
		Status:     MessageStatus(strOr(raw, "status", "")),
		CreatedAt:  timeOr(raw, "created_at", "createdAt", "timestamp"),
	}
	return m.Normalize()
}

func (m Message) Normalize() Message {
	if m.Type == "" {
		if m.Attachment != "" {
			m.Type = MessageAttachment
		} else {
			m.Type = MessageText
		}
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	m.Sender = m.Sender.Normalize()
	return m
}

func (p Participant) Normalize() Participant {
	if p.DisplayName == "" {
		if p.Username != "" {
			p.DisplayName = p.Username
		} else {
			p.DisplayName = UnknownUser
		}
	}
	if p.Avatar == "" {
		p.Avatar = DefaultAvatar
	}
	return p
}

// TransformChat normalizes a raw conversation record.
func TransformChat(raw map[string]any) Chat {
	c := Chat{
		ID:          idOr(raw, "id"),
		IsGroup:     boolOr(raw, false, "is_group", "is_group_chat", "isGroupChat"),
		Name:        strOr(raw, "name", strOr(raw, "chat_name", strOr(raw, "chatName", ""))),
		UnreadCount: intOr(raw, 0, "unread_count", "unreadCount"),
	}
	if list, ok := raw["participants"].([]any); ok {
		for _, item := range list {
			switch v := item.(type) {
			case map[string]any:
				c.Participants = append(c.Participants, toParticipant(v))
			case string, float64, json.Number:
				c.Participants = append(c.Participants, Participant{ID: idOr(map[string]any{"id": v}, "id")})
			}
		}
	}
	if lm, ok := raw["last_message"].(map[string]any); ok {
		msg := TransformMessage(lm)
		c.LastMessage = &MessageSnapshot{ID: msg.ID, SenderID: msg.Sender.ID, Content: msg.Content, CreatedAt: msg.CreatedAt}
	}
	c.LastActivity = timeOr(raw, "last_activity", "lastActivity", "updated_at", "updatedAt")
	if c.LastActivity.IsZero() && c.LastMessage != nil {
		c.LastActivity = c.LastMessage.CreatedAt
	}
	return c.Normalize()
}

func (c Chat) Normalize() Chat {
	if c.Participants != nil {
		parts := make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			parts[i] = p.Normalize()
		}
		c.Participants = parts
	}
	c.UnreadCount = clampZero(c.UnreadCount)
	return c
}

// TransformStory normalizes a raw story record.
func TransformStory(raw map[string]any) Story {
	s := Story{
		ID:        idOr(raw, "id"),
		Author:    authorOr(raw),
		Media:     strOr(raw, "media", strOr(raw, "image", strOr(raw, "video", ""))),
		Viewed:    boolOr(raw, false, "viewed", "is_viewed", "has_viewed"),
		CreatedAt: timeOr(raw, "created_at", "createdAt"),
		ExpiresAt: timeOr(raw, "expires_at", "expiresAt"),
	}
	s.Author = s.Author.Normalize()
	return s
}

// TransformComment normalizes a raw comment record.
func TransformComment(raw map[string]any) Comment {
	c := Comment{
		ID:        idOr(raw, "id"),
		PostID:    idOr(raw, "post_id", "postId", "post"),
		Author:    authorOr(raw),
		Content:   strOr(raw, "content", strOr(raw, "text", "")),
		CreatedAt: timeOr(raw, "created_at", "createdAt"),
	}
	c.Author = c.Author.Normalize()
	return c
}

// ============================================================================
// Coercion helpers
// ============================================================================

func authorOr(raw map[string]any) Author {
	for _, key := range []string{"author", "user", "owner"} {
		switch v := raw[key].(type) {
		case map[string]any:
			return Author{
				ID:          idOr(v, "id", "user_id", "userId"),
				Username:    strOr(v, "username", ""),
				DisplayName: strOr(v, "display_name", strOr(v, "full_name", strOr(v, "name", ""))),
				Avatar:      strOr(v, "avatar", strOr(v, "profile_picture", strOr(v, "avatar_url", ""))),
				Verified:    boolOr(v, false, "verified", "is_verified"),
				IsFollowing: boolOr(v, false, "is_following", "isFollowing"),
			}
		case string:
			if v != "" {
				return Author{Username: v}
			}
		}
	}
	return Author{
		ID:          idOr(raw, "author_id", "user_id"),
		Username:    strOr(raw, "author_username", strOr(raw, "username", "")),
		DisplayName: strOr(raw, "author_name", ""),
		Avatar:      strOr(raw, "author_avatar", ""),
		Verified:    boolOr(raw, false, "author_verified"),
	}
}

func participantOr(raw map[string]any, objKey string, idKeys ...string) Participant {
	if v, ok := raw[objKey].(map[string]any); ok {
		return toParticipant(v)
	}
	p := Participant{ID: idOr(raw, idKeys...)}
	if s, ok := raw[objKey].(string); ok && p.ID == "" {
		p.ID = s
	}
	p.Username = strOr(raw, "sender_username", "")
	p.DisplayName = strOr(raw, "sender_name", "")
	p.Avatar = strOr(raw, "sender_avatar", "")
	return p
}

func toParticipant(v map[string]any) Participant {
	return Participant{
		ID:          idOr(v, "id", "user_id", "userId"),
		Username:    strOr(v, "username", ""),
		DisplayName: strOr(v, "display_name", strOr(v, "full_name", strOr(v, "name", ""))),
		Avatar:      strOr(v, "avatar", strOr(v, "profile_picture", strOr(v, "avatar_url", ""))),
	}
}

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// idOr returns the first present key as a string; numeric ids are formatted without exponent.
func idOr(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case json.Number:
			return v.String()
		case map[string]any:
			if id := idOr(v, "id"); id != "" {
				return id
			}
		}
	}
	return ""
}

func intOr(m map[string]any, fallback int, keys ...string) int {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return fallback
}

func boolOr(m map[string]any, fallback bool, keys ...string) bool {
	for _, key := range keys {
		switch v := m[key].(type) {
		case bool:
			return v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	return fallback
}

func timeOr(m map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
