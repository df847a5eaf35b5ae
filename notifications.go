package kinfolk

import (
	"strings"
	"time"
)

// DefaultRecentActivity is the number of entries Recent returns for n <= 0.
const DefaultRecentActivity = 10

// Activity is one entry of the recent-activity feed.
type Activity struct {
	ChatID   string
	Title    string
	SenderID string
	Preview  string
	At       time.Time
	Unread   int
}

type NotificationSummary struct {
	UnreadChats    int
	UnreadMessages int
	Latest         *Activity
}

// Notifications is a read-only view derived from the chats slice.
type Notifications struct {
	chats  *ChatSlice
	env    *storeEnv
	recent int
}

func newNotifications(chats *ChatSlice, env *storeEnv) *Notifications {
	return &Notifications{chats: chats, env: env, recent: DefaultRecentActivity}
}

// UnreadCount sums unread messages across all chats.
func (n *Notifications) UnreadCount() int {
	total := 0
	for _, c := range n.chats.Chats() {
		total += c.UnreadCount
	}
	return total
}

// Recent returns activity from the most recently active chats that carry a
// last message.
func (n *Notifications) Recent(limit int) []Activity {
	if limit <= 0 {
		limit = n.recent
	}
	me, _ := n.env.currentUser()
	var out []Activity
	for _, c := range n.chats.Chats() {
		if c.LastMessage == nil {
			continue
		}
		out = append(out, Activity{
			ChatID:   c.ID,
			Title:    chatTitle(c, me.ID),
			SenderID: c.LastMessage.SenderID,
			Preview:  c.LastMessage.Content,
			At:       c.LastActivity,
			Unread:   c.UnreadCount,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

func (n *Notifications) Summary() NotificationSummary {
	var sum NotificationSummary
	for _, c := range n.chats.Chats() {
		if c.UnreadCount > 0 {
			sum.UnreadChats++
			sum.UnreadMessages += c.UnreadCount
		}
	}
	if recent := n.Recent(1); len(recent) == 1 {
		sum.Latest = &recent[0]
	}
	return sum
}

// chatTitle is the chat name, or the other participants' display names for
// an unnamed chat.
func chatTitle(c Chat, selfID string) string {
	if c.Name != "" {
		return c.Name
	}
	var names []string
	for _, p := range c.Participants {
		if p.ID != selfID {
			names = append(names, p.DisplayName)
		}
	}
	if len(names) == 0 {
		return UnknownUser
	}
	return strings.Join(names, ", ")
}
