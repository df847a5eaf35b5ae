package kinfolk

import (
	"log/slog"
	"sync"
)

// EventType names a committed mutation.
type EventType string

const (
	EventPostsLoaded    EventType = "posts.loaded"
	EventPostAdded      EventType = "post.added"
	EventPostRemoved    EventType = "post.removed"
	EventProfileLoaded  EventType = "profile.loaded"
	EventProfileUpdated EventType = "profile.updated"
	EventAvatarUploaded EventType = "profile.avatar_uploaded"
	EventFollowChanged  EventType = "profile.follow_changed"
	EventChatCreated    EventType = "chat.created"
	EventMessageAdded   EventType = "chat.message_added"
)

// Event is published by a slice after it commits a mutation.
type Event interface {
	Type() EventType
}

type PostsLoaded struct {
	Page  int
	Count int
}

type PostAdded struct{ Post Post }

type PostRemoved struct{ Post Post }

type ProfileLoaded struct{ Profile Profile }

type ProfileUpdated struct{ Profile Profile }

type AvatarUploaded struct {
	UserID   string
	Username string
	Avatar   string
}

type FollowChanged struct {
	UserID    string
	Username  string
	Following bool
}

type ChatCreated struct{ Chat Chat }

type MessageAdded struct {
	Message Message
	// Remote is true when the message arrived over the realtime connection.
	Remote bool
}

func (PostsLoaded) Type() EventType    { return EventPostsLoaded }
func (PostAdded) Type() EventType      { return EventPostAdded }
func (PostRemoved) Type() EventType    { return EventPostRemoved }
func (ProfileLoaded) Type() EventType  { return EventProfileLoaded }
func (ProfileUpdated) Type() EventType { return EventProfileUpdated }
func (AvatarUploaded) Type() EventType { return EventAvatarUploaded }
func (FollowChanged) Type() EventType  { return EventFollowChanged }
func (ChatCreated) Type() EventType    { return EventChatCreated }
func (MessageAdded) Type() EventType   { return EventMessageAdded }

// EventHandler receives committed-mutation events.
type EventHandler func(Event)

// Bus fans committed-mutation events out to subscribers. Delivery is
// synchronous, in subscription order, and never under a slice lock.
type Bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
	order    []int
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, handlers: make(map[int]EventHandler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h EventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every subscriber. A panicking handler is logged and
// does not stop delivery to the others.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event_handler_panic", "event", ev.Type(), "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// removeAll drops every subscriber.
func (b *Bus) removeAll() {
	b.mu.Lock()
	b.handlers = make(map[int]EventHandler)
	b.order = nil
	b.mu.Unlock()
}
