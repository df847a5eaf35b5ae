package kinfolk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Options
// ============================================================================

type storeOptions struct {
	log           *slog.Logger
	registerer    prometheus.Registerer
	now           func() time.Time
	typingTimeout time.Duration
	identity      IdentityStore
	realtime      RealtimeConfig
}

type StoreOption func(*storeOptions)

func WithLogger(log *slog.Logger) StoreOption {
	return func(o *storeOptions) { o.log = log }
}

// WithRegisterer registers the store's metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) StoreOption {
	return func(o *storeOptions) { o.registerer = reg }
}

// WithClock replaces time.Now for cache freshness and timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) { o.now = now }
}

func WithTypingTimeout(d time.Duration) StoreOption {
	return func(o *storeOptions) { o.typingTimeout = d }
}

// WithIdentityStore sets where the signed-in user is persisted. The store
// takes ownership and closes it on Close.
func WithIdentityStore(s IdentityStore) StoreOption {
	return func(o *storeOptions) { o.identity = s }
}

func WithRealtimeConfig(cfg RealtimeConfig) StoreOption {
	return func(o *storeOptions) { o.realtime = cfg }
}

// ============================================================================
// Store
// ============================================================================

// storeEnv is the shared plumbing handed to every slice.
type storeEnv struct {
	client   *Client
	caches   *Caches
	bus      *Bus
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	identity IdentityStore
}

func (e *storeEnv) currentUser() (Profile, bool) {
	p, ok, err := e.identity.Load()
	if err != nil {
		e.log.Warn("identity_load_failed", "error", err)
		return Profile{}, false
	}
	return p, ok
}

func (e *storeEnv) saveIdentity(p Profile) {
	if err := e.identity.Save(p); err != nil {
		e.log.Warn("identity_save_failed", "username", p.Username, "error", err)
	}
}

// Store is the client-side state container: one slice per domain, the caches
// layered over them, the synchronizer wiring them together and the realtime
// connection pool feeding the chats slice.
type Store struct {
	Posts         *PostSlice
	Chats         *ChatSlice
	Profiles      *ProfileSlice
	Notifications *Notifications
	Caches        *Caches
	Bus           *Bus
	Connections   *ConnectionManager
	Sync          *Synchronizer
	Metrics       *Metrics

	env       *storeEnv
	closeOnce sync.Once
}

// NewStore builds a store over client and starts the synchronizer.
func NewStore(client *Client, opts ...StoreOption) *Store {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.identity == nil {
		o.identity = NewMemoryIdentityStore()
	}

	metrics := NewMetrics(o.registerer)
	env := &storeEnv{
		client:   client,
		caches:   newCaches(o.now, metrics),
		bus:      NewBus(o.log),
		log:      o.log,
		metrics:  metrics,
		now:      o.now,
		identity: o.identity,
	}

	s := &Store{
		Posts:       newPostSlice(env),
		Chats:       newChatSlice(env, o.typingTimeout),
		Profiles:    newProfileSlice(env),
		Caches:      env.caches,
		Bus:         env.bus,
		Connections: NewConnectionManager(client, o.realtime, o.log, metrics),
		Metrics:     metrics,
		env:         env,
	}
	s.Notifications = newNotifications(s.Chats, env)
	s.Sync = newSynchronizer(env, s.Posts, s.Chats, s.Profiles)
	s.Sync.Start()
	return s
}

// SignIn persists p as the current user.
func (s *Store) SignIn(p Profile) error {
	return s.env.identity.Save(p.Normalize())
}

// SignOut forgets the current user, closes every realtime connection and
// clears the caches.
func (s *Store) SignOut() error {
	s.Connections.DisconnectAll()
	s.Caches.InvalidateAll()
	return s.env.identity.Clear()
}

// OpenChat connects to a conversation's realtime channel with its events
// routed into the chats slice, marks it active and loads its history.
func (s *Store) OpenChat(ctx context.Context, chatID string) (*Connection, error) {
	conn, err := s.Connections.GetConnection(ctx, chatID, s.chatCallbacks(chatID))
	if err != nil {
		return nil, err
	}
	s.Connections.SetActive(chatID)
	s.Chats.SetActive(chatID)
	if _, err := s.Chats.LoadByID(ctx, chatID); err != nil {
		return conn, err
	}
	return conn, nil
}

func (s *Store) chatCallbacks(chatID string) Callbacks {
	return Callbacks{
		OnMessage: s.Chats.ReceiveMessage,
		OnTyping: func(userID string, typing bool) {
			if me, ok := s.env.currentUser(); ok && me.ID == userID {
				return
			}
			s.Chats.SetTyping(chatID, userID, typing)
		},
		OnStatus: func(messageID string, status MessageStatus) {
			s.Chats.SetMessageStatus(chatID, messageID, status)
		},
		OnError: func(err error) {
			s.env.log.Warn("realtime_error", "chat", chatID, "error", err)
		},
	}
}

// Close tears down connections, timers and subscriptions and closes the
// identity store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Connections.DisconnectAll()
		s.Sync.Stop()
		s.Bus.removeAll()
		s.Chats.stopTimers()
		err = s.env.identity.Close()
	})
	return err
}
