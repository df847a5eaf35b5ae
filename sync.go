package kinfolk

import "sync"

// Synchronizer keeps denormalized copies consistent across slices. It reacts
// to committed-mutation events and patches the dependent slices through their
// command methods, which publish nothing, so a propagation never triggers
// another one.
type Synchronizer struct {
	env      *storeEnv
	posts    *PostSlice
	chats    *ChatSlice
	profiles *ProfileSlice

	mu          sync.Mutex
	unsubscribe func()
}

func newSynchronizer(env *storeEnv, posts *PostSlice, chats *ChatSlice, profiles *ProfileSlice) *Synchronizer {
	return &Synchronizer{env: env, posts: posts, chats: chats, profiles: profiles}
}

// Start subscribes to the event bus. Calling it twice is a no-op.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.env.bus.Subscribe(s.handle)
	}
}

// Stop unsubscribes from the event bus.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

func (s *Synchronizer) handle(ev Event) {
	var n int
	switch e := ev.(type) {
	case PostRemoved:
		if s.profiles.AdjustPostCount(e.Post.Author.Username, -1) {
			n = 1
		}
	case PostAdded:
		if s.profiles.AdjustPostCount(e.Post.Author.Username, 1) {
			n = 1
		}
	case ProfileUpdated:
		p := e.Profile
		n = s.posts.PatchAuthor(p.Username, func(a Author) Author {
			a.DisplayName = p.DisplayName
			a.Avatar = p.Avatar
			a.Verified = p.Verified
			return a
		})
		n += s.chats.PatchSender(p.ID, func(pt Participant) Participant {
			pt.DisplayName = p.DisplayName
			pt.Avatar = p.Avatar
			return pt
		})
	case AvatarUploaded:
		n = s.posts.PatchAuthor(e.Username, func(a Author) Author {
			a.Avatar = e.Avatar
			return a
		})
		n += s.chats.PatchSender(e.UserID, func(pt Participant) Participant {
			pt.Avatar = e.Avatar
			return pt
		})
	case ChatCreated:
		n = s.registerDirectChat(e.Chat)
	case FollowChanged:
		// Authors without an id are matched by username.
		n = s.posts.patchAuthors(func(a Author) bool {
			if a.ID != "" {
				return a.ID == e.UserID
			}
			return e.Username != "" && a.Username == e.Username
		}, func(a Author) Author {
			a.IsFollowing = e.Following
			return a
		})
	default:
		return
	}

	if n > 0 {
		s.env.metrics.propagated(ev.Type())
		s.env.log.Debug("sync_propagated", "event", ev.Type(), "entries", n)
	}
}

// registerDirectChat maps each other participant of a direct chat to the chat
// id so the next FindOrCreateDirect skips the backend.
func (s *Synchronizer) registerDirectChat(c Chat) int {
	if c.IsGroup || c.ID == "" {
		return 0
	}
	me, _ := s.env.currentUser()
	n := 0
	for _, p := range c.Participants {
		if p.ID == "" || p.ID == me.ID {
			continue
		}
		s.env.caches.ChatIDs.Put(p.ID, c.ID)
		n++
	}
	return n
}
