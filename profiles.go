package kinfolk

import (
	"context"
	"sync"
)

// ProfilesState is a read-only snapshot of the profiles slice.
type ProfilesState struct {
	Profiles map[string]Profile
	Loading  bool
	Error    string
}

// ProfileSlice owns user profiles keyed by username. Every successful fetch
// writes through to the profile cache, and every local edit is applied to
// both so the two never disagree.
type ProfileSlice struct {
	env *storeEnv

	mu            sync.RWMutex
	profiles      map[string]Profile
	loading       bool
	err           string
	followPending map[string]bool
}

func newProfileSlice(env *storeEnv) *ProfileSlice {
	return &ProfileSlice{
		env:           env,
		profiles:      make(map[string]Profile),
		followPending: make(map[string]bool),
	}
}

// LoadByUsername returns the profile, calling the backend only when the cached
// copy is older than ProfileCacheTTL.
func (s *ProfileSlice) LoadByUsername(ctx context.Context, username string) (Profile, error) {
	if p, ok := s.env.caches.Profiles.Get(username); ok {
		s.mu.Lock()
		s.profiles[username] = p
		s.mu.Unlock()
		return p, nil
	}

	s.mu.Lock()
	s.loading = true
	s.err = ""
	s.mu.Unlock()

	raw, err := s.env.client.Profiles.Get(ctx, username)
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.err = err.Error()
		s.mu.Unlock()
		s.env.log.Warn("profile_load_failed", "username", username, "error", err)
		return Profile{}, err
	}

	p := TransformProfile(raw)
	if p.Username == "" {
		p.Username = username
	}
	s.mu.Lock()
	s.loading = false
	s.profiles[p.Username] = p
	s.mu.Unlock()
	s.env.caches.Profiles.Put(p.Username, p)

	s.env.bus.Publish(ProfileLoaded{Profile: p})
	return p, nil
}

// LoadCurrentUser loads the profile of the signed-in user and refreshes the
// persisted identity with it.
func (s *ProfileSlice) LoadCurrentUser(ctx context.Context) (Profile, error) {
	me, ok := s.env.currentUser()
	if !ok || me.Username == "" {
		return Profile{}, &APIError{Kind: KindAuth, Message: "no signed-in user"}
	}
	p, err := s.LoadByUsername(ctx, me.Username)
	if err != nil {
		return Profile{}, err
	}
	s.env.saveIdentity(p)
	return p, nil
}

// Update edits the signed-in user's profile.
func (s *ProfileSlice) Update(ctx context.Context, update ProfileUpdate) (Profile, error) {
	me, ok := s.env.currentUser()
	if !ok || me.Username == "" {
		return Profile{}, &APIError{Kind: KindAuth, Message: "no signed-in user"}
	}

	raw, err := s.env.client.Profiles.Update(ctx, me.Username, &update)
	if err != nil {
		s.setError(err)
		return Profile{}, err
	}

	p := TransformProfile(raw)
	if p.Username == "" {
		p = s.applyUpdate(me, update)
	}
	s.commit(p)
	s.env.saveIdentity(p)

	s.env.bus.Publish(ProfileUpdated{Profile: p})
	return p, nil
}

// UploadAvatar uploads a new avatar for the signed-in user and returns its URL.
func (s *ProfileSlice) UploadAvatar(ctx context.Context, fileName string, data []byte) (string, error) {
	me, ok := s.env.currentUser()
	if !ok {
		return "", &APIError{Kind: KindAuth, Message: "no signed-in user"}
	}

	raw, err := s.env.client.Profiles.UploadAvatar(ctx, fileName, data)
	if err != nil {
		s.setError(err)
		return "", err
	}
	avatar := strOr(raw, "avatar", strOr(raw, "avatar_url", strOr(raw, "url", "")))
	if avatar == "" {
		err := &APIError{Kind: KindValidation, Message: "avatar upload response carries no url"}
		s.setError(err)
		return "", err
	}

	p, cached := s.Profile(me.Username)
	if !cached {
		p = me
	}
	p.Avatar = avatar
	s.commit(p)
	s.env.saveIdentity(p)

	s.env.bus.Publish(AvatarUploaded{UserID: me.ID, Username: me.Username, Avatar: avatar})
	return avatar, nil
}

func (s *ProfileSlice) Follow(ctx context.Context, userID string) error {
	return s.setFollow(ctx, userID, true)
}

func (s *ProfileSlice) Unfollow(ctx context.Context, userID string) error {
	return s.setFollow(ctx, userID, false)
}

// setFollow tracks its own per-user loading flag so a follow in flight does
// not mark the whole slice as loading.
func (s *ProfileSlice) setFollow(ctx context.Context, userID string, follow bool) error {
	s.mu.Lock()
	if s.followPending[userID] {
		s.mu.Unlock()
		return nil
	}
	s.followPending[userID] = true
	s.mu.Unlock()

	var (
		raw map[string]any
		err error
	)
	if follow {
		raw, err = s.env.client.Users.Follow(ctx, userID)
	} else {
		raw, err = s.env.client.Users.Unfollow(ctx, userID)
	}

	s.mu.Lock()
	delete(s.followPending, userID)
	if err != nil {
		s.err = err.Error()
		s.mu.Unlock()
		s.env.log.Warn("follow_failed", "user", userID, "follow", follow, "error", err)
		return err
	}

	delta := 1
	if !follow {
		delta = -1
	}
	var target Profile
	var updated []Profile
	for name, p := range s.profiles {
		if p.ID != userID {
			continue
		}
		if p.IsFollowing != follow {
			p.FollowerCount = clampZero(p.FollowerCount + delta)
		}
		p.FollowerCount = intOr(raw, p.FollowerCount, "follower_count", "followers_count")
		p.IsFollowing = follow
		s.profiles[name] = p
		target = p
		updated = append(updated, p)
	}
	me, _ := s.env.currentUser()
	if cur, ok := s.profiles[me.Username]; ok && me.Username != "" {
		cur.FollowingCount = clampZero(cur.FollowingCount + delta)
		s.profiles[me.Username] = cur
		updated = append(updated, cur)
	}
	s.mu.Unlock()

	for _, p := range updated {
		s.env.caches.Profiles.Update(p.Username, func(Profile) Profile { return p })
	}

	s.env.bus.Publish(FollowChanged{UserID: userID, Username: target.Username, Following: follow})
	return nil
}

// AdjustPostCount shifts a profile's post count by delta, flooring at zero.
// Profiles that are neither loaded nor cached are left alone.
func (s *ProfileSlice) AdjustPostCount(username string, delta int) bool {
	if username == "" {
		return false
	}
	adjust := func(p Profile) Profile {
		p.PostCount = clampZero(p.PostCount + delta)
		return p
	}

	s.mu.Lock()
	p, loaded := s.profiles[username]
	if loaded {
		s.profiles[username] = adjust(p)
	}
	s.mu.Unlock()

	cached := s.env.caches.Profiles.Update(username, adjust)
	return loaded || cached
}

// ============================================================================
// Selectors
// ============================================================================

func (s *ProfileSlice) Snapshot() ProfilesState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profiles := make(map[string]Profile, len(s.profiles))
	for k, v := range s.profiles {
		profiles[k] = v
	}
	return ProfilesState{Profiles: profiles, Loading: s.loading, Error: s.err}
}

func (s *ProfileSlice) Profile(username string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[username]
	return p, ok
}

// CurrentUser returns the signed-in user's profile, preferring the loaded copy
// over the persisted identity.
func (s *ProfileSlice) CurrentUser() (Profile, bool) {
	me, ok := s.env.currentUser()
	if !ok {
		return Profile{}, false
	}
	if p, loaded := s.Profile(me.Username); loaded {
		return p, true
	}
	return me, true
}

func (s *ProfileSlice) IsFollowPending(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.followPending[userID]
}

func (s *ProfileSlice) setError(err error) {
	s.mu.Lock()
	s.err = err.Error()
	s.mu.Unlock()
}

// commit stores p in the slice and in the cache.
func (s *ProfileSlice) commit(p Profile) {
	p = p.Normalize()
	s.mu.Lock()
	s.profiles[p.Username] = p
	s.mu.Unlock()
	s.env.caches.Profiles.Put(p.Username, p)
}

func (s *ProfileSlice) applyUpdate(base Profile, u ProfileUpdate) Profile {
	if cur, ok := s.Profile(base.Username); ok {
		base = cur
	}
	if u.DisplayName != nil {
		base.DisplayName = *u.DisplayName
	}
	if u.Bio != nil {
		base.Bio = *u.Bio
	}
	if u.Avatar != nil {
		base.Avatar = *u.Avatar
	}
	return base.Normalize()
}
