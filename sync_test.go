package kinfolk

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func profileJSON(id, username string, posts int) map[string]any {
	return map[string]any{"id": id, "username": username, "post_count": posts}
}

func TestRemovePostAdjustsProfile(t *testing.T) {
	newStore := func(t *testing.T, posts int) (*Store, *prometheus.Registry) {
		b := feedBackend()
		b.reply("GET", "/profile/alice", http.StatusOK, profileJSON("id-alice", "alice", posts))
		b.reply("DELETE", "/posts/p1/", http.StatusNoContent, nil)
		reg := prometheus.NewRegistry()
		s, _ := newTestStore(t, b, WithRegisterer(reg))
		if err := s.Posts.Fetch(context.Background(), 1, false); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		return s, reg
	}

	t.Run("cached profile is decremented", func(t *testing.T) {
		s, reg := newStore(t, 3)
		ctx := context.Background()
		if _, err := s.Profiles.LoadByUsername(ctx, "alice"); err != nil {
			t.Fatalf("LoadByUsername: %v", err)
		}
		if err := s.Posts.Remove(ctx, "p1"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		p, _ := s.Profiles.Profile("alice")
		cached, _ := s.Caches.Profiles.Peek("alice")
		if p.PostCount != 2 || cached.PostCount != 2 {
			t.Errorf("expected post count 2 in slice and cache, got %d and %d", p.PostCount, cached.PostCount)
		}
		if v := counterValue(t, reg, "kinfolk_sync_propagations_total", string(EventPostRemoved)); v != 1 {
			t.Errorf("expected 1 propagation, got %v", v)
		}
	})

	t.Run("count is floored at zero", func(t *testing.T) {
		s, _ := newStore(t, 0)
		ctx := context.Background()
		if _, err := s.Profiles.LoadByUsername(ctx, "alice"); err != nil {
			t.Fatalf("LoadByUsername: %v", err)
		}
		if err := s.Posts.Remove(ctx, "p1"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if p, _ := s.Profiles.Profile("alice"); p.PostCount != 0 {
			t.Errorf("expected post count 0, got %d", p.PostCount)
		}
	})

	t.Run("uncached profile is left alone", func(t *testing.T) {
		s, reg := newStore(t, 3)
		if err := s.Posts.Remove(context.Background(), "p1"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, ok := s.Profiles.Profile("alice"); ok {
			t.Error("profile must not be created by the synchronizer")
		}
		if s.Caches.Profiles.Len() != 0 {
			t.Error("profile cache must stay empty")
		}
		if st := s.Posts.Snapshot(); len(st.Posts) != 1 || st.Posts[0].ID != "p2" {
			t.Errorf("unexpected posts %+v", st.Posts)
		}
		if v := counterValue(t, reg, "kinfolk_sync_propagations_total", string(EventPostRemoved)); v != 0 {
			t.Errorf("expected no propagation, got %v", v)
		}
	})
}

func TestProfileChangesPatchPostsAndChats(t *testing.T) {
	b := feedBackend()
	b.handle("PUT", "/profile/alice", func(w http.ResponseWriter, r *http.Request) {
		var body ProfileUpdate
		decodeBody(t, r, &body)
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "id-alice", "username": "alice", "display_name": *body.DisplayName, "verified": true,
		})
	})
	b.reply("POST", "/profile/avatar", http.StatusOK, map[string]any{"avatar": "/media/alice.png"})
	b.reply("POST", "/users/id-bob/follow", http.StatusOK, map[string]any{"followers_count": 10})
	s, _ := newTestStore(t, b)
	signIn(t, s, Profile{ID: "id-alice", Username: "alice"})
	ctx := context.Background()

	if err := s.Posts.Fetch(ctx, 1, false); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	s.Chats.ReceiveMessage(Message{ID: "m1", ChatID: "c1", Sender: Participant{ID: "id-alice", Username: "alice"}})

	t.Run("profile update", func(t *testing.T) {
		if _, err := s.Profiles.Update(ctx, ProfileUpdate{DisplayName: strPtr("Alice A.")}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		for _, p := range s.Posts.ByAuthor("alice") {
			if p.Author.DisplayName != "Alice A." || !p.Author.Verified {
				t.Errorf("post %s author not patched: %+v", p.ID, p.Author)
			}
		}
		if m := s.Chats.Messages("c1")[0]; m.Sender.DisplayName != "Alice A." {
			t.Errorf("message sender not patched: %+v", m.Sender)
		}
		if cur, _ := s.Profiles.CurrentUser(); cur.DisplayName != "Alice A." {
			t.Errorf("current user not refreshed: %+v", cur)
		}
	})

	t.Run("avatar upload", func(t *testing.T) {
		url, err := s.Profiles.UploadAvatar(ctx, "me.png", []byte("png"))
		if err != nil {
			t.Fatalf("UploadAvatar: %v", err)
		}
		if url != "/media/alice.png" {
			t.Errorf("unexpected avatar url %q", url)
		}
		if p, _ := s.Posts.Get("p1"); p.Author.Avatar != url {
			t.Errorf("post author avatar not patched: %q", p.Author.Avatar)
		}
		if m := s.Chats.Messages("c1")[0]; m.Sender.Avatar != url {
			t.Errorf("message sender avatar not patched: %q", m.Sender.Avatar)
		}
	})

	t.Run("follow", func(t *testing.T) {
		b.reply("GET", "/profile/bob", http.StatusOK, map[string]any{"id": "id-bob", "username": "bob", "followers_count": 9})
		if _, err := s.Profiles.LoadByUsername(ctx, "bob"); err != nil {
			t.Fatalf("LoadByUsername: %v", err)
		}
		if err := s.Profiles.Follow(ctx, "id-bob"); err != nil {
			t.Fatalf("Follow: %v", err)
		}
		if s.Profiles.IsFollowPending("id-bob") {
			t.Error("follow flag should be cleared")
		}
		bob, _ := s.Profiles.Profile("bob")
		if !bob.IsFollowing || bob.FollowerCount != 10 {
			t.Errorf("unexpected bob %+v", bob)
		}
		if p, _ := s.Posts.Get("p2"); !p.Author.IsFollowing {
			t.Error("bob's post should show the follow")
		}
	})
}

func TestFollowPatchesPostsWithoutLoadedProfile(t *testing.T) {
	b := feedBackend()
	b.reply("POST", "/users/id-bob/follow", http.StatusOK, map[string]any{})
	b.reply("DELETE", "/users/id-bob/follow", http.StatusOK, map[string]any{})
	s, _ := newTestStore(t, b)
	signIn(t, s, testUser)
	ctx := context.Background()

	if err := s.Posts.Fetch(ctx, 1, false); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := s.Profiles.Follow(ctx, "id-bob"); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if _, ok := s.Profiles.Profile("bob"); ok {
		t.Fatal("bob's profile should not have been loaded")
	}
	if p, _ := s.Posts.Get("p2"); !p.Author.IsFollowing {
		t.Error("bob's post should show the follow")
	}
	if p, _ := s.Posts.Get("p1"); p.Author.IsFollowing {
		t.Error("alice's post must not be touched")
	}

	if err := s.Profiles.Unfollow(ctx, "id-bob"); err != nil {
		t.Fatalf("Unfollow: %v", err)
	}
	if p, _ := s.Posts.Get("p2"); p.Author.IsFollowing {
		t.Error("bob's post should show the unfollow")
	}

	t.Run("author without an id is matched by username", func(t *testing.T) {
		s.Posts.mu.Lock()
		s.Posts.posts = append(s.Posts.posts, Post{ID: "p7", Author: Author{Username: "dana"}})
		s.Posts.mu.Unlock()

		s.Bus.Publish(FollowChanged{UserID: "id-dana", Username: "dana", Following: true})
		if p, _ := s.Posts.Get("p7"); !p.Author.IsFollowing {
			t.Error("expected dana's post to show the follow")
		}
	})
}

func TestChatCreatedRegistersDirectChat(t *testing.T) {
	s, _ := newTestStore(t, newFakeBackend())
	signIn(t, s, testUser)

	s.Bus.Publish(ChatCreated{Chat: Chat{ID: "c7", Participants: []Participant{{ID: "u1"}, {ID: "u5"}}}})
	s.Bus.Publish(ChatCreated{Chat: Chat{ID: "g1", IsGroup: true, Participants: []Participant{{ID: "u6"}}}})

	if id, ok := s.Caches.ChatIDs.Peek("u5"); !ok || id != "c7" {
		t.Errorf("expected u5 -> c7, got %q", id)
	}
	if _, ok := s.Caches.ChatIDs.Peek("u1"); ok {
		t.Error("the current user must not be registered")
	}
	if _, ok := s.Caches.ChatIDs.Peek("u6"); ok {
		t.Error("group chats must not be registered")
	}

	s.Sync.Stop()
	s.Bus.Publish(ChatCreated{Chat: Chat{ID: "c8", Participants: []Participant{{ID: "u8"}}}})
	if _, ok := s.Caches.ChatIDs.Peek("u8"); ok {
		t.Error("stopped synchronizer must not propagate")
	}
}
