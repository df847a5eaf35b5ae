package kinfolk

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsPeer is the server side of one accepted realtime connection.
type wsPeer struct {
	conn   *websocket.Conn
	header http.Header
	frames chan map[string]any
}

func (p *wsPeer) send(t *testing.T, frame map[string]any) {
	t.Helper()
	data, _ := json.Marshal(frame)
	if err := p.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

// wsRoute accepts WebSocket upgrades on path and hands every peer to peers.
func wsRoute(b *fakeBackend, path string) chan *wsPeer {
	peers := make(chan *wsPeer, 8)
	b.handle("GET", path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		peer := &wsPeer{conn: conn, header: r.Header.Clone(), frames: make(chan map[string]any, 8)}
		peers <- peer
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				peer.frames <- frame
			}
		}
	})
	return peers
}

func nextPeer(t *testing.T, peers chan *wsPeer) *wsPeer {
	t.Helper()
	select {
	case p := <-peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no realtime connection accepted")
		return nil
	}
}

func TestGetConnection(t *testing.T) {
	b := newFakeBackend()
	peers := wsRoute(b, "/ws/chats/c1/")
	s, _ := newTestStore(t, b)
	ctx := context.Background()

	var opened int
	var mu sync.Mutex
	cb := Callbacks{OnOpen: func() { mu.Lock(); opened++; mu.Unlock() }}

	first, err := s.Connections.GetConnection(ctx, "c1", cb)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	second, err := s.Connections.GetConnection(ctx, "c1", cb)
	if err != nil {
		t.Fatalf("GetConnection again: %v", err)
	}
	if first != second {
		t.Error("expected the same connection for the same chat")
	}
	if n := s.Connections.Len(); n != 1 {
		t.Errorf("expected 1 tracked connection, got %d", n)
	}
	mu.Lock()
	if opened != 1 {
		t.Errorf("expected OnOpen once, got %d", opened)
	}
	mu.Unlock()

	peer := nextPeer(t, peers)
	if got := peer.header.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("expected bearer header on upgrade, got %q", got)
	}

	t.Run("dead connection is replaced", func(t *testing.T) {
		peer.conn.Close(websocket.StatusGoingAway, "server restart")
		select {
		case <-first.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("connection did not notice the close")
		}
		if first.Live() {
			t.Error("closed connection still reports live")
		}

		third, err := s.Connections.GetConnection(ctx, "c1", cb)
		if err != nil {
			t.Fatalf("GetConnection after close: %v", err)
		}
		if third == first {
			t.Error("expected a fresh connection after the old one died")
		}
		nextPeer(t, peers)
	})

	t.Run("set active leaves other connections open", func(t *testing.T) {
		s.Connections.SetActive("c2")
		if s.Connections.Active() != "c2" || s.Connections.Len() != 1 {
			t.Errorf("active=%q len=%d", s.Connections.Active(), s.Connections.Len())
		}
	})

	t.Run("disconnect all", func(t *testing.T) {
		conn, _ := s.Connections.GetConnection(ctx, "c1", cb)
		s.Connections.DisconnectAll()
		if s.Connections.Len() != 0 || s.Connections.Active() != "" {
			t.Errorf("expected no connections and no active chat")
		}
		if conn.State() != StateDisconnected {
			t.Errorf("expected disconnected, got %s", conn.State())
		}
		if err := conn.StopTyping(ctx); err != ErrNotConnected {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestGetConnectionConcurrent(t *testing.T) {
	b := newFakeBackend()
	peers := wsRoute(b, "/ws/chats/c1/")
	s, _ := newTestStore(t, b)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		got := make([]*Connection, 16)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := s.Connections.GetConnection(ctx, "c1", Callbacks{})
				if err != nil {
					t.Errorf("GetConnection: %v", err)
					return
				}
				got[i] = c
			}(i)
		}
		wg.Wait()

		for i, c := range got {
			if c != got[0] {
				t.Fatalf("round %d: caller %d got a different connection", round, i)
			}
		}
		if n := s.Connections.Len(); n != 1 {
			t.Fatalf("round %d: expected 1 tracked connection, got %d", round, n)
		}
		nextPeer(t, peers)
		select {
		case <-peers:
			t.Fatalf("round %d: a second socket was dialed", round)
		default:
		}

		s.Connections.DisconnectAll()
		if got[0].Live() {
			t.Fatalf("round %d: connection survived DisconnectAll", round)
		}
	}
}

func TestGetConnectionDialFailure(t *testing.T) {
	s, _ := newTestStore(t, newFakeBackend())
	_, err := s.Connections.GetConnection(context.Background(), "nope", Callbacks{})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if s.Connections.Len() != 0 {
		t.Error("failed dial must not be tracked")
	}
}

func TestOpenChatRoutesFrames(t *testing.T) {
	b := newFakeBackend()
	peers := wsRoute(b, "/ws/chats/c1/")
	b.reply("GET", "/chats/c1", http.StatusOK, map[string]any{"id": "c1"})
	b.reply("GET", "/chats/c1/messages", http.StatusOK, []any{})
	s, _ := newTestStore(t, b, WithRealtimeConfig(RealtimeConfig{TypingInterval: time.Hour}))
	signIn(t, s, testUser)
	ctx := context.Background()

	conn, err := s.OpenChat(ctx, "c1")
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	if s.Chats.ActiveChat() != "c1" || s.Connections.Active() != "c1" {
		t.Error("OpenChat should mark the chat active")
	}
	peer := nextPeer(t, peers)

	peer.send(t, map[string]any{"type": "typing", "user_id": "u2", "is_typing": true})
	waitFor(t, "typing indicator", func() bool { return len(s.Chats.Typing("c1")) == 1 })

	peer.send(t, map[string]any{"type": "message", "message": map[string]any{
		"id": "m1", "content": "hi", "sender": map[string]any{"id": "u2"},
	}})
	waitFor(t, "pushed message", func() bool { return len(s.Chats.Messages("c1")) == 1 })
	if got := s.Chats.Typing("c1"); len(got) != 0 {
		t.Errorf("message should clear the sender's typing flag, got %v", got)
	}

	peer.send(t, map[string]any{"type": "status", "message_id": "m1", "status": "read"})
	waitFor(t, "status update", func() bool {
		msgs := s.Chats.Messages("c1")
		return len(msgs) == 1 && msgs[0].Status == StatusRead
	})

	t.Run("status frames without a known status are ignored", func(t *testing.T) {
		peer.send(t, map[string]any{"type": "status", "message_id": "m1"})
		peer.send(t, map[string]any{"type": "status", "message_id": "m1", "status": "seen"})
		peer.send(t, map[string]any{"type": "typing", "user_id": "u3", "is_typing": true})
		waitFor(t, "typing marker frame", func() bool { return len(s.Chats.Typing("c1")) == 1 })
		if msgs := s.Chats.Messages("c1"); msgs[0].Status != StatusRead {
			t.Errorf("expected status to stay read, got %q", msgs[0].Status)
		}
		peer.send(t, map[string]any{"type": "typing_stop", "user_id": "u3"})
		waitFor(t, "typing stop", func() bool { return len(s.Chats.Typing("c1")) == 0 })
	})

	t.Run("own typing frames are ignored", func(t *testing.T) {
		peer.send(t, map[string]any{"type": "typing", "user_id": "u1"})
		peer.send(t, map[string]any{"type": "message", "id": "m2", "content": "flat", "sender_id": "u2"})
		waitFor(t, "flat message frame", func() bool { return len(s.Chats.Messages("c1")) == 2 })
		if got := s.Chats.Typing("c1"); len(got) != 0 {
			t.Errorf("expected no typing users, got %v", got)
		}
		if msgs := s.Chats.Messages("c1"); msgs[1].Type != MessageText {
			t.Errorf("frame type must not leak into the message type, got %q", msgs[1].Type)
		}
	})

	t.Run("typing frames are throttled", func(t *testing.T) {
		if err := conn.StartTyping(ctx); err != nil {
			t.Fatalf("StartTyping: %v", err)
		}
		if err := conn.StartTyping(ctx); err != nil {
			t.Fatalf("StartTyping: %v", err)
		}
		if err := conn.StopTyping(ctx); err != nil {
			t.Fatalf("StopTyping: %v", err)
		}
		for _, want := range []string{FrameTypingStart, FrameTypingStop} {
			select {
			case f := <-peer.frames:
				if f["type"] != want || f["chat_id"] != "c1" {
					t.Errorf("expected %s frame for c1, got %v", want, f)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("no %s frame received", want)
			}
		}
	})
}
