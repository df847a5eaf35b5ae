package kinfolk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultTypingTimeout clears a typing indicator that was not refreshed.
const DefaultTypingTimeout = 3 * time.Second

const chatListKey = "all"

// ChatsState is a read-only snapshot of the chats slice.
type ChatsState struct {
	Chats      []Chat
	ActiveChat string
	Loading    bool
	Error      string
}

// ChatSlice owns conversations, their message lists and typing indicators.
type ChatSlice struct {
	env           *storeEnv
	typingTimeout time.Duration

	mu       sync.RWMutex
	chats    []Chat
	messages map[string][]Message
	typing   map[string]map[string]*typingMark
	active   string
	loading  bool
	err      string
}

// typingMark is one armed typing indicator. Its identity tells a firing timer
// whether it has since been replaced.
type typingMark struct {
	timer *time.Timer
}

func newChatSlice(env *storeEnv, typingTimeout time.Duration) *ChatSlice {
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &ChatSlice{
		env:           env,
		typingTimeout: typingTimeout,
		messages:      make(map[string][]Message),
		typing:        make(map[string]map[string]*typingMark),
	}
}

// ============================================================================
// Loading
// ============================================================================

// LoadAll fetches the chat list unless it was fetched within ChatListCacheTTL.
func (s *ChatSlice) LoadAll(ctx context.Context) error {
	if _, fresh := s.env.caches.ChatList.Get(chatListKey); fresh {
		return nil
	}

	s.mu.Lock()
	s.loading = true
	s.err = ""
	s.mu.Unlock()

	raws, err := s.env.client.Chats.List(ctx)
	if err != nil {
		s.fail(err)
		s.env.log.Warn("chats_load_failed", "error", err)
		return err
	}

	chats := make([]Chat, 0, len(raws))
	for _, raw := range raws {
		chats = append(chats, TransformChat(raw))
	}

	s.mu.Lock()
	s.loading = false
	s.chats = mergeChats(s.chats, chats)
	s.sortLocked()
	s.mu.Unlock()

	s.env.caches.ChatList.Put(chatListKey, struct{}{})
	s.indexDirectChats(chats)
	return nil
}

// Reload drops the chat-list freshness stamp and fetches again.
func (s *ChatSlice) Reload(ctx context.Context) error {
	s.env.caches.ChatList.Delete(chatListKey)
	return s.LoadAll(ctx)
}

// LoadByID fetches chat metadata and message history together and commits
// both at once. History comes from the message cache while it is fresh.
func (s *ChatSlice) LoadByID(ctx context.Context, chatID string) (Chat, error) {
	s.mu.Lock()
	s.loading = true
	s.err = ""
	s.mu.Unlock()

	var (
		chat    Chat
		history []Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := s.env.client.Chats.Get(gctx, chatID)
		if err != nil {
			return err
		}
		chat = TransformChat(raw)
		return nil
	})
	g.Go(func() error {
		if cached, ok := s.env.caches.Messages.Get(chatID); ok {
			history = cached
			return nil
		}
		raws, err := s.env.client.Chats.Messages(gctx, chatID)
		if err != nil {
			return err
		}
		history = make([]Message, 0, len(raws))
		for _, raw := range raws {
			m := TransformMessage(raw)
			if m.ChatID == "" {
				m.ChatID = chatID
			}
			history = append(history, m)
		}
		s.env.caches.Messages.Put(chatID, history)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.fail(err)
		s.env.log.Warn("chat_load_failed", "chat", chatID, "error", err)
		return Chat{}, err
	}
	if chat.ID == "" {
		chat.ID = chatID
	}

	s.mu.Lock()
	s.loading = false
	s.messages[chatID] = mergeMessages(history, s.messages[chatID])
	if last := lastMessage(s.messages[chatID]); last != nil && chat.LastMessage == nil {
		chat.LastMessage = snapshotOf(*last)
		if chat.LastActivity.IsZero() {
			chat.LastActivity = last.CreatedAt
		}
	}
	if chat.ID == s.active {
		chat.UnreadCount = 0
	}
	s.upsertLocked(chat)
	s.sortLocked()
	s.mu.Unlock()

	s.indexDirectChats([]Chat{chat})
	return chat, nil
}

// Create opens a new conversation.
func (s *ChatSlice) Create(ctx context.Context, participantIDs []string, isGroup bool, name string) (Chat, error) {
	raw, err := s.env.client.Chats.Create(ctx, &CreateChatOptions{
		ParticipantIDs: participantIDs,
		IsGroupChat:    isGroup,
		ChatName:       name,
	})
	if err != nil {
		s.setError(err)
		return Chat{}, err
	}

	chat := TransformChat(raw)
	if len(chat.Participants) == 0 {
		for _, id := range participantIDs {
			chat.Participants = append(chat.Participants, Participant{ID: id}.Normalize())
		}
	}
	if !chat.IsGroup {
		chat.IsGroup = isGroup
	}
	if chat.Name == "" {
		chat.Name = name
	}
	if chat.LastActivity.IsZero() {
		chat.LastActivity = s.env.now()
	}

	s.mu.Lock()
	s.upsertLocked(chat)
	s.sortLocked()
	s.mu.Unlock()

	s.env.bus.Publish(ChatCreated{Chat: chat})
	return chat, nil
}

// FindOrCreateDirect returns the direct chat with userID, creating it when
// neither the chat-id cache nor the loaded list knows one.
func (s *ChatSlice) FindOrCreateDirect(ctx context.Context, userID string) (Chat, error) {
	if chatID, ok := s.env.caches.ChatIDs.Get(userID); ok {
		if chat, ok := s.Chat(chatID); ok {
			return chat, nil
		}
		if chat, err := s.LoadByID(ctx, chatID); err == nil {
			return chat, nil
		}
		s.env.caches.ChatIDs.Delete(userID)
	}

	s.mu.RLock()
	for _, c := range s.chats {
		if !c.IsGroup && hasParticipant(c, userID) {
			s.mu.RUnlock()
			s.env.caches.ChatIDs.Put(userID, c.ID)
			return c, nil
		}
	}
	s.mu.RUnlock()

	return s.Create(ctx, []string{userID}, false, "")
}

// ============================================================================
// Sending
// ============================================================================

// Send delivers a message with the three-phase optimistic protocol: a
// temporary "sending" entry is inserted, the backend is called with the
// entry's client id, and the entry is then replaced in place by the confirmed
// message or marked failed.
func (s *ChatSlice) Send(ctx context.Context, chatID, content string, msgType MessageType, attachment, replyTo string) (Message, error) {
	clientID := uuid.NewString()
	temp := Message{
		ID:         TempIDPrefix + clientID,
		ClientID:   clientID,
		ChatID:     chatID,
		Content:    content,
		Type:       msgType,
		Attachment: attachment,
		ReplyTo:    replyTo,
		Status:     StatusSending,
		CreatedAt:  s.env.now(),
	}
	if me, ok := s.env.currentUser(); ok {
		temp.Sender = Participant{ID: me.ID, Username: me.Username, DisplayName: me.DisplayName, Avatar: me.Avatar}
	}
	temp = temp.Normalize()
	temp.Status = StatusSending

	s.mu.Lock()
	s.messages[chatID] = append(s.messages[chatID], temp)
	s.touchLocked(temp)
	s.sortLocked()
	s.writeThroughLocked(chatID)
	s.mu.Unlock()

	return s.deliver(ctx, temp)
}

// Retry re-sends a failed temporary message in place.
func (s *ChatSlice) Retry(ctx context.Context, chatID, tempID string) (Message, error) {
	s.mu.Lock()
	i := indexOfMessage(s.messages[chatID], tempID)
	if i < 0 || s.messages[chatID][i].Status != StatusFailed {
		s.mu.Unlock()
		return Message{}, &APIError{Kind: KindValidation, Message: "no failed message " + tempID + " in chat " + chatID}
	}
	s.messages[chatID][i].Status = StatusSending
	temp := s.messages[chatID][i]
	s.writeThroughLocked(chatID)
	s.mu.Unlock()

	return s.deliver(ctx, temp)
}

func (s *ChatSlice) deliver(ctx context.Context, temp Message) (Message, error) {
	chatID := temp.ChatID
	raw, err := s.env.client.Chats.Send(ctx, chatID, &SendMessageOptions{
		Content:     temp.Content,
		MessageType: temp.Type,
		Attachment:  temp.Attachment,
		ReplyTo:     temp.ReplyTo,
		ClientID:    temp.ClientID,
	})
	if err != nil {
		s.mu.Lock()
		if i := indexOfMessage(s.messages[chatID], temp.ID); i >= 0 {
			s.messages[chatID][i].Status = StatusFailed
		}
		s.err = err.Error()
		s.writeThroughLocked(chatID)
		s.mu.Unlock()
		s.env.log.Warn("message_send_failed", "chat", chatID, "client_id", temp.ClientID, "error", err)
		return temp.withStatus(StatusFailed), err
	}

	confirmed := TransformMessage(raw)
	if confirmed.ID == "" {
		confirmed.ID = temp.ID
	}
	confirmed.ChatID = chatID
	confirmed.ClientID = temp.ClientID
	if confirmed.Content == "" {
		confirmed.Content = temp.Content
	}
	if _, ok := raw["sender"]; !ok && confirmed.Sender.ID == "" {
		confirmed.Sender = temp.Sender
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = temp.CreatedAt
	}
	if confirmed.Status == StatusSending || confirmed.Status == StatusFailed {
		confirmed.Status = StatusSent
	}

	s.mu.Lock()
	s.reconcileLocked(chatID, temp.ID, confirmed)
	s.touchLocked(confirmed)
	s.sortLocked()
	s.writeThroughLocked(chatID)
	s.mu.Unlock()

	s.env.bus.Publish(MessageAdded{Message: confirmed})
	return confirmed, nil
}

// reconcileLocked replaces the temporary entry by the confirmed message. When
// a realtime echo already delivered the confirmed id, the temporary entry is
// dropped instead.
func (s *ChatSlice) reconcileLocked(chatID, tempID string, confirmed Message) {
	list := s.messages[chatID]
	ti := indexOfMessage(list, tempID)
	ci := -1
	if confirmed.ID != tempID {
		ci = indexOfMessage(list, confirmed.ID)
	}
	switch {
	case ti >= 0 && ci >= 0:
		list[ci] = confirmed
		list = append(list[:ti:ti], list[ti+1:]...)
	case ti >= 0:
		list[ti] = confirmed
	case ci >= 0:
		list[ci] = confirmed
	default:
		list = append(list, confirmed)
	}
	s.messages[chatID] = list
}

// ============================================================================
// Realtime injection
// ============================================================================

// ReceiveMessage commits a message pushed over the realtime connection. An
// echo of a locally sent message replaces its temporary entry by client id.
func (s *ChatSlice) ReceiveMessage(msg Message) {
	msg = msg.Normalize()
	if msg.ChatID == "" || msg.ID == "" {
		return
	}
	me, _ := s.env.currentUser()

	s.mu.Lock()
	list := s.messages[msg.ChatID]
	if i := indexOfMessage(list, msg.ID); i >= 0 {
		list[i] = msg
		s.writeThroughLocked(msg.ChatID)
		s.mu.Unlock()
		return
	}
	if ti := indexOfClientID(list, msg.ClientID); ti >= 0 {
		list[ti] = msg
	} else {
		list = append(list, msg)
	}
	s.messages[msg.ChatID] = list
	s.touchLocked(msg)
	if msg.ChatID != s.active && msg.Sender.ID != "" && msg.Sender.ID != me.ID {
		if i := s.indexLocked(msg.ChatID); i >= 0 {
			s.chats[i].UnreadCount++
		}
	}
	s.stopTypingLocked(msg.ChatID, msg.Sender.ID)
	s.sortLocked()
	s.writeThroughLocked(msg.ChatID)
	s.mu.Unlock()

	s.env.bus.Publish(MessageAdded{Message: msg, Remote: true})
}

// SetTyping records a typing indicator. A start arms a timer that clears the
// indicator unless another start refreshes it first.
func (s *ChatSlice) SetTyping(chatID, userID string, typing bool) {
	if chatID == "" || userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !typing {
		s.stopTypingLocked(chatID, userID)
		return
	}
	users := s.typing[chatID]
	if users == nil {
		users = make(map[string]*typingMark)
		s.typing[chatID] = users
	}
	if old := users[userID]; old != nil {
		old.timer.Stop()
	}
	mark := &typingMark{}
	mark.timer = time.AfterFunc(s.typingTimeout, func() {
		s.expireTyping(chatID, userID, mark)
	})
	users[userID] = mark
}

func (s *ChatSlice) expireTyping(chatID, userID string, mark *typingMark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users := s.typing[chatID]; users != nil && users[userID] == mark {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.typing, chatID)
		}
	}
}

func (s *ChatSlice) stopTypingLocked(chatID, userID string) {
	users := s.typing[chatID]
	if users == nil {
		return
	}
	if m := users[userID]; m != nil {
		m.timer.Stop()
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.typing, chatID)
	}
}

// stopTimers cancels every pending typing expiry.
func (s *ChatSlice) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID, users := range s.typing {
		for _, m := range users {
			m.timer.Stop()
		}
		delete(s.typing, chatID)
	}
}

// SetMessageStatus applies a delivery status update.
// Empty or unrecognised statuses are ignored.
func (s *ChatSlice) SetMessageStatus(chatID, messageID string, status MessageStatus) {
	if !status.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOfMessage(s.messages[chatID], messageID); i >= 0 {
		s.messages[chatID][i].Status = status
		s.writeThroughLocked(chatID)
	}
}

// MarkRead clears the unread counter of a chat.
func (s *ChatSlice) MarkRead(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(chatID); i >= 0 {
		s.chats[i].UnreadCount = 0
	}
}

// SetActive records the conversation on screen and marks it read.
func (s *ChatSlice) SetActive(chatID string) {
	s.mu.Lock()
	s.active = chatID
	s.mu.Unlock()
	if chatID != "" {
		s.MarkRead(chatID)
	}
}

// ============================================================================
// Synchronizer commands
// ============================================================================

// PatchSender rewrites sender snapshots and participant entries for userID.
// It publishes no event.
func (s *ChatSlice) PatchSender(userID string, fn func(Participant) Participant) int {
	if userID == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for chatID, list := range s.messages {
		touched := false
		for i := range list {
			if list[i].Sender.ID == userID {
				list[i].Sender = fn(list[i].Sender).Normalize()
				n++
				touched = true
			}
		}
		if touched {
			s.writeThroughLocked(chatID)
		}
	}
	for ci := range s.chats {
		for pi := range s.chats[ci].Participants {
			if s.chats[ci].Participants[pi].ID == userID {
				s.chats[ci].Participants[pi] = fn(s.chats[ci].Participants[pi]).Normalize()
			}
		}
	}
	return n
}

// ============================================================================
// Selectors
// ============================================================================

func (s *ChatSlice) Snapshot() ChatsState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ChatsState{
		Chats:      cloneChats(s.chats),
		ActiveChat: s.active,
		Loading:    s.loading,
		Error:      s.err,
	}
}

// Chats returns the chat list, most recently active first.
func (s *ChatSlice) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneChats(s.chats)
}

func (s *ChatSlice) Chat(chatID string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(chatID); i >= 0 {
		return cloneChats(s.chats[i : i+1])[0], true
	}
	return Chat{}, false
}

func (s *ChatSlice) Messages(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[chatID]...)
}

// Typing returns the ids of users currently typing in chatID, sorted.
func (s *ChatSlice) Typing(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.typing[chatID]))
	for id := range s.typing[chatID] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (s *ChatSlice) ActiveChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ============================================================================
// Helpers
// ============================================================================

func (s *ChatSlice) fail(err error) {
	s.mu.Lock()
	s.loading = false
	s.err = err.Error()
	s.mu.Unlock()
}

func (s *ChatSlice) setError(err error) {
	s.mu.Lock()
	s.err = err.Error()
	s.mu.Unlock()
}

func (s *ChatSlice) indexLocked(chatID string) int {
	for i := range s.chats {
		if s.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (s *ChatSlice) upsertLocked(chat Chat) {
	if i := s.indexLocked(chat.ID); i >= 0 {
		s.chats[i] = chat
		return
	}
	s.chats = append(s.chats, chat)
}

// touchLocked moves msg into its chat's last-message snapshot, creating a
// stub chat when the conversation is not loaded yet.
func (s *ChatSlice) touchLocked(msg Message) {
	i := s.indexLocked(msg.ChatID)
	if i < 0 {
		s.chats = append(s.chats, Chat{ID: msg.ChatID})
		i = len(s.chats) - 1
	}
	c := &s.chats[i]
	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.CreatedAt) || c.LastMessage.ID == msg.ID || c.LastMessage.ID == TempIDPrefix+msg.ClientID {
		c.LastMessage = snapshotOf(msg)
	}
	if msg.CreatedAt.After(c.LastActivity) {
		c.LastActivity = msg.CreatedAt
	}
}

func (s *ChatSlice) sortLocked() {
	sort.SliceStable(s.chats, func(i, j int) bool {
		return s.chats[i].LastActivity.After(s.chats[j].LastActivity)
	})
}

// writeThroughLocked refreshes an existing message cache entry without
// renewing its timestamp.
func (s *ChatSlice) writeThroughLocked(chatID string) {
	list := append([]Message(nil), s.messages[chatID]...)
	s.env.caches.Messages.Update(chatID, func([]Message) []Message { return list })
}

func (s *ChatSlice) indexDirectChats(chats []Chat) {
	me, _ := s.env.currentUser()
	for _, c := range chats {
		if c.IsGroup {
			continue
		}
		for _, p := range c.Participants {
			if p.ID != "" && p.ID != me.ID {
				s.env.caches.ChatIDs.Put(p.ID, c.ID)
			}
		}
	}
}

func (m Message) withStatus(status MessageStatus) Message {
	m.Status = status
	return m
}

func snapshotOf(m Message) *MessageSnapshot {
	return &MessageSnapshot{ID: m.ID, SenderID: m.Sender.ID, Content: m.Content, CreatedAt: m.CreatedAt}
}

func lastMessage(list []Message) *Message {
	if len(list) == 0 {
		return nil
	}
	return &list[len(list)-1]
}

func indexOfMessage(list []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfClientID(list []Message, clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range list {
		if list[i].ClientID == clientID && list[i].IsTemporary() {
			return i
		}
	}
	return -1
}

func hasParticipant(c Chat, userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// mergeMessages returns history plus any local entries it does not contain,
// ordered by creation time. Local entries win for ids present in both.
func mergeMessages(history, local []Message) []Message {
	out := make([]Message, 0, len(history)+len(local))
	pos := make(map[string]int, len(history))
	for _, m := range history {
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range local {
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		if m.ClientID != "" {
			dup := false
			for _, h := range history {
				if h.ClientID == m.ClientID {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// mergeChats overlays fetched chats on the existing list, keeping chats that
// only exist locally (e.g. created since the last fetch).
func mergeChats(existing, fetched []Chat) []Chat {
	out := append([]Chat(nil), fetched...)
	seen := make(map[string]bool, len(fetched))
	for _, c := range fetched {
		seen[c.ID] = true
	}
	for _, c := range existing {
		if !seen[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func cloneChats(chats []Chat) []Chat {
	out := make([]Chat, len(chats))
	for i, c := range chats {
		c.Participants = append([]Participant(nil), c.Participants...)
		if c.LastMessage != nil {
			lm := *c.LastMessage
			c.LastMessage = &lm
		}
		out[i] = c
	}
	return out
}
