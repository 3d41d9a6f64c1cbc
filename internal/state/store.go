// Package state is the single source of truth for channel, message, user,
// reaction, and typing state on this client. All mutation flows through the
// methods here; nothing else touches the collections. Optimistic mutations
// are provisional and are overwritten by server-confirmed events.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmarins/chatkit/internal/bus"
)

// TypingWindow is how long a typing entry counts as live.
const TypingWindow = 3 * time.Second

// Store holds the normalized client-side chat state.
type Store struct {
	logger *zap.Logger
	bus    *bus.Bus
	now    func() time.Time

	mu               sync.RWMutex
	currentUser      *User
	users            []User
	channels         []Channel
	messages         map[string][]Message
	typing           map[string][]TypingEntry
	currentChannelID string
	loading          bool
	connected        bool
	lastError        string
}

// New creates an empty store. Mutations are announced on b so observers can
// re-render without polling.
func New(b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		logger:   logger,
		bus:      b,
		now:      time.Now,
		messages: make(map[string][]Message),
		typing:   make(map[string][]TypingEntry),
	}
}

func (s *Store) publish(kind string, payload map[string]string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: s.now(), Payload: payload})
}

// --- session-level state ---

// SetCurrentUser records the authenticated user.
func (s *Store) SetCurrentUser(u User) {
	s.mu.Lock()
	s.currentUser = &u
	s.mu.Unlock()
}

// CurrentUser returns the authenticated user, or nil before login.
func (s *Store) CurrentUser() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentUser == nil {
		return nil
	}
	u := *s.currentUser
	return &u
}

// SetLoading flips the global loading flag.
func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

// Loading reports the global loading flag.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetConnected mirrors the connection flag for UI consumption.
func (s *Store) SetConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Connected reports the mirrored connection flag.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetLastError records a user-visible error string ("" clears it).
func (s *Store) SetLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// LastError returns the recorded error string.
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// ClearUserCache is the full session teardown: every piece of state returns
// to its initial empty value so nothing leaks across sessions.
func (s *Store) ClearUserCache() {
	s.mu.Lock()
	s.currentUser = nil
	s.users = nil
	s.channels = nil
	s.messages = make(map[string][]Message)
	s.typing = make(map[string][]TypingEntry)
	s.currentChannelID = ""
	s.loading = false
	s.connected = false
	s.lastError = ""
	s.mu.Unlock()
	s.publish(bus.KindSessionCleared, nil)
}

// --- users ---

// SetUsers replaces the whole user collection.
func (s *Store) SetUsers(users []User) {
	s.mu.Lock()
	s.users = slices.Clone(users)
	s.mu.Unlock()
}

// AddUser appends a user, or updates them in place if already present.
func (s *Store) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.users {
		if s.users[i].ID == u.ID {
			s.users[i] = u
			return
		}
	}
	s.users = append(s.users, u)
}

// RemoveUser removes a user, preserving the order of the rest.
func (s *Store) RemoveUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = slices.DeleteFunc(s.users, func(u User) bool { return u.ID == id })
}

// Users returns a copy of the user collection.
func (s *Store) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.users)
}

// --- channels ---

// SetChannels replaces the whole channel collection.
func (s *Store) SetChannels(channels []Channel) {
	s.mu.Lock()
	s.channels = slices.Clone(channels)
	s.mu.Unlock()
}

// AddChannel appends a channel, or updates it in place if already present.
func (s *Store) AddChannel(c Channel) {
	s.mu.Lock()
	for i := range s.channels {
		if s.channels[i].ID == c.ID {
			s.channels[i] = c
			s.mu.Unlock()
			s.publish(bus.KindChannelUpserted, map[string]string{"channel_id": c.ID})
			return
		}
	}
	s.channels = append(s.channels, c)
	s.mu.Unlock()
	s.publish(bus.KindChannelUpserted, map[string]string{"channel_id": c.ID})
}

// RemoveChannel drops a channel and everything scoped to it.
func (s *Store) RemoveChannel(id string) {
	s.mu.Lock()
	s.channels = slices.DeleteFunc(s.channels, func(c Channel) bool { return c.ID == id })
	delete(s.messages, id)
	delete(s.typing, id)
	if s.currentChannelID == id {
		s.currentChannelID = ""
	}
	s.mu.Unlock()
	s.publish(bus.KindChannelRemoved, map[string]string{"channel_id": id})
}

// Channel looks a channel up by id.
func (s *Store) Channel(id string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.channels {
		if c.ID == id {
			return c, true
		}
	}
	return Channel{}, false
}

// Channels returns a copy of the channel collection.
func (s *Store) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.channels)
}

// SetCurrentChannel records which channel the UI is focused on.
func (s *Store) SetCurrentChannel(id string) {
	s.mu.Lock()
	s.currentChannelID = id
	s.mu.Unlock()
}

// CurrentChannel returns the focused channel id.
func (s *Store) CurrentChannel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentChannelID
}

// --- messages ---

// SetMessages replaces a channel's message slice wholesale.
func (s *Store) SetMessages(channelID string, msgs []Message) {
	s.mu.Lock()
	s.messages[channelID] = slices.Clone(msgs)
	s.mu.Unlock()
}

// Messages returns a copy of a channel's messages in insertion order. The
// store never re-sorts; callers apply messages in server-delivery order.
func (s *Store) Messages(channelID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[channelID])
}

// AppendOptimistic adds a locally-authored message before any server
// acknowledgment, with a temporary id and IsOptimistic set. The returned
// message carries the ClientID used to correlate the confirmation.
func (s *Store) AppendOptimistic(channelID, authorID, content string, attachments []Attachment) Message {
	clientID := uuid.NewString()
	msg := Message{
		ID:           "local-" + clientID,
		ClientID:     clientID,
		ChannelID:    channelID,
		AuthorID:     authorID,
		Content:      content,
		Attachments:  slices.Clone(attachments),
		CreatedAt:    s.now(),
		IsOptimistic: true,
	}
	s.mu.Lock()
	s.messages[channelID] = append(s.messages[channelID], msg)
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, map[string]string{
		"channel_id": channelID,
		"msg_id":     msg.ID,
	})
	return msg
}

// ApplyServerMessage reconciles a server-confirmed message into the store.
// A matching optimistic message (by ClientID, then by id, then by
// author+channel+content) is replaced in place, never duplicated; anything
// else is appended in delivery order.
func (s *Store) ApplyServerMessage(m Message) {
	m.IsOptimistic = false
	s.mu.Lock()
	msgs := s.messages[m.ChannelID]
	idx := -1
	if m.ClientID != "" {
		idx = slices.IndexFunc(msgs, func(x Message) bool { return x.ClientID == m.ClientID })
	}
	if idx < 0 {
		idx = slices.IndexFunc(msgs, func(x Message) bool { return x.ID == m.ID })
	}
	if idx < 0 {
		idx = slices.IndexFunc(msgs, func(x Message) bool {
			return x.IsOptimistic && x.AuthorID == m.AuthorID && x.Content == m.Content
		})
	}
	if idx >= 0 {
		s.messages[m.ChannelID][idx] = m
	} else {
		s.messages[m.ChannelID] = append(msgs, m)
	}
	for i := range s.channels {
		if s.channels[i].ID == m.ChannelID {
			s.channels[i].LastMessageID = m.ID
			break
		}
	}
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, map[string]string{
		"channel_id": m.ChannelID,
		"msg_id":     m.ID,
	})
}

// ApplyEdit updates a message's content after a server-confirmed edit.
// Editing a message the store does not hold is a logged no-op.
func (s *Store) ApplyEdit(channelID, messageID, content string, editedAt time.Time) {
	s.mu.Lock()
	msgs := s.messages[channelID]
	idx := slices.IndexFunc(msgs, func(x Message) bool { return x.ID == messageID })
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn("edit for unknown message",
			zap.String("channel_id", channelID), zap.String("msg_id", messageID))
		return
	}
	msgs[idx].Content = content
	msgs[idx].EditedAt = editedAt
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, map[string]string{
		"channel_id": channelID,
		"msg_id":     messageID,
	})
}

// MarkDeletedLocal tombstones a message optimistically while the delete is
// in flight.
func (s *Store) MarkDeletedLocal(channelID, messageID string) {
	s.mu.Lock()
	msgs := s.messages[channelID]
	idx := slices.IndexFunc(msgs, func(x Message) bool { return x.ID == messageID })
	if idx >= 0 {
		msgs[idx].DeletedAt = s.now()
	}
	s.mu.Unlock()
}

// RemoveMessage drops a message on server-confirmed deletion, preserving
// the relative order of the rest.
func (s *Store) RemoveMessage(channelID, messageID string) {
	s.mu.Lock()
	s.messages[channelID] = slices.DeleteFunc(s.messages[channelID], func(x Message) bool {
		return x.ID == messageID
	})
	s.mu.Unlock()
	s.publish(bus.KindMessageRemoved, map[string]string{
		"channel_id": channelID,
		"msg_id":     messageID,
	})
}

// --- reactions ---

// ToggleReaction applies the optimistic reaction algorithm for the acting
// user and reports the outcome so the caller knows which wire event to send:
//   - no existing reaction: the new one is appended (applied, added)
//   - same emoji already present: it is removed (applied, not added)
//   - different emoji present: replaced in place (applied, added)
//
// An unknown message is a logged no-op. Whatever this computes is
// provisional; server-confirmed reaction events overwrite it.
func (s *Store) ToggleReaction(messageID, userID, emoji string) (applied, added bool) {
	s.mu.Lock()
	msg := s.findMessageLocked(messageID)
	if msg == nil {
		s.mu.Unlock()
		s.logger.Warn("reaction toggle for unknown message", zap.String("msg_id", messageID))
		return false, false
	}
	idx := slices.IndexFunc(msg.Reactions, func(r Reaction) bool { return r.UserID == userID })
	switch {
	case idx < 0:
		msg.Reactions = append(msg.Reactions, Reaction{
			ID:        "local-" + uuid.NewString(),
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
		})
		added = true
	case msg.Reactions[idx].Emoji == emoji:
		msg.Reactions = slices.Delete(msg.Reactions, idx, idx+1)
	default:
		msg.Reactions[idx].Emoji = emoji
		added = true
	}
	channelID := msg.ChannelID
	s.mu.Unlock()
	s.publish(bus.KindReactionChanged, map[string]string{
		"channel_id": channelID,
		"msg_id":     messageID,
	})
	return true, added
}

// ApplyReactionAdded applies a server-confirmed reaction. The server has
// already resolved toggle semantics, so this replaces any local reaction by
// the same user unconditionally.
func (s *Store) ApplyReactionAdded(r Reaction) {
	s.mu.Lock()
	msg := s.findMessageLocked(r.MessageID)
	if msg == nil {
		s.mu.Unlock()
		s.logger.Warn("reaction for unknown message", zap.String("msg_id", r.MessageID))
		return
	}
	msg.Reactions = slices.DeleteFunc(msg.Reactions, func(x Reaction) bool {
		return x.UserID == r.UserID
	})
	msg.Reactions = append(msg.Reactions, r)
	channelID := msg.ChannelID
	s.mu.Unlock()
	s.publish(bus.KindReactionChanged, map[string]string{
		"channel_id": channelID,
		"msg_id":     r.MessageID,
	})
}

// ApplyReactionRemoved removes a user's reaction on server confirmation.
// Removing a reaction that is not present is a no-op.
func (s *Store) ApplyReactionRemoved(messageID, userID string) {
	s.mu.Lock()
	msg := s.findMessageLocked(messageID)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	msg.Reactions = slices.DeleteFunc(msg.Reactions, func(x Reaction) bool {
		return x.UserID == userID
	})
	channelID := msg.ChannelID
	s.mu.Unlock()
	s.publish(bus.KindReactionChanged, map[string]string{
		"channel_id": channelID,
		"msg_id":     messageID,
	})
}

// findMessageLocked scans all channels for a message id. Callers hold s.mu.
func (s *Store) findMessageLocked(messageID string) *Message {
	for channelID := range s.messages {
		msgs := s.messages[channelID]
		for i := range msgs {
			if msgs[i].ID == messageID {
				return &msgs[i]
			}
		}
	}
	return nil
}

// --- typing ---

// SetTyping records that a user is composing in a channel, refreshing the
// timestamp if an entry already exists.
func (s *Store) SetTyping(channelID, userID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.typing[channelID]
	for i := range entries {
		if entries[i].UserID == userID {
			entries[i].At = now
			return
		}
	}
	s.typing[channelID] = append(entries, TypingEntry{
		UserID:    userID,
		ChannelID: channelID,
		At:        now,
	})
}

// RemoveTypingUser withdraws a typing entry. Removing an absent entry
// leaves the collection unchanged.
func (s *Store) RemoveTypingUser(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing[channelID] = slices.DeleteFunc(s.typing[channelID], func(e TypingEntry) bool {
		return e.UserID == userID
	})
}

// GetTypingUsers returns the ids of users whose typing entry is younger
// than TypingWindow. Stale entries stay in the collection but are never
// surfaced; there is no background sweep.
func (s *Store) GetTypingUsers(channelID string) []string {
	cutoff := s.now().Add(-TypingWindow)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, e := range s.typing[channelID] {
		if e.At.After(cutoff) {
			ids = append(ids, e.UserID)
		}
	}
	return ids
}
