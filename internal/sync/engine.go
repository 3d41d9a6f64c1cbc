// Package sync bridges the gateway connection and the client state store:
// inbound server events mutate the store, outbound user actions become wire
// events with the optimistic local mutation applied first.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rmarins/chatkit/internal/bus"
	"github.com/rmarins/chatkit/internal/conn"
	"github.com/rmarins/chatkit/internal/protocol"
	"github.com/rmarins/chatkit/internal/state"
)

// Transport is the slice of the connection manager the engine needs.
type Transport interface {
	IsConnected() bool
	Send(evt protocol.ClientEvent) error
	On(t protocol.EventType, h protocol.Handler) int
	Off(t protocol.EventType, id int)
}

type handlerRef struct {
	t  protocol.EventType
	id int
}

// Engine applies server events to the state store and turns local actions
// into client events. All inbound application is idempotent.
type Engine struct {
	transport Transport
	store     *state.Store
	bus       *bus.Bus
	logger    *zap.Logger

	cancel context.CancelFunc
	refs   []handlerRef
}

// NewEngine creates an engine wired to the given transport and store.
func NewEngine(t Transport, s *state.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		transport: t,
		store:     s,
		bus:       b,
		logger:    logger,
	}
}

// Start registers the inbound event handlers and begins mirroring the
// connection state into the store.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.on(protocol.TypeHello, e.handleHello)
	e.on(protocol.TypeMessageCreated, e.handleMessageCreated)
	e.on(protocol.TypeMessageUpdated, e.handleMessageUpdated)
	e.on(protocol.TypeMessageDeleted, e.handleMessageDeleted)
	e.on(protocol.TypeReactionAdded, e.handleReactionAdded)
	e.on(protocol.TypeReactionRemoved, e.handleReactionRemoved)
	e.on(protocol.TypeTypingStarted, e.handleTypingStarted)
	e.on(protocol.TypeTypingStopped, e.handleTypingStopped)
	e.on(protocol.TypeChannelJoined, e.handleChannelJoined)
	e.on(protocol.TypeChannelLeft, e.handleChannelLeft)
	e.on(protocol.TypeError, e.handleError)

	ch, unsub := e.bus.Subscribe(bus.NSConn, 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleConnEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unregisters the handlers and stops the mirror goroutine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, ref := range e.refs {
		e.transport.Off(ref.t, ref.id)
	}
	e.refs = nil
}

func (e *Engine) on(t protocol.EventType, h protocol.Handler) {
	id := e.transport.On(t, h)
	e.refs = append(e.refs, handlerRef{t: t, id: id})
}

// --- inbound ---

func (e *Engine) handleHello(evt protocol.ServerEvent) {
	hello, ok := evt.(*protocol.Hello)
	if !ok {
		return
	}
	if e.store.CurrentUser() == nil {
		e.store.SetCurrentUser(state.User{ID: hello.UserID})
	}
	e.store.SetLastError("")
	e.logger.Info("session established",
		zap.String("session_id", hello.SessionID),
		zap.String("user_id", hello.UserID))
}

func (e *Engine) handleMessageCreated(evt protocol.ServerEvent) {
	if m, ok := evt.(*protocol.MessageCreated); ok {
		e.store.ApplyServerMessage(messageFromWire(m.Message))
	}
}

func (e *Engine) handleMessageUpdated(evt protocol.ServerEvent) {
	m, ok := evt.(*protocol.MessageUpdated)
	if !ok {
		return
	}
	e.store.ApplyEdit(m.Message.ChannelID, m.Message.ID, m.Message.Content,
		timeFromMs(m.Message.EditedAtMs))
}

func (e *Engine) handleMessageDeleted(evt protocol.ServerEvent) {
	if m, ok := evt.(*protocol.MessageDeleted); ok {
		e.store.RemoveMessage(m.ChannelID, m.MessageID)
	}
}

func (e *Engine) handleReactionAdded(evt protocol.ServerEvent) {
	if r, ok := evt.(*protocol.ReactionAdded); ok {
		e.store.ApplyReactionAdded(state.Reaction(r.Reaction))
	}
}

func (e *Engine) handleReactionRemoved(evt protocol.ServerEvent) {
	if r, ok := evt.(*protocol.ReactionRemoved); ok {
		e.store.ApplyReactionRemoved(r.MessageID, r.UserID)
	}
}

func (e *Engine) handleTypingStarted(evt protocol.ServerEvent) {
	if t, ok := evt.(*protocol.TypingStarted); ok {
		e.store.SetTyping(t.ChannelID, t.UserID)
	}
}

func (e *Engine) handleTypingStopped(evt protocol.ServerEvent) {
	if t, ok := evt.(*protocol.TypingStopped); ok {
		e.store.RemoveTypingUser(t.ChannelID, t.UserID)
	}
}

func (e *Engine) handleChannelJoined(evt protocol.ServerEvent) {
	if c, ok := evt.(*protocol.ChannelJoined); ok {
		e.store.AddChannel(channelFromWire(c.Channel))
	}
}

func (e *Engine) handleChannelLeft(evt protocol.ServerEvent) {
	if c, ok := evt.(*protocol.ChannelLeft); ok {
		e.store.RemoveChannel(c.ChannelID)
	}
}

func (e *Engine) handleError(evt protocol.ServerEvent) {
	se, ok := evt.(*protocol.ErrorEvent)
	if !ok {
		return
	}
	e.store.SetLastError(se.Detail)
	e.logger.Warn("server reported error",
		zap.String("code", se.Code),
		zap.String("detail", se.Detail),
		zap.String("ref_type", se.RefType))
}

func (e *Engine) handleConnEvent(evt bus.Event) {
	if evt.Kind != bus.KindConnStateChanged {
		return
	}
	change, ok := evt.Payload.(conn.StateChange)
	if !ok {
		return
	}
	e.store.SetConnected(change.To == conn.Connected)
}

// --- outbound ---

// SendMessage appends an optimistic message and pushes it to the server.
// When the connection is down the optimistic copy stays visible and the
// send error is returned for the caller to surface.
func (e *Engine) SendMessage(channelID, content string, attachments []state.Attachment) (state.Message, error) {
	me := e.store.CurrentUser()
	if me == nil {
		return state.Message{}, fmt.Errorf("send message: no authenticated user")
	}
	msg := e.store.AppendOptimistic(channelID, me.ID, content, attachments)

	wireAtt := make([]protocol.Attachment, 0, len(attachments))
	for _, a := range attachments {
		wireAtt = append(wireAtt, protocol.Attachment(a))
	}
	err := e.transport.Send(protocol.SendMessage{
		ClientID:    msg.ClientID,
		ChannelID:   channelID,
		Content:     content,
		Attachments: wireAtt,
	})
	if err != nil {
		e.logger.Warn("message send deferred", zap.String("channel_id", channelID), zap.Error(err))
		return msg, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// EditMessage pushes a content change for an existing message.
func (e *Engine) EditMessage(messageID, content string) error {
	if err := e.transport.Send(protocol.EditMessage{MessageID: messageID, Content: content}); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage tombstones the message locally and pushes the deletion.
func (e *Engine) DeleteMessage(channelID, messageID string) error {
	e.store.MarkDeletedLocal(channelID, messageID)
	if err := e.transport.Send(protocol.DeleteMessage{MessageID: messageID}); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ToggleReaction applies the local toggle and sends whichever wire event
// matches the outcome: an add when a reaction was added or replaced, a
// remove when the same emoji was toggled off.
func (e *Engine) ToggleReaction(messageID, emoji string) error {
	me := e.store.CurrentUser()
	if me == nil {
		return fmt.Errorf("toggle reaction: no authenticated user")
	}
	applied, added := e.store.ToggleReaction(messageID, me.ID, emoji)
	if !applied {
		return fmt.Errorf("toggle reaction: unknown message %s", messageID)
	}

	var evt protocol.ClientEvent
	if added {
		evt = protocol.AddReaction{MessageID: messageID, Emoji: emoji}
	} else {
		evt = protocol.RemoveReaction{MessageID: messageID, Emoji: emoji}
	}
	if err := e.transport.Send(evt); err != nil {
		return fmt.Errorf("toggle reaction: %w", err)
	}
	return nil
}

// StartTyping announces the local user is composing.
func (e *Engine) StartTyping(channelID string) error {
	return e.transport.Send(protocol.StartTyping{ChannelID: channelID})
}

// StopTyping withdraws the local typing announcement.
func (e *Engine) StopTyping(channelID string) error {
	return e.transport.Send(protocol.StopTyping{ChannelID: channelID})
}

// JoinChannel subscribes to a channel; membership lands via ChannelJoined.
func (e *Engine) JoinChannel(channelID string) error {
	return e.transport.Send(protocol.JoinChannel{ChannelID: channelID})
}

// LeaveChannel unsubscribes from a channel and drops its local state.
func (e *Engine) LeaveChannel(channelID string) error {
	if err := e.transport.Send(protocol.LeaveChannel{ChannelID: channelID}); err != nil {
		return err
	}
	e.store.RemoveChannel(channelID)
	return nil
}

// MarkRead records a read receipt up to the given message.
func (e *Engine) MarkRead(channelID, messageID string) error {
	return e.transport.Send(protocol.MarkRead{ChannelID: channelID, MessageID: messageID})
}

// Logout wipes every piece of user-scoped state.
func (e *Engine) Logout() {
	e.store.ClearUserCache()
	e.logger.Info("user state cleared")
}

// --- wire conversion ---

func timeFromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func messageFromWire(m protocol.Message) state.Message {
	att := make([]state.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		att = append(att, state.Attachment(a))
	}
	reactions := make([]state.Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, state.Reaction(r))
	}
	return state.Message{
		ID:           m.ID,
		ClientID:     m.ClientID,
		ChannelID:    m.ChannelID,
		AuthorID:     m.AuthorID,
		Content:      m.Content,
		Attachments:  att,
		Reactions:    reactions,
		ReadReceipts: m.ReadReceipts,
		CreatedAt:    timeFromMs(m.CreatedAtMs),
		EditedAt:     timeFromMs(m.EditedAtMs),
		DeletedAt:    timeFromMs(m.DeletedAtMs),
	}
}

func channelFromWire(c protocol.Channel) state.Channel {
	return state.Channel{
		ID:            c.ID,
		Name:          c.Name,
		Kind:          state.ChannelKind(c.Kind),
		MemberIDs:     c.MemberIDs,
		LastMessageID: c.LastMessageID,
	}
}
