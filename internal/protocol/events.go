// Package protocol defines the wire events exchanged with the chat backend.
//
// Each direction has a closed set of event types: ClientEvent for
// client-to-server and ServerEvent for server-to-client. Payload shapes are
// concrete structs, so handlers never validate loosely-typed maps.
package protocol

// EventType tags an envelope on the wire.
type EventType string

// Client-to-server event types.
const (
	TypeSendMessage   EventType = "message.send"
	TypeEditMessage   EventType = "message.edit"
	TypeDeleteMessage EventType = "message.delete"
	TypeAddReaction   EventType = "reaction.add"
	TypeRemoveReact   EventType = "reaction.remove"
	TypeStartTyping   EventType = "typing.start"
	TypeStopTyping    EventType = "typing.stop"
	TypeJoinChannel   EventType = "channel.join"
	TypeLeaveChannel  EventType = "channel.leave"
	TypeMarkRead      EventType = "channel.read"
	TypePing          EventType = "ping"
	TypeStorageGet    EventType = "storage.get"
	TypeStorageSet    EventType = "storage.set"
	TypeStorageDelete EventType = "storage.delete"
)

// Server-to-client event types.
const (
	TypeHello           EventType = "hello"
	TypeMessageCreated  EventType = "message.created"
	TypeMessageUpdated  EventType = "message.updated"
	TypeMessageDeleted  EventType = "message.deleted"
	TypeReactionAdded   EventType = "reaction.added"
	TypeReactionRemoved EventType = "reaction.removed"
	TypeTypingStarted   EventType = "typing.started"
	TypeTypingStopped   EventType = "typing.stopped"
	TypeChannelJoined   EventType = "channel.joined"
	TypeChannelLeft     EventType = "channel.left"
	TypeStorageGot      EventType = "storage.got"
	TypeStorageSetAck   EventType = "storage.set_ack"
	TypeStorageDeleted  EventType = "storage.deleted"
	TypePong            EventType = "pong"
	TypeError           EventType = "error"
)

// ClientEvent is implemented by every client-to-server payload.
type ClientEvent interface {
	Type() EventType
	clientEvent()
}

// ServerEvent is implemented by every server-to-client payload.
type ServerEvent interface {
	Type() EventType
	serverEvent()
}

// Handler consumes decoded server events.
type Handler func(ServerEvent)

// Attachment describes a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// Message is the wire shape of a chat message.
type Message struct {
	ID           string       `json:"id"`
	ClientID     string       `json:"client_id,omitempty"`
	ChannelID    string       `json:"channel_id"`
	AuthorID     string       `json:"author_id"`
	Content      string       `json:"content"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Reactions    []Reaction   `json:"reactions,omitempty"`
	CreatedAtMs  int64        `json:"created_at_ms"`
	EditedAtMs   int64        `json:"edited_at_ms,omitempty"`
	DeletedAtMs  int64        `json:"deleted_at_ms,omitempty"`
	ReadReceipts []string     `json:"read_receipts,omitempty"`
}

// Channel is the wire shape of a channel.
type Channel struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"` // "dm" or "group"
	MemberIDs     []string `json:"member_ids"`
	LastMessageID string   `json:"last_message_id,omitempty"`
}

// User is the wire shape of a chat user.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// --- client events ---

// SendMessage asks the server to create a message. ClientID is a
// client-assigned correlation id echoed back on the created event.
type SendMessage struct {
	ClientID    string       `json:"client_id"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EditMessage replaces a message's content.
type EditMessage struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteMessage removes a message.
type DeleteMessage struct {
	MessageID string `json:"message_id"`
}

// AddReaction adds (or toggles, server-side) a reaction.
type AddReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// RemoveReaction removes the acting user's reaction.
type RemoveReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// StartTyping announces the acting user is composing in a channel.
type StartTyping struct {
	ChannelID string `json:"channel_id"`
}

// StopTyping withdraws a typing announcement.
type StopTyping struct {
	ChannelID string `json:"channel_id"`
}

// JoinChannel subscribes the acting user to a channel.
type JoinChannel struct {
	ChannelID string `json:"channel_id"`
}

// LeaveChannel unsubscribes the acting user from a channel.
type LeaveChannel struct {
	ChannelID string `json:"channel_id"`
}

// MarkRead records a read receipt up to a message.
type MarkRead struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// Ping is the application-level heartbeat request.
type Ping struct {
	SentAtMs int64 `json:"sent_at_ms"`
}

// StorageGet reads a key from the remote store.
type StorageGet struct {
	Key string `json:"key"`
}

// StorageSet writes a key to the remote store.
type StorageSet struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTLMs int64  `json:"ttl_ms,omitempty"`
}

// StorageDelete removes a key from the remote store.
type StorageDelete struct {
	Key string `json:"key"`
}

func (SendMessage) Type() EventType   { return TypeSendMessage }
func (EditMessage) Type() EventType   { return TypeEditMessage }
func (DeleteMessage) Type() EventType { return TypeDeleteMessage }
func (AddReaction) Type() EventType   { return TypeAddReaction }
func (RemoveReaction) Type() EventType { return TypeRemoveReact }
func (StartTyping) Type() EventType   { return TypeStartTyping }
func (StopTyping) Type() EventType    { return TypeStopTyping }
func (JoinChannel) Type() EventType   { return TypeJoinChannel }
func (LeaveChannel) Type() EventType  { return TypeLeaveChannel }
func (MarkRead) Type() EventType      { return TypeMarkRead }
func (Ping) Type() EventType          { return TypePing }
func (StorageGet) Type() EventType    { return TypeStorageGet }
func (StorageSet) Type() EventType    { return TypeStorageSet }
func (StorageDelete) Type() EventType { return TypeStorageDelete }

func (SendMessage) clientEvent()    {}
func (EditMessage) clientEvent()    {}
func (DeleteMessage) clientEvent()  {}
func (AddReaction) clientEvent()    {}
func (RemoveReaction) clientEvent() {}
func (StartTyping) clientEvent()    {}
func (StopTyping) clientEvent()     {}
func (JoinChannel) clientEvent()    {}
func (LeaveChannel) clientEvent()   {}
func (MarkRead) clientEvent()       {}
func (Ping) clientEvent()           {}
func (StorageGet) clientEvent()     {}
func (StorageSet) clientEvent()     {}
func (StorageDelete) clientEvent()  {}

// --- server events ---

// Hello acknowledges a successful authentication handshake.
type Hello struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageCreated announces a new message. ClientID is set when the message
// originated from this client's SendMessage.
type MessageCreated struct {
	Message Message `json:"message"`
}

// MessageUpdated announces an edit.
type MessageUpdated struct {
	Message Message `json:"message"`
}

// MessageDeleted announces a deletion.
type MessageDeleted struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

// ReactionAdded announces a server-confirmed reaction. The server has
// already applied toggle semantics; this is the authoritative outcome.
type ReactionAdded struct {
	Reaction Reaction `json:"reaction"`
}

// ReactionRemoved announces a server-confirmed reaction removal.
type ReactionRemoved struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// TypingStarted announces a user began composing.
type TypingStarted struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// TypingStopped announces a user stopped composing.
type TypingStopped struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// ChannelJoined announces channel membership, including on first discovery.
type ChannelJoined struct {
	Channel Channel `json:"channel"`
}

// ChannelLeft announces the acting user left or the channel was deleted.
type ChannelLeft struct {
	ChannelID string `json:"channel_id"`
}

// StorageGot is the correlated response to StorageGet.
type StorageGot struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// StorageSetAck is the correlated response to StorageSet.
type StorageSetAck struct {
	Key string `json:"key"`
	OK  bool   `json:"ok"`
}

// StorageDeleted is the correlated response to StorageDelete.
type StorageDeleted struct {
	Key string `json:"key"`
	OK  bool   `json:"ok"`
}

// Pong answers a Ping.
type Pong struct {
	SentAtMs int64 `json:"sent_at_ms"`
}

// ErrorEvent carries a server-side failure for a prior client event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Detail  string `json:"detail"`
	RefType string `json:"ref_type,omitempty"`
}

func (Hello) Type() EventType           { return TypeHello }
func (MessageCreated) Type() EventType  { return TypeMessageCreated }
func (MessageUpdated) Type() EventType  { return TypeMessageUpdated }
func (MessageDeleted) Type() EventType  { return TypeMessageDeleted }
func (ReactionAdded) Type() EventType   { return TypeReactionAdded }
func (ReactionRemoved) Type() EventType { return TypeReactionRemoved }
func (TypingStarted) Type() EventType   { return TypeTypingStarted }
func (TypingStopped) Type() EventType   { return TypeTypingStopped }
func (ChannelJoined) Type() EventType   { return TypeChannelJoined }
func (ChannelLeft) Type() EventType     { return TypeChannelLeft }
func (StorageGot) Type() EventType      { return TypeStorageGot }
func (StorageSetAck) Type() EventType   { return TypeStorageSetAck }
func (StorageDeleted) Type() EventType  { return TypeStorageDeleted }
func (Pong) Type() EventType            { return TypePong }
func (ErrorEvent) Type() EventType      { return TypeError }

func (Hello) serverEvent()           {}
func (MessageCreated) serverEvent()  {}
func (MessageUpdated) serverEvent()  {}
func (MessageDeleted) serverEvent()  {}
func (ReactionAdded) serverEvent()   {}
func (ReactionRemoved) serverEvent() {}
func (TypingStarted) serverEvent()   {}
func (TypingStopped) serverEvent()   {}
func (ChannelJoined) serverEvent()   {}
func (ChannelLeft) serverEvent()     {}
func (StorageGot) serverEvent()      {}
func (StorageSetAck) serverEvent()   {}
func (StorageDeleted) serverEvent()  {}
func (Pong) serverEvent()            {}
func (ErrorEvent) serverEvent()      {}
