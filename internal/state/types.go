package state

import "time"

// User is a chat participant known to this client.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// ChannelKind distinguishes direct messages from group channels.
type ChannelKind string

const (
	ChannelDM    ChannelKind = "dm"
	ChannelGroup ChannelKind = "group"
)

// Channel is a conversation the current user participates in.
type Channel struct {
	ID            string
	Name          string
	Kind          ChannelKind
	MemberIDs     []string
	LastMessageID string
}

// Attachment is a file carried by a message.
type Attachment struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	URL      string
}

// Reaction is one emoji reaction. The store enforces at most one reaction
// per (message, user) pair.
type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	Emoji     string
}

// Message is a chat message. Optimistic messages carry a client-assigned
// ClientID and a placeholder ID until the server confirms them.
type Message struct {
	ID           string
	ClientID     string
	ChannelID    string
	AuthorID     string
	Content      string
	Attachments  []Attachment
	Reactions    []Reaction
	ReadReceipts []string
	CreatedAt    time.Time
	EditedAt     time.Time // zero means never edited
	DeletedAt    time.Time // zero means not deleted
	IsOptimistic bool
}

// TypingEntry records that a user was composing in a channel at an instant.
// Entries are never swept; liveness is evaluated at read time.
type TypingEntry struct {
	UserID    string
	ChannelID string
	At        time.Time
}
