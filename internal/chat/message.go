package chat

import "fmt"

// Kind tags a Message with the event it describes.
type Kind int

const (
	KindJoined Kind = iota + 1
	KindLeft
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindJoined:
		return "joined"
	case KindLeft:
		return "left"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "joined":
		return KindJoined, nil
	case "left":
		return KindLeft, nil
	case "chat":
		return KindChat, nil
	}
	return 0, fmt.Errorf("chat: unknown message kind %q", s)
}

// Message is a chat event. One *Message is shared by every mailbox it is
// delivered to and read concurrently by their writers, so it is never
// modified after construction.
type Message struct {
	kind    Kind
	sender  string
	content string
	text    string
}

// NewJoined builds the announcement sent when username enters the chat.
func NewJoined(username string) *Message {
	return &Message{kind: KindJoined, sender: username, text: username + " has joined the chat"}
}

// NewLeft builds the announcement sent when username leaves the chat.
func NewLeft(username string) *Message {
	return &Message{kind: KindLeft, sender: username, text: username + " has left the chat"}
}

// NewChat builds a chat line sent by sender.
func NewChat(sender, content string) *Message {
	return &Message{kind: KindChat, sender: sender, content: content, text: sender + ": " + content}
}

// Restore rebuilds a message from its parts, e.g. after it crossed a relay.
func Restore(kind Kind, sender, content string) (*Message, error) {
	switch kind {
	case KindJoined:
		return NewJoined(sender), nil
	case KindLeft:
		return NewLeft(sender), nil
	case KindChat:
		return NewChat(sender, content), nil
	}
	return nil, fmt.Errorf("chat: cannot restore message of kind %d", kind)
}

func (m *Message) Kind() Kind { return m.kind }

// Sender is the username the event is about.
func (m *Message) Sender() string { return m.sender }

// Content is the chat line; empty for join and leave events.
func (m *Message) Content() string { return m.content }

// Text is the exact line written to clients, without the trailing newline.
func (m *Message) Text() string { return m.text }

func (m *Message) String() string { return m.text }
