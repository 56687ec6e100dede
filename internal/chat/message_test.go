package chat

import "testing"

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		kind Kind
		want string
	}{
		{"joined", NewJoined("bob"), KindJoined, "bob has joined the chat"},
		{"left", NewLeft("bob"), KindLeft, "bob has left the chat"},
		{"chat", NewChat("alice", "hello"), KindChat, "alice: hello"},
		{"empty username", NewJoined(""), KindJoined, " has joined the chat"},
		{"empty line", NewChat("alice", ""), KindChat, "alice: "},
		{"content with colon", NewChat("a", "b: c"), KindChat, "a: b: c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
			if tt.msg.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", tt.msg.Kind(), tt.kind)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindJoined, KindLeft, KindChat} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) error: %v", k.String(), err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if _, err := ParseKind("whisper"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRestore(t *testing.T) {
	msg, err := Restore(KindChat, "carol", "hi there")
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if msg.Text() != "carol: hi there" {
		t.Errorf("Text() = %q", msg.Text())
	}
	if msg.Sender() != "carol" || msg.Content() != "hi there" {
		t.Errorf("unexpected parts sender=%q content=%q", msg.Sender(), msg.Content())
	}

	left, err := Restore(KindLeft, "carol", "ignored")
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if left.Content() != "" {
		t.Errorf("left message kept content %q", left.Content())
	}

	if _, err := Restore(Kind(0), "carol", ""); err == nil {
		t.Error("expected error for zero kind")
	}
}
