package chat

import "errors"

var (
	// ErrMailboxClosed is returned by Enqueue and Receive once the mailbox owner
	// is gone. Broadcast treats it as a stale peer and drops the registry entry.
	ErrMailboxClosed = errors.New("chat: mailbox closed")

	// ErrMailboxFull reports that the overflow policy was applied to an
	// enqueue. Under drop-oldest the new message was still queued.
	ErrMailboxFull = errors.New("chat: mailbox full")
)
