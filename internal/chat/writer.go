package chat

import (
	"context"
	"errors"
	"log/slog"
)

// runWriter drains mb onto conn until the mailbox closes, ctx is done or a
// write fails. A failed write closes the mailbox so broadcasters stop queueing
// for this peer. The connection is always closed on return, which ends the
// session's read loop.
func runWriter(ctx context.Context, conn Conn, mb *Mailbox, logger *slog.Logger) {
	defer conn.Close()

	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			if !errors.Is(err, ErrMailboxClosed) {
				logger.Debug("writer stopped", "error", err)
			}
			return
		}

		if err := conn.WriteLine(msg.Text()); err != nil {
			logger.Warn("write failed, dropping peer", "error", err)
			mb.Close()
			return
		}
	}
}
