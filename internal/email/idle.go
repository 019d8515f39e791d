package email

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/client"

	"github.com/mixelka/mailsync/internal/remote"
)

// Idle waits in IMAP IDLE until the server reports a change, a command needs
// the connection, or ctx is done
func (f *Folder) Idle(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Tokens left by commands that already ran are stale
	select {
	case <-f.preempt:
	default:
	}
	if f.waiting.Load() > 0 {
		return false, nil
	}
	if f.hasPending() {
		return true, nil
	}
	if !f.IsOpen() {
		return false, fmt.Errorf("%s: idle: %w", f.name, remote.ErrFolderClosed)
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.client.Idle(stop, &client.IdleOptions{LogoutTimeout: f.idleTimeout})
	}()

	pending := false
	select {
	case <-f.notify:
		pending = true
	case <-f.preempt:
		f.logger.Debug("idle preempted")
	case <-ctx.Done():
	case err := <-done:
		// The server ended IDLE on its own
		if err != nil {
			return false, fmt.Errorf("failed to idle: %w", err)
		}
		return f.hasPending(), nil
	}

	close(stop)
	err := <-done
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, fmt.Errorf("failed to idle: %w", err)
	}
	return pending || f.hasPending(), nil
}
