package mailsync

import (
	"context"
	"time"

	"github.com/mixelka/mailsync/internal/remote"
)

// Pause after IDLE gave way to a command, so the command gets the connection
const preemptPause = 50 * time.Millisecond

// listener watches one open folder. push waits in IDLE, poll wakes up every
// poll interval. Both hand their work to the account worker.
type listener struct {
	sup  *Supervisor
	conn *connection
	of   *openFolder
}

func (l *listener) push(ctx context.Context) {
	logger := l.sup.logger.With("folder", l.of.folder.Name)
	for {
		changed, err := l.of.remote.Idle(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.fail(ctx, err)
			return
		}
		if !changed {
			if err := sleep(ctx, preemptPause); err != nil {
				return
			}
			continue
		}

		logger.Debug("folder changed")
		err = l.conn.worker.Submit(ctx, "drain "+l.of.folder.Name, func(ctx context.Context) error {
			if err := l.drain(ctx); err != nil {
				return err
			}
			return l.processOperations(ctx)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.fail(ctx, err)
			return
		}
	}
}

func (l *listener) poll(ctx context.Context) {
	every := l.conn.account.PollEvery()
	for {
		if err := l.sup.sleep(ctx, every); err != nil {
			return
		}

		err := l.conn.worker.Submit(ctx, "poll "+l.of.folder.Name, func(ctx context.Context) error {
			if l.conn.caps.Idle {
				if err := l.of.remote.Noop(ctx); err != nil {
					return err
				}
				if err := l.drain(ctx); err != nil {
					return err
				}
			} else {
				if err := l.drain(ctx); err != nil {
					return err
				}
				if _, err := l.sup.messages.Synchronize(ctx, l.of.folder, l.of.remote); err != nil {
					return err
				}
			}
			return l.processOperations(ctx)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.fail(ctx, err)
			return
		}
	}
}

// drain applies the events received since the last call
func (l *listener) drain(ctx context.Context) error {
	events, err := l.of.remote.PollEvents(ctx)
	if err != nil {
		return err
	}

	for _, ev := range events {
		switch ev.Kind {
		case remote.EventAdded, remote.EventChanged:
			if _, err := l.sup.messages.SynchronizeMessage(ctx, l.of.folder, l.of.remote, ev.MessageInfo); err != nil {
				if err := l.sup.messages.skipMessage(ctx, l.of.folder, ev.UID, err); err != nil {
					return err
				}
			}
		case remote.EventRemoved:
			if _, err := l.sup.deps.DB.DeleteMessageByUID(ctx, l.of.folder.ID, ev.UID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *listener) processOperations(ctx context.Context) error {
	return l.sup.ops.Process(ctx, l.conn.target(l.of, l.sup.notify(l.conn)), l.of.folder)
}

// fail records err on the folder and wakes the supervisor
func (l *listener) fail(ctx context.Context, err error) {
	l.sup.logger.Error("folder listener failed", "folder", l.of.folder.Name, "error", err)
	if rerr := l.sup.deps.DB.SetFolderError(context.WithoutCancel(ctx), l.of.folder.ID, errorText(err)); rerr != nil {
		l.sup.logger.Warn("failed to record folder error", "folder", l.of.folder.Name, "error", rerr)
	}
	signal(l.conn.errs, err)
}
