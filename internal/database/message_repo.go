package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/mailsync/pkg/models"
)

// CreateMessage inserts a message. ErrAlreadyExists is returned when the (folder, uid) pair is taken.
func (db *DB) CreateMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (account_id, folder_id, uid, msgid, thread, refs, in_reply_to,
			from_addr, to_addr, cc_addr, bcc_addr, reply_to, subject, preview, received, sent,
			seen, ui_seen, ui_hide, content, identity_id, replying_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	msg.Received = msg.Received.UTC()
	if msg.Sent != nil {
		sent := msg.Sent.UTC()
		msg.Sent = &sent
	}
	result, err := db.conn.ExecContext(ctx, query,
		msg.AccountID,
		msg.FolderID,
		msg.UID,
		msg.MsgID,
		msg.Thread,
		msg.References,
		msg.InReplyTo,
		msg.From,
		msg.To,
		msg.Cc,
		msg.Bcc,
		msg.ReplyTo,
		msg.Subject,
		msg.Preview,
		msg.Received,
		msg.Sent,
		msg.Seen,
		msg.UISeen,
		msg.UIHide,
		msg.Content,
		msg.IdentityID,
		msg.ReplyingID,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = now
	return nil
}

// GetMessageByID returns a message by ID
func (db *DB) GetMessageByID(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := db.get(ctx, &msg, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// GetMessageByUID returns the message bound to a UID in a folder
func (db *DB) GetMessageByUID(ctx context.Context, folderID int64, uid uint32) (*models.Message, error) {
	var msg models.Message
	err := db.get(ctx, &msg, `SELECT * FROM messages WHERE folder_id = ? AND uid = ?`, folderID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// GetMessagesByMsgID returns every copy of a message id within an account
func (db *DB) GetMessagesByMsgID(ctx context.Context, accountID int64, msgid string) ([]*models.Message, error) {
	var msgs []*models.Message
	query := `SELECT * FROM messages WHERE account_id = ? AND msgid = ? ORDER BY id`
	err := db.selectAll(ctx, &msgs, query, accountID, msgid)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// GetUnboundDuplicate returns the oldest message without a UID that carries msgid and
// lives either in folderID or in the account outbox
func (db *DB) GetUnboundDuplicate(ctx context.Context, accountID, folderID int64, msgid string) (*models.Message, error) {
	var msg models.Message
	query := `
		SELECT m.* FROM messages m
		JOIN folders f ON m.folder_id = f.id
		WHERE m.account_id = ? AND m.msgid = ? AND m.uid IS NULL
		  AND (m.folder_id = ? OR f.type = ?)
		ORDER BY m.id
		LIMIT 1
	`
	err := db.get(ctx, &msg, query, accountID, msgid, folderID, models.FolderOutbox)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get duplicate: %w", err)
	}
	return &msg, nil
}

// GetUIDsSince returns the bound UIDs of a folder received at or after since
func (db *DB) GetUIDsSince(ctx context.Context, folderID int64, since time.Time) ([]uint32, error) {
	var uids []uint32
	query := `SELECT uid FROM messages WHERE folder_id = ? AND uid IS NOT NULL AND received >= ?`
	err := db.selectAll(ctx, &uids, query, folderID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get uids: %w", err)
	}
	return uids, nil
}

// DeleteMessagesBefore removes messages received before the cutoff
func (db *DB) DeleteMessagesBefore(ctx context.Context, folderID int64, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ? AND received < ?`, folderID, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	return result.RowsAffected()
}

// DeleteMessageByUID removes the message bound to a UID
func (db *DB) DeleteMessageByUID(ctx context.Context, folderID int64, uid uint32) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ? AND uid = ?`, folderID, uid)
	if err != nil {
		return 0, fmt.Errorf("failed to delete message: %w", err)
	}
	return result.RowsAffected()
}

// DeleteMessage removes a message by ID
func (db *DB) DeleteMessage(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// SetMessageSeen sets both the server and the user facing seen flag
func (db *DB) SetMessageSeen(ctx context.Context, id int64, seen bool) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE messages SET seen = ?, ui_seen = ? WHERE id = ?`, seen, seen, id)
	if err != nil {
		return fmt.Errorf("failed to set message seen: %w", err)
	}
	return nil
}

// SetMessageUID binds or unbinds (nil) the remote UID
func (db *DB) SetMessageUID(ctx context.Context, id int64, uid *uint32) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE messages SET uid = ? WHERE id = ?`, uid, id)
	if err != nil {
		return fmt.Errorf("failed to set message uid: %w", err)
	}
	return nil
}

// SetMessageMsgID stores the Message-ID assigned while rendering
func (db *DB) SetMessageMsgID(ctx context.Context, id int64, msgid string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE messages SET msgid = ? WHERE id = ?`, msgid, id)
	if err != nil {
		return fmt.Errorf("failed to set message id: %w", err)
	}
	return nil
}

// BindMessage attaches an unbound message to a folder and UID, keeping an existing thread
func (db *DB) BindMessage(ctx context.Context, id, folderID int64, uid uint32, thread string) error {
	query := `UPDATE messages SET folder_id = ?, uid = ?, thread = COALESCE(thread, ?) WHERE id = ?`
	_, err := db.conn.ExecContext(ctx, query, folderID, uid, thread, id)
	if err != nil {
		return fmt.Errorf("failed to bind message: %w", err)
	}
	return nil
}

// MoveMessage relocates a message to another folder and unbinds its UID
func (db *DB) MoveMessage(ctx context.Context, id, folderID int64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE messages SET folder_id = ?, uid = NULL WHERE id = ?`, folderID, id)
	if err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	return nil
}

// MarkMessageSent records a successful send
func (db *DB) MarkMessageSent(ctx context.Context, id int64, sent time.Time) error {
	query := `UPDATE messages SET sent = ?, seen = true, ui_seen = true WHERE id = ?`
	_, err := db.conn.ExecContext(ctx, query, sent.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return nil
}

// SetMessageContent records whether the body blob was written
func (db *DB) SetMessageContent(ctx context.Context, id int64, content bool) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("failed to set message content: %w", err)
	}
	return nil
}

// SetMessageError stores or clears the last message error
func (db *DB) SetMessageError(ctx context.Context, id int64, msg *string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE messages SET error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to set message error: %w", err)
	}
	return nil
}

// GetMessageIDs returns the ids of all stored messages
func (db *DB) GetMessageIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := db.selectAll(ctx, &ids, `SELECT id FROM messages`); err != nil {
		return nil, fmt.Errorf("failed to get message ids: %w", err)
	}
	return ids, nil
}

// CountUnseen returns the number of visible unseen messages in a folder
func (db *DB) CountUnseen(ctx context.Context, folderID int64) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM messages WHERE folder_id = ? AND ui_seen = false AND ui_hide = false`
	if err := db.get(ctx, &n, query, folderID); err != nil {
		return 0, fmt.Errorf("failed to count unseen: %w", err)
	}
	return n, nil
}
