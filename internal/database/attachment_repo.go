package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mixelka/mailsync/pkg/models"
)

// CreateAttachment inserts an attachment descriptor
func (db *DB) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	query := `
		INSERT INTO attachments (message_id, sequence, name, type, size, progress, available)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := db.conn.ExecContext(ctx, query,
		att.MessageID,
		att.Sequence,
		att.Name,
		att.Type,
		att.Size,
		att.Progress,
		att.Available,
	)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	att.ID = id
	return nil
}

// GetAttachments returns the attachments of a message in sequence order
func (db *DB) GetAttachments(ctx context.Context, messageID int64) ([]*models.Attachment, error) {
	var atts []*models.Attachment
	query := `SELECT * FROM attachments WHERE message_id = ? ORDER BY sequence`
	if err := db.selectAll(ctx, &atts, query, messageID); err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	return atts, nil
}

// GetAttachment returns one attachment by message and sequence
func (db *DB) GetAttachment(ctx context.Context, messageID int64, sequence int) (*models.Attachment, error) {
	var att models.Attachment
	query := `SELECT * FROM attachments WHERE message_id = ? AND sequence = ?`
	err := db.get(ctx, &att, query, messageID, sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &att, nil
}

// SetAttachmentProgress updates or clears (nil) the download progress
func (db *DB) SetAttachmentProgress(ctx context.Context, id int64, progress *int) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE attachments SET progress = ? WHERE id = ?`, progress, id)
	if err != nil {
		return fmt.Errorf("failed to set attachment progress: %w", err)
	}
	return nil
}

// SetAttachmentDownloaded marks the content as stored
func (db *DB) SetAttachmentDownloaded(ctx context.Context, id int64, size int64) error {
	query := `UPDATE attachments SET size = ?, progress = NULL, available = true WHERE id = ?`
	_, err := db.conn.ExecContext(ctx, query, size, id)
	if err != nil {
		return fmt.Errorf("failed to set attachment downloaded: %w", err)
	}
	return nil
}

// GetAttachmentIDs returns the ids of all stored attachments
func (db *DB) GetAttachmentIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := db.selectAll(ctx, &ids, `SELECT id FROM attachments`); err != nil {
		return nil, fmt.Errorf("failed to get attachment ids: %w", err)
	}
	return ids, nil
}
