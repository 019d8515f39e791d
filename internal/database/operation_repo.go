package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/mailsync/pkg/models"
)

// CreateOperation queues an operation at the tail of its folder queue
func (db *DB) CreateOperation(ctx context.Context, op *models.Operation) error {
	query := `INSERT INTO operations (folder_id, message_id, kind, args, created_at) VALUES (?, ?, ?, ?, ?)`
	if op.Args == "" {
		op.Args = "[]"
	}
	now := time.Now().UTC()
	result, err := db.conn.ExecContext(ctx, query, op.FolderID, op.MessageID, op.Kind, op.Args, now)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	op.ID = id
	op.CreatedAt = now
	return nil
}

// GetOperations returns the queue of a folder, oldest first
func (db *DB) GetOperations(ctx context.Context, folderID int64) ([]*models.Operation, error) {
	var ops []*models.Operation
	query := `SELECT * FROM operations WHERE folder_id = ? ORDER BY id`
	if err := db.selectAll(ctx, &ops, query, folderID); err != nil {
		return nil, fmt.Errorf("failed to get operations: %w", err)
	}
	return ops, nil
}

// DeleteOperation removes a processed operation
func (db *DB) DeleteOperation(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

// CountOperations returns the queue length of a folder
func (db *DB) CountOperations(ctx context.Context, folderID int64) (int, error) {
	var n int
	if err := db.get(ctx, &n, `SELECT COUNT(*) FROM operations WHERE folder_id = ?`, folderID); err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}
