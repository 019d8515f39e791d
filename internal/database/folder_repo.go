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

// CreateFolder creates a folder
func (db *DB) CreateFolder(ctx context.Context, folder *models.Folder) error {
	query := `
		INSERT INTO folders (account_id, name, type, synchronize, retention_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.conn.ExecContext(ctx, query,
		folder.AccountID,
		folder.Name,
		folder.Type,
		folder.Synchronize,
		folder.RetentionDays,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create folder: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	folder.ID = id
	folder.CreatedAt = now
	return nil
}

// EnsureOutbox returns the outbox of an account, creating it when missing
func (db *DB) EnsureOutbox(ctx context.Context, accountID int64) (*models.Folder, error) {
	folder, err := db.GetFolderByType(ctx, accountID, models.FolderOutbox)
	if err == nil {
		return folder, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	folder = &models.Folder{
		AccountID: accountID,
		Name:      models.OutboxName,
		Type:      models.FolderOutbox,
	}
	if err := db.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// GetFolderByID returns a folder by ID
func (db *DB) GetFolderByID(ctx context.Context, id int64) (*models.Folder, error) {
	var folder models.Folder
	err := db.get(ctx, &folder, `SELECT * FROM folders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &folder, nil
}

// GetFolderByType returns the first folder of the given type in an account
func (db *DB) GetFolderByType(ctx context.Context, accountID int64, folderType string) (*models.Folder, error) {
	var folder models.Folder
	query := `SELECT * FROM folders WHERE account_id = ? AND type = ? ORDER BY id LIMIT 1`
	err := db.get(ctx, &folder, query, accountID, folderType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &folder, nil
}

// GetFolders returns all folders of an account
func (db *DB) GetFolders(ctx context.Context, accountID int64) ([]*models.Folder, error) {
	var folders []*models.Folder
	err := db.selectAll(ctx, &folders, `SELECT * FROM folders WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get folders: %w", err)
	}
	return folders, nil
}

// GetSynchronizingFolders returns the remote folders enabled for synchronization
func (db *DB) GetSynchronizingFolders(ctx context.Context, accountID int64) ([]*models.Folder, error) {
	var folders []*models.Folder
	query := `SELECT * FROM folders WHERE account_id = ? AND synchronize = true AND type <> ? ORDER BY id`
	err := db.selectAll(ctx, &folders, query, accountID, models.FolderOutbox)
	if err != nil {
		return nil, fmt.Errorf("failed to get folders: %w", err)
	}
	return folders, nil
}

// DeleteFolder deletes a folder and, by cascade, its messages and operations
func (db *DB) DeleteFolder(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// SetFolderState updates the state of one folder
func (db *DB) SetFolderState(ctx context.Context, id int64, state string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE folders SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to set folder state: %w", err)
	}
	return nil
}

// ResetFolderStates clears the state of every folder of an account
func (db *DB) ResetFolderStates(ctx context.Context, accountID int64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE folders SET state = '' WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to reset folder states: %w", err)
	}
	return nil
}

// SetFolderError stores or clears the last folder error
func (db *DB) SetFolderError(ctx context.Context, id int64, msg *string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE folders SET error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to set folder error: %w", err)
	}
	return nil
}
