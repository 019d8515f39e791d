package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailsync/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// CreateAccount creates a new account
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (name, user, password, auth_mode, host, port, poll_interval, synchronize, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if account.AuthMode == "" {
		account.AuthMode = models.AuthPassword
	}
	now := time.Now().UTC()
	result, err := db.conn.ExecContext(ctx, query,
		account.Name,
		account.User,
		account.Password,
		account.AuthMode,
		account.Host,
		account.Port,
		account.PollInterval,
		account.Synchronize,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	err := db.get(ctx, &account, `SELECT * FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetSynchronizingAccounts returns all accounts enabled for synchronization
func (db *DB) GetSynchronizingAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := db.selectAll(ctx, &accounts, `SELECT * FROM accounts WHERE synchronize = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// SetAccountState updates the connection state
func (db *DB) SetAccountState(ctx context.Context, id int64, state string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE accounts SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to set account state: %w", err)
	}
	return nil
}

// SetAccountError stores or clears (nil) the last account error
func (db *DB) SetAccountError(ctx context.Context, id int64, msg *string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE accounts SET error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to set account error: %w", err)
	}
	return nil
}

// DeleteAccount deletes an account with its folders and messages
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// CreateIdentity creates a sending identity
func (db *DB) CreateIdentity(ctx context.Context, ident *models.Identity) error {
	query := `
		INSERT INTO identities (account_id, name, email, host, port, encryption, user, password, auth_mode, reply_to, store_sent, synchronize, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if ident.AuthMode == "" {
		ident.AuthMode = models.AuthPassword
	}
	if ident.Encryption == "" {
		ident.Encryption = "starttls"
	}
	now := time.Now().UTC()
	result, err := db.conn.ExecContext(ctx, query,
		ident.AccountID,
		ident.Name,
		ident.Email,
		ident.Host,
		ident.Port,
		ident.Encryption,
		ident.User,
		ident.Password,
		ident.AuthMode,
		ident.ReplyTo,
		ident.StoreSent,
		ident.Synchronize,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	ident.ID = id
	ident.CreatedAt = now
	return nil
}

// GetIdentityByID returns an identity by ID
func (db *DB) GetIdentityByID(ctx context.Context, id int64) (*models.Identity, error) {
	var ident models.Identity
	err := db.get(ctx, &ident, `SELECT * FROM identities WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &ident, nil
}

// SetIdentityState updates the transport state of an identity
func (db *DB) SetIdentityState(ctx context.Context, id int64, state string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE identities SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to set identity state: %w", err)
	}
	return nil
}

// SetIdentityError stores or clears the last identity error
func (db *DB) SetIdentityError(ctx context.Context, id int64, msg *string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE identities SET error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to set identity error: %w", err)
	}
	return nil
}
