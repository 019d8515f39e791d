package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/pkg/models"
)

// Folders carrying one of these attributes are system folders and never become user folders
var systemAttributes = map[string]string{
	`\all`:       "",
	`\archive`:   models.FolderArchive,
	`\drafts`:    models.FolderDrafts,
	`\trash`:     models.FolderTrash,
	`\junk`:      models.FolderJunk,
	`\sent`:      models.FolderSent,
	`\important`: "",
	`\flagged`:   "",
}

// FolderReconciler mirrors the remote folder list into the store
type FolderReconciler struct {
	db            *database.DB
	retentionDays int
	logger        *slog.Logger
}

// NewFolderReconciler creates a folder reconciler
func NewFolderReconciler(db *database.DB, retentionDays int, logger *slog.Logger) *FolderReconciler {
	return &FolderReconciler{
		db:            db,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Synchronize inserts remote user folders missing locally and deletes local
// user folders the server no longer lists. INBOX and special-use folders are
// adopted when the account has none of that type yet.
func (r *FolderReconciler) Synchronize(ctx context.Context, account *models.Account, session remote.Session) error {
	infos, err := session.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	return r.db.InTx(ctx, func(tx *database.DB) error {
		folders, err := tx.GetFolders(ctx, account.ID)
		if err != nil {
			return err
		}

		local := make(map[string]*models.Folder, len(folders))
		byType := make(map[string]bool)
		for _, f := range folders {
			local[f.Name] = f
			byType[f.Type] = true
		}

		for _, info := range infos {
			selectable, system, specialType := classifyAttributes(info.Attributes)
			if !selectable {
				continue
			}

			if strings.EqualFold(info.Name, "INBOX") && !byType[models.FolderInbox] {
				if _, ok := local[info.Name]; !ok {
					if err := r.create(ctx, tx, account.ID, info.Name, models.FolderInbox, true); err != nil {
						return err
					}
					byType[models.FolderInbox] = true
				}
				delete(local, info.Name)
				continue
			}

			if system {
				if specialType != "" && !byType[specialType] {
					if _, ok := local[info.Name]; !ok {
						if err := r.create(ctx, tx, account.ID, info.Name, specialType, false); err != nil {
							return err
						}
						byType[specialType] = true
					}
				}
				delete(local, info.Name)
				continue
			}

			if _, ok := local[info.Name]; ok {
				delete(local, info.Name)
				continue
			}
			if err := r.create(ctx, tx, account.ID, info.Name, models.FolderUser, false); err != nil {
				return err
			}
		}

		for name, f := range local {
			if f.Type != models.FolderUser {
				continue
			}
			if err := tx.DeleteFolder(ctx, f.ID); err != nil {
				return err
			}
			r.logger.Info("folder removed", "account_id", account.ID, "folder", name)
		}
		return nil
	})
}

func (r *FolderReconciler) create(ctx context.Context, tx *database.DB, accountID int64, name, folderType string, sync bool) error {
	f := &models.Folder{
		AccountID:     accountID,
		Name:          name,
		Type:          folderType,
		Synchronize:   sync,
		RetentionDays: r.retentionDays,
	}
	err := tx.CreateFolder(ctx, f)
	if errors.Is(err, database.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Info("folder added", "account_id", accountID, "folder", name, "type", folderType)
	return nil
}

// classifyAttributes reports whether the folder can be selected, whether it is a
// system folder and the folder type its special-use attribute maps to
func classifyAttributes(attrs []string) (selectable, system bool, folderType string) {
	selectable = true
	for _, a := range attrs {
		lower := strings.ToLower(a)
		if lower == `\noselect` || lower == `\nonexistent` {
			selectable = false
		}
		if t, ok := systemAttributes[lower]; ok {
			system = true
			if t != "" && folderType == "" {
				folderType = t
			}
		}
	}
	return selectable, system, folderType
}
