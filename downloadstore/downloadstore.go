// Package downloadstore is the durable record of pending and completed
// downloads, one row per file revision, plus the assembler that turns a
// revision's verified blocks back into a plaintext file.
//
// The Downloaded state is never trusted blindly: local storage can be cleared
// behind the store's back, so IsDownloaded re-checks every referenced block
// file and demotes the row back to idle on any miss.
package downloadstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arxdrive/go-arxdrive-sdk/chunker"
	"github.com/arxdrive/go-arxdrive-sdk/manifest"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

var (
	// ErrorLinkNotFound is returned when an operation targets an unknown download link
	ErrorLinkNotFound = utils.NewArxError("DOWNLOADSTORE_LINK_NOT_FOUND", "no download file link with this id")
	// ErrorInvalidRetryCeiling is returned when opening a store with a non-positive retry ceiling
	ErrorInvalidRetryCeiling = utils.NewArxError("DOWNLOADSTORE_INVALID_RETRY_CEILING", "retry ceiling must be strictly positive")
	// ErrorNoManifest is returned when assembling or checking a link without a stored manifest
	ErrorNoManifest = utils.NewArxError("DOWNLOADSTORE_NO_MANIFEST", "no manifest stored for this link")
)

// DownloadState is the lifecycle of one download file link.
type DownloadState int

const (
	DownloadStateIdle DownloadState = iota
	DownloadStateDownloading
	DownloadStateDownloaded
	DownloadStateError
)

func (state DownloadState) String() string {
	switch state {
	case DownloadStateIdle:
		return "idle"
	case DownloadStateDownloading:
		return "downloading"
	case DownloadStateDownloaded:
		return "downloaded"
	case DownloadStateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(state))
	}
}

// FileLink is one file-revision's download job.
type FileLink struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	Id         string `gorm:"uniqueIndex;not null"`
	UserId     string `gorm:"index:idx_download_links_scope;not null"`
	ShareId    string `gorm:"index:idx_download_links_scope"`
	FileId     string `gorm:"index:idx_download_links_scope"`
	RevisionId string `gorm:"index:idx_download_links_scope"`
	ParentId   string `gorm:"index"`
	MimeType   string

	State     DownloadState `gorm:"index"`
	Priority  int           `gorm:"index"`
	Retryable bool

	// BlockDir holds the downloaded ciphertext blocks, named by index.
	BlockDir        string
	DestinationPath string

	Manifest          []byte // bson blob, set once the first manifest page arrives
	ManifestSignature []byte

	NumberOfRetries  int
	LastRunTimestamp int64
	NextRunTimestamp int64
	CreatedAt        time.Time
}

// Store is the durable download queue.
type Store struct {
	db           *gorm.DB
	logger       zerolog.Logger
	retryCeiling int
}

// Open opens (creating if needed) the download store database at the given
// DSN. Rows stuck in the downloading state by a previous process go back to
// idle.
func Open(dsn string, retryCeiling int, logger zerolog.Logger) (*Store, error) {
	if retryCeiling <= 0 {
		return nil, tracerr.Wrap(ErrorInvalidRetryCeiling)
	}
	db, err := gorm.Open(gormsqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	// sqlite is single-writer; one connection serializes claim transactions
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(&FileLink{})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = db.Model(&FileLink{}).
		Where("state = ?", DownloadStateDownloading).
		Update("state", DownloadStateIdle).Error
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Store{
		db:           db,
		logger:       logger.With().Str("component", "downloadstore").Logger(),
		retryCeiling: retryCeiling,
	}, nil
}

// Close closes the underlying database.
func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(sqlDB.Close())
}

// Enqueue inserts a new download job in the idle state. A link without an id
// gets a fresh one.
func (store *Store) Enqueue(link *FileLink) error {
	link.Seq = 0
	link.State = DownloadStateIdle
	link.NumberOfRetries = 0
	if link.Id == "" {
		link.Id = uuid.NewString()
	}
	err := store.db.Create(link).Error
	if err != nil {
		return tracerr.Wrap(err)
	}
	store.logger.Debug().Str("link", link.Id).Str("file", link.FileId).Msg("download enqueued")
	return nil
}

// GetNextIdleAndUpdate atomically claims the next idle link for a user and
// moves it to newState, highest priority first, FIFO among equal priority.
// Returns nil when nothing is claimable.
func (store *Store) GetNextIdleAndUpdate(userId string, newState DownloadState) (*FileLink, error) {
	var claimed *FileLink
	now := time.Now().Unix()
	err := store.db.Transaction(func(tx *gorm.DB) error {
		var link FileLink
		err := tx.
			Where("user_id = ? AND state = ? AND next_run_timestamp <= ?", userId, DownloadStateIdle, now).
			Order("priority DESC, seq ASC").
			First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return tracerr.Wrap(err)
		}
		err = tx.Model(&FileLink{}).Where("seq = ?", link.Seq).Updates(map[string]any{
			"state":              newState,
			"last_run_timestamp": now,
		}).Error
		if err != nil {
			return tracerr.Wrap(err)
		}
		link.State = newState
		link.LastRunTimestamp = now
		claimed = &link
		return nil
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return claimed, nil
}

func (store *Store) getLink(id string) (*FileLink, error) {
	var link FileLink
	err := store.db.Where("id = ?", id).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, tracerr.Wrap(ErrorLinkNotFound.AddDetails(id))
	}
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &link, nil
}

// GetFileLink returns a link by id.
func (store *Store) GetFileLink(id string) (*FileLink, error) {
	return store.getLink(id)
}

// InsertOrUpdateDownloadState upserts the row for (user, file, revision) and
// sets its state. An existing row for an older revision of the same file is
// superseded and removed.
func (store *Store) InsertOrUpdateDownloadState(link *FileLink, state DownloadState) error {
	return tracerr.Wrap(store.db.Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("user_id = ? AND file_id = ? AND revision_id <> ?", link.UserId, link.FileId, link.RevisionId).
			Delete(&FileLink{}).Error
		if err != nil {
			return tracerr.Wrap(err)
		}
		var existing FileLink
		err = tx.
			Where("user_id = ? AND file_id = ? AND revision_id = ?", link.UserId, link.FileId, link.RevisionId).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			link.Seq = 0
			link.State = state
			return tracerr.Wrap(tx.Create(link).Error)
		}
		if err != nil {
			return tracerr.Wrap(err)
		}
		return tracerr.Wrap(tx.Model(&FileLink{}).Where("seq = ?", existing.Seq).Updates(map[string]any{
			"state":              state,
			"priority":           link.Priority,
			"retryable":          link.Retryable,
			"block_dir":          link.BlockDir,
			"destination_path":   link.DestinationPath,
			"manifest":           link.Manifest,
			"manifest_signature": link.ManifestSignature,
		}).Error)
	}))
}

// RemoveDownloadState deletes the row for a link id.
func (store *Store) RemoveDownloadState(id string) error {
	result := store.db.Where("id = ?", id).Delete(&FileLink{})
	if result.Error != nil {
		return tracerr.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return tracerr.Wrap(ErrorLinkNotFound.AddDetails(id))
	}
	return nil
}

// UpdateState moves a link to a new state.
func (store *Store) UpdateState(id string, state DownloadState) error {
	return tracerr.Wrap(store.db.Model(&FileLink{}).Where("id = ?", id).Update("state", state).Error)
}

// SetBlockDir records where a link's ciphertext blocks are staged.
func (store *Store) SetBlockDir(id string, dir string) error {
	return tracerr.Wrap(store.db.Model(&FileLink{}).Where("id = ?", id).Update("block_dir", dir).Error)
}

// SetManifest stores the revision manifest blob and its detached signature.
func (store *Store) SetManifest(id string, manifestBlob []byte, signature []byte) error {
	return tracerr.Wrap(store.db.Model(&FileLink{}).Where("id = ?", id).Updates(map[string]any{
		"manifest":           manifestBlob,
		"manifest_signature": signature,
	}).Error)
}

// MarkFailed records a failed attempt. Non-retryable links and links past the
// retry ceiling go to the terminal error state; the returned flag tells the
// caller to report the failure upward.
func (store *Store) MarkFailed(id string, nextRunAt time.Time) (terminal bool, err error) {
	link, err := store.getLink(id)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	retries := link.NumberOfRetries + 1
	terminal = !link.Retryable || retries > store.retryCeiling
	updates := map[string]any{
		"number_of_retries":  retries,
		"next_run_timestamp": nextRunAt.Unix(),
		"state":              utils.Ternary(terminal, DownloadStateError, DownloadStateIdle),
	}
	err = store.db.Model(&FileLink{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	store.logger.Debug().Str("link", id).Int("retries", retries).Bool("terminal", terminal).Msg("marked failed")
	return terminal, nil
}

// blockPaths lists the local ciphertext files a downloaded revision depends
// on, in index order.
func blockPaths(link *FileLink) ([]string, error) {
	if len(link.Manifest) == 0 {
		return nil, tracerr.Wrap(ErrorNoManifest.AddDetails(link.Id))
	}
	revisionManifest, err := manifest.FromBson(link.Manifest)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	paths := make([]string, len(revisionManifest.Blocks))
	for i, block := range revisionManifest.Blocks {
		paths[i] = filepath.Join(link.BlockDir, chunker.BlockFileName(block.Index))
	}
	return paths, nil
}

// IsDownloaded reports whether a link is fully downloaded, re-validating the
// stored state against local storage: every referenced block file and the
// destination file must still exist. Any miss demotes the link back to idle,
// so a stale Downloaded state can never produce a false cache hit.
func (store *Store) IsDownloaded(id string) (bool, error) {
	link, err := store.getLink(id)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	if link.State != DownloadStateDownloaded {
		return false, nil
	}
	missing := false
	if link.DestinationPath != "" {
		if _, err := os.Stat(link.DestinationPath); err != nil {
			missing = true
		}
	}
	if !missing {
		paths, err := blockPaths(link)
		if err != nil {
			return false, tracerr.Wrap(err)
		}
		for _, path := range paths {
			if _, err := os.Stat(path); err != nil {
				missing = true
				break
			}
		}
	}
	if !missing {
		return true, nil
	}
	store.logger.Debug().Str("link", id).Msg("downloaded state stale, local file missing")
	err = store.UpdateState(id, DownloadStateIdle)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	return false, nil
}

// AreAllFilesDownloaded reports whether every link under a parent folder is
// downloaded. Links whose mime type is excluded count as vacuously
// downloaded. Each child goes through the same lazy revalidation as
// IsDownloaded.
func (store *Store) AreAllFilesDownloaded(userId string, parentId string, excludeMimeTypes []string) (bool, error) {
	var links []*FileLink
	err := store.db.Where("user_id = ? AND parent_id = ?", userId, parentId).Find(&links).Error
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	excluded := utils.Set[string]{}
	for _, mimeType := range excludeMimeTypes {
		excluded.Add(mimeType)
	}
	for _, link := range links {
		if excluded.Has(link.MimeType) {
			continue
		}
		downloaded, err := store.IsDownloaded(link.Id)
		if err != nil {
			return false, tracerr.Wrap(err)
		}
		if !downloaded {
			return false, nil
		}
	}
	return true, nil
}
