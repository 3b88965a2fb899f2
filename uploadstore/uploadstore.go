// Package uploadstore is the durable record of pending upload work. File
// links and their blocks live in a sqlite database so queued work survives
// process restarts; workers pull items through an atomic claim so two workers
// never own the same link at once.
package uploadstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

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
	// ErrorLinkNotFound is returned when an operation targets a link id not in the store
	ErrorLinkNotFound = utils.NewArxError("UPLOADSTORE_LINK_NOT_FOUND", "no upload file link with this id")
	// ErrorBlockNotFound is returned when an operation targets a block not in the store
	ErrorBlockNotFound = utils.NewArxError("UPLOADSTORE_BLOCK_NOT_FOUND", "no upload block with this id")
	// ErrorInvalidRetryCeiling is returned when opening a store with a non-positive retry ceiling
	ErrorInvalidRetryCeiling = utils.NewArxError("UPLOADSTORE_INVALID_RETRY_CEILING", "retry ceiling must be strictly positive")
)

// UploadState is the lifecycle of one upload file link. The set is closed;
// every consumer switches exhaustively over it.
type UploadState int

const (
	UploadStateUnprocessed UploadState = iota
	UploadStateKeysGenerated
	UploadStateChunksPrepared
	UploadStateUploading
	UploadStateCommitting
	UploadStateDone
	UploadStateFailed
	UploadStateCancelled
)

func (state UploadState) String() string {
	switch state {
	case UploadStateUnprocessed:
		return "unprocessed"
	case UploadStateKeysGenerated:
		return "keys_generated"
	case UploadStateChunksPrepared:
		return "chunks_prepared"
	case UploadStateUploading:
		return "uploading"
	case UploadStateCommitting:
		return "committing"
	case UploadStateDone:
		return "done"
	case UploadStateFailed:
		return "failed"
	case UploadStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(state))
	}
}

// IsTerminal reports whether the state ends the link's lifecycle.
func (state UploadState) IsTerminal() bool {
	return state == UploadStateDone || state == UploadStateFailed || state == UploadStateCancelled
}

// idleStates are the states a worker can claim from. Intermediate states are
// claimable so an interrupted upload resumes from where it left off.
var idleStates = []UploadState{
	UploadStateUnprocessed,
	UploadStateKeysGenerated,
	UploadStateChunksPrepared,
	UploadStateUploading,
	UploadStateCommitting,
}

var terminalStates = []UploadState{
	UploadStateDone,
	UploadStateFailed,
	UploadStateCancelled,
}

// FileLink is one file's upload job.
type FileLink struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	Id         string `gorm:"uniqueIndex;not null"`
	UserId     string `gorm:"index:idx_upload_links_scope;not null"`
	VolumeId   string `gorm:"index:idx_upload_links_scope"`
	ShareId    string `gorm:"index:idx_upload_links_scope"`
	LinkId     string `gorm:"index:idx_upload_links_scope"`
	ParentId   string `gorm:"index"`
	RevisionId string

	Name     string
	MimeType string

	NodeKey           []byte
	ContentKeyPacket  []byte
	ManifestSignature []byte

	State    UploadState `gorm:"index"`
	Priority int         `gorm:"index"`
	InFlight bool

	Size         int64
	LastModified int64
	SourceUri    string

	NumberOfRetries  int
	NextRunTimestamp int64
	CreatedAt        time.Time
}

// Block is one chunk of an uploading file.
type Block struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	FileLinkId string `gorm:"index;not null"`
	Index      int    `gorm:"column:block_index;not null"`

	DestinationUrl string
	Hash           []byte
	Signature      []byte
	RawSize        int64
	EncryptedSize  int64
	UploadToken    string
	LocalFile      string
	VerifierToken  []byte
	Uploaded       bool
}

type countSubscriber struct {
	userId   string
	callback func(int64)
}

// Store is the durable upload queue.
type Store struct {
	db           *gorm.DB
	logger       zerolog.Logger
	retryCeiling int

	subscribersMutex sync.Mutex
	subscribers      map[int]*countSubscriber
	nextSubscriberId int
}

// Open opens (creating if needed) the upload store database at the given DSN.
// Any in-flight marker left by a previous process is cleared, so interrupted
// work becomes claimable again.
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
	err = db.AutoMigrate(&FileLink{}, &Block{})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = db.Model(&FileLink{}).Where("in_flight = ?", true).Update("in_flight", false).Error
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Store{
		db:           db,
		logger:       logger.With().Str("component", "uploadstore").Logger(),
		retryCeiling: retryCeiling,
		subscribers:  map[int]*countSubscriber{},
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

// EnqueueFileLink inserts a new upload job. State always starts at
// UploadStateUnprocessed regardless of what the caller set; a link without an
// id gets a fresh one.
func (store *Store) EnqueueFileLink(link *FileLink) error {
	link.Seq = 0
	link.State = UploadStateUnprocessed
	link.InFlight = false
	link.NumberOfRetries = 0
	if link.Id == "" {
		link.Id = uuid.NewString()
	}
	err := store.db.Create(link).Error
	if err != nil {
		return tracerr.Wrap(err)
	}
	store.logger.Debug().Str("link", link.Id).Str("name", link.Name).Msg("file link enqueued")
	store.notifyCountChange(link.UserId)
	return nil
}

// EnqueueBlocks inserts the blocks of a chunked file link, in batches so a
// large file stays within sqlite's bind-variable limit.
func (store *Store) EnqueueBlocks(linkId string, blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}
	for _, block := range blocks {
		block.Seq = 0
		block.FileLinkId = linkId
		block.Uploaded = false
	}
	return tracerr.Wrap(store.db.Transaction(func(tx *gorm.DB) error {
		for _, batch := range utils.ChunkSlice(blocks, 100) {
			err := tx.Create(batch).Error
			if err != nil {
				return tracerr.Wrap(err)
			}
		}
		return nil
	}))
}

// NextIdle atomically claims the next claimable link for a user: highest
// priority first, FIFO among equal priority, skipping links whose next
// eligible run time has not come yet. Returns nil when nothing is claimable.
func (store *Store) NextIdle(userId string) (*FileLink, error) {
	var claimed *FileLink
	now := time.Now().Unix()
	err := store.db.Transaction(func(tx *gorm.DB) error {
		var link FileLink
		err := tx.
			Where("user_id = ? AND in_flight = ? AND state IN ? AND next_run_timestamp <= ?", userId, false, idleStates, now).
			Order("priority DESC, seq ASC").
			First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return tracerr.Wrap(err)
		}
		err = tx.Model(&FileLink{}).Where("seq = ?", link.Seq).Update("in_flight", true).Error
		if err != nil {
			return tracerr.Wrap(err)
		}
		link.InFlight = true
		claimed = &link
		return nil
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return claimed, nil
}

// UpdateState moves a claimed link to a new lifecycle state. Terminal states
// also clear the in-flight marker.
func (store *Store) UpdateState(id string, state UploadState) error {
	updates := map[string]any{"state": state}
	if state.IsTerminal() {
		updates["in_flight"] = false
	}
	link, err := store.getLink(id)
	if err != nil {
		return tracerr.Wrap(err)
	}
	// terminal states are final: a worker's phase transition racing a
	// concurrent cancel or failure must not resurrect the link
	err = store.db.Model(&FileLink{}).
		Where("id = ? AND state NOT IN ?", id, terminalStates).
		Updates(updates).Error
	if err != nil {
		return tracerr.Wrap(err)
	}
	store.logger.Debug().Str("link", id).Stringer("state", state).Msg("state updated")
	store.notifyCountChange(link.UserId)
	return nil
}

// Release puts a claimed link back without changing its state, for
// cooperative cancellation of the worker rather than of the item.
func (store *Store) Release(id string) error {
	return tracerr.Wrap(store.db.Model(&FileLink{}).Where("id = ?", id).Update("in_flight", false).Error)
}

// MarkFailed records a failed attempt and schedules the next one. Once the
// retry counter exceeds the store's ceiling the link transitions to the
// terminal failed state instead; the returned flag tells the caller to report
// the failure upward rather than wait for a retry.
func (store *Store) MarkFailed(id string, nextRunAt time.Time) (terminal bool, err error) {
	link, err := store.getLink(id)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	retries := link.NumberOfRetries + 1
	updates := map[string]any{
		"number_of_retries":  retries,
		"next_run_timestamp": nextRunAt.Unix(),
		"in_flight":          false,
	}
	if retries > store.retryCeiling {
		terminal = true
		updates["state"] = UploadStateFailed
	}
	err = store.db.Model(&FileLink{}).
		Where("id = ? AND state NOT IN ?", id, terminalStates).
		Updates(updates).Error
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	store.logger.Debug().Str("link", id).Int("retries", retries).Bool("terminal", terminal).Msg("marked failed")
	store.notifyCountChange(link.UserId)
	return terminal, nil
}

// ResetAndIncreaseRetries re-queues a link after a transient condition,
// resetting it to the given state. The retry counter still increases so total
// retries stay bounded; past the ceiling the link fails terminally like in
// MarkFailed.
func (store *Store) ResetAndIncreaseRetries(id string, state UploadState) (terminal bool, err error) {
	link, err := store.getLink(id)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	retries := link.NumberOfRetries + 1
	updates := map[string]any{
		"number_of_retries": retries,
		"state":             state,
		"in_flight":         false,
	}
	if retries > store.retryCeiling {
		terminal = true
		updates["state"] = UploadStateFailed
	}
	err = store.db.Model(&FileLink{}).
		Where("id = ? AND state NOT IN ?", id, terminalStates).
		Updates(updates).Error
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	store.notifyCountChange(link.UserId)
	return terminal, nil
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

// SetKeys stores the generated key material of a link.
func (store *Store) SetKeys(id string, nodeKey []byte, contentKeyPacket []byte) error {
	return tracerr.Wrap(store.db.Model(&FileLink{}).Where("id = ?", id).Updates(map[string]any{
		"node_key":           nodeKey,
		"content_key_packet": contentKeyPacket,
	}).Error)
}

// SetManifestSignature stores the manifest signature computed at commit time.
func (store *Store) SetManifestSignature(id string, signature []byte) error {
	return tracerr.Wrap(store.db.Model(&FileLink{}).Where("id = ?", id).Update("manifest_signature", signature).Error)
}

// SetRevisionId stores the draft revision id assigned by the server.
func (store *Store) SetRevisionId(id string, revisionId string) error {
	return tracerr.Wrap(store.db.Model(&FileLink{}).Where("id = ?", id).Update("revision_id", revisionId).Error)
}

// GetBlocks returns a link's blocks in index order.
func (store *Store) GetBlocks(linkId string) ([]*Block, error) {
	var blocks []*Block
	err := store.db.Where("file_link_id = ?", linkId).Order("block_index ASC").Find(&blocks).Error
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return blocks, nil
}

// MarkBlockUploaded records a block's successful transfer.
func (store *Store) MarkBlockUploaded(seq int64) error {
	result := store.db.Model(&Block{}).Where("seq = ?", seq).Update("uploaded", true)
	if result.Error != nil {
		return tracerr.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return tracerr.Wrap(ErrorBlockNotFound.AddDetails(fmt.Sprintf("%d", seq)))
	}
	return nil
}

// SetBlockVerifierToken stores the verifier token attached at commit time.
func (store *Store) SetBlockVerifierToken(seq int64, token []byte) error {
	return tracerr.Wrap(store.db.Model(&Block{}).Where("seq = ?", seq).Update("verifier_token", token).Error)
}

// Delete removes a link and all its blocks, once a terminal state no longer
// needs to survive for recovery.
func (store *Store) Delete(id string) error {
	link, err := store.getLink(id)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = store.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_link_id = ?", id).Delete(&Block{}).Error; err != nil {
			return tracerr.Wrap(err)
		}
		return tracerr.Wrap(tx.Where("id = ?", id).Delete(&FileLink{}).Error)
	})
	if err != nil {
		return tracerr.Wrap(err)
	}
	store.notifyCountChange(link.UserId)
	return nil
}

// Count returns the number of a user's links, optionally restricted to given
// states.
func (store *Store) Count(userId string, states ...UploadState) (int64, error) {
	query := store.db.Model(&FileLink{}).Where("user_id = ?", userId)
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	var count int64
	err := query.Count(&count).Error
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return count, nil
}

// SubscribeCount registers a callback invoked with the user's fresh total
// link count after every mutation, so callers track progress without polling.
// The returned function unsubscribes.
func (store *Store) SubscribeCount(userId string, callback func(int64)) func() {
	store.subscribersMutex.Lock()
	defer store.subscribersMutex.Unlock()
	id := store.nextSubscriberId
	store.nextSubscriberId++
	store.subscribers[id] = &countSubscriber{userId: userId, callback: callback}
	return func() {
		store.subscribersMutex.Lock()
		defer store.subscribersMutex.Unlock()
		delete(store.subscribers, id)
	}
}

func (store *Store) notifyCountChange(userId string) {
	store.subscribersMutex.Lock()
	var callbacks []func(int64)
	for _, subscriber := range store.subscribers {
		if subscriber.userId == userId {
			callbacks = append(callbacks, subscriber.callback)
		}
	}
	store.subscribersMutex.Unlock()
	if len(callbacks) == 0 {
		return
	}
	count, err := store.Count(userId)
	if err != nil {
		store.logger.Warn().Err(err).Msg("could not refresh count for subscribers")
		return
	}
	for _, callback := range callbacks {
		callback(count)
	}
}

// HasChildrenOf reports whether any queued link is scoped under the given
// parent folder, so folder-level operations can wait for pending work.
func (store *Store) HasChildrenOf(userId string, volumeId string, parentId string) (bool, error) {
	var count int64
	err := store.db.Model(&FileLink{}).
		Where("user_id = ? AND volume_id = ? AND parent_id = ? AND state NOT IN ?",
			userId, volumeId, parentId,
			[]UploadState{UploadStateDone, UploadStateFailed, UploadStateCancelled}).
		Count(&count).Error
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	return count > 0, nil
}
