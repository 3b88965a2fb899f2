// Package pipeline wires the transfer components into upload and download
// workers: durable claim from the state stores, key generation and wrapping,
// chunking, block transfer with verification, reassembly, and lifecycle
// events toward the embedding application.
package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/allan-simon/go-singleinstance"
	"github.com/arxdrive/go-arxdrive-sdk/downloadstore"
	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/speedtracker"
	"github.com/arxdrive/go-arxdrive-sdk/transfer"
	"github.com/arxdrive/go-arxdrive-sdk/uploadstore"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorWorkDirRequired is returned when the WorkDir option is missing
	ErrorWorkDirRequired = utils.NewArxError("PIPELINE_WORKDIR_REQUIRED", "WorkDir argument is required")
	// ErrorRemoteApiRequired is returned when the RemoteApi option is missing
	ErrorRemoteApiRequired = utils.NewArxError("PIPELINE_REMOTE_API_REQUIRED", "RemoteApi argument is required")
	// ErrorNodeKeysRequired is returned when the NodeKeys option is missing
	ErrorNodeKeysRequired = utils.NewArxError("PIPELINE_NODE_KEYS_REQUIRED", "NodeKeys argument is required")
	// ErrorInvalidKeySize is returned when the KeySize option is invalid. Valid values are 1024, 2048 and 4096.
	ErrorInvalidKeySize = utils.NewArxError("PIPELINE_INVALID_KEY_SIZE", "the KeySize is invalid")
	// ErrorWorkDirLocked is returned when another process already owns the working directory
	ErrorWorkDirLocked = utils.NewArxError("PIPELINE_WORKDIR_LOCKED", "working directory is locked by another instance")
	// ErrorClosed is returned when this pipeline instance has already been closed
	ErrorClosed = utils.NewArxError("PIPELINE_CLOSED", "this pipeline instance has already been closed")
)

// RemoteApi is the server surface the workers consume. *transfer.ApiClient
// implements it; tests substitute fakes.
type RemoteApi interface {
	CreateFile(ctx context.Context, userId string, request *transfer.CreateFileRequest) (*transfer.CreateFileResponse, error)
	GetRevision(ctx context.Context, userId string, shareId string, linkId string, revisionId string, fromBlockIndex int, pageSize int) (*transfer.RevisionPage, error)
	UpdateRevision(ctx context.Context, userId string, shareId string, linkId string, revisionId string, request *transfer.UpdateRevisionRequest) error
	GetVerificationData(ctx context.Context, key transfer.VerificationKey) (*transfer.VerificationData, error)
	UploadBlock(ctx context.Context, userId string, destinationUrl string, localFile string, timeout time.Duration, progressSink transfer.ProgressSink) error
	DownloadBlock(ctx context.Context, userId string, sourceUrl string, localFile string, timeout time.Duration, progressSink transfer.ProgressSink) error
}

// NodeKeys resolves node ids to key material through the node tree.
type NodeKeys interface {
	// PrivateKeys returns the keys able to decrypt for a node, current first,
	// then older ones and the parent chain.
	PrivateKeys(userId string, nodeId string) ([]*nodekey.PrivateKey, error)
	// VerifyingKeys returns the public keys a node's signatures may verify
	// against.
	VerifyingKeys(userId string, nodeId string) ([]*nodekey.PublicKey, error)
}

// InitializeOptions is the main options object for initializing a pipeline
// instance.
type InitializeOptions struct {
	// WorkDir is the directory owning the state databases, the lock file and
	// the block staging area.
	WorkDir string
	// RemoteApi is the server backend to transfer against.
	RemoteApi RemoteApi
	// NodeKeys resolves node key material.
	NodeKeys NodeKeys
	// Subscriber receives lifecycle events. Defaults to a no-op.
	Subscriber Subscriber
	// KeySize is the asymmetric key size for newly generated node keys. Defaults to 2048.
	KeySize int
	// BlockMaxSize bounds the plaintext bytes per block. Defaults to 4 MiB.
	BlockMaxSize int64
	// RetryCeiling bounds retries per item before terminal failure. Defaults to 3.
	RetryCeiling int
	// BlockTransferTimeout bounds one block's network transfer. Defaults to 2 minutes.
	BlockTransferTimeout time.Duration
	// ManifestPageSize is the page size for fetching revision manifests. Defaults to 50.
	ManifestPageSize int
	// SpeedWindowPeriod is the throughput aggregation window. Defaults to 1 minute.
	SpeedWindowPeriod time.Duration
	// SpeedAccumulationCap discards windows with more active transfer time than this. Defaults to SpeedWindowPeriod.
	SpeedAccumulationCap time.Duration
	// SpeedSink receives throughput samples for an external scheduler.
	SpeedSink func(speedtracker.Sample)
	// LogLevel is the minimum level of logs you want. All logs of this level or above will be displayed.
	LogLevel zerolog.Level
	// LogNoColor should be set to true if you want to disable colors in the log output.
	LogNoColor bool
	// InstanceName is an arbitrary name to give to this instance, added to logs.
	InstanceName string
	// LogWriter is the io.Writer to which to write the logs. Defaults to os.Stdout.
	LogWriter io.Writer
}

// State is the object representing an instance of the pipeline.
// You must never create a State yourself. Instead, always use Initialize.
type State struct {
	options      *InitializeOptions
	logger       zerolog.Logger
	workDirLock  *os.File
	uploads      *uploadstore.Store
	downloads    *downloadstore.Store
	speed        *speedtracker.Tracker
	verification *transfer.VerificationCache
	remote       RemoteApi
	nodeKeys     NodeKeys
	subscriber   Subscriber
	closed       bool
}

func validateOptions(options InitializeOptions) error {
	if options.WorkDir == "" {
		return tracerr.Wrap(ErrorWorkDirRequired)
	}
	if options.RemoteApi == nil {
		return tracerr.Wrap(ErrorRemoteApiRequired)
	}
	if options.NodeKeys == nil {
		return tracerr.Wrap(ErrorNodeKeysRequired)
	}
	if !utils.SliceIncludes([]int{1024, 2048, 4096}, options.KeySize) {
		return tracerr.Wrap(ErrorInvalidKeySize)
	}
	return nil
}

// Initialize creates a pipeline instance: it locks the working directory,
// opens the state stores and starts a fresh speed tracker window.
func Initialize(options *InitializeOptions) (*State, error) {
	if options.KeySize == 0 {
		options.KeySize = 2048
	}
	if options.BlockMaxSize == 0 {
		options.BlockMaxSize = 4 << 20
	}
	if options.RetryCeiling == 0 {
		options.RetryCeiling = 3
	}
	if options.BlockTransferTimeout == 0 {
		options.BlockTransferTimeout = 2 * time.Minute
	}
	if options.ManifestPageSize == 0 {
		options.ManifestPageSize = 50
	}
	if options.SpeedWindowPeriod == 0 {
		options.SpeedWindowPeriod = time.Minute
	}
	if options.SpeedAccumulationCap == 0 {
		options.SpeedAccumulationCap = options.SpeedWindowPeriod
	}
	if options.Subscriber == nil {
		options.Subscriber = nopSubscriber{}
	}
	err := validateOptions(*options)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	if options.LogWriter == nil {
		options.LogWriter = os.Stdout
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	instanceLogger := zerolog.New(zerolog.ConsoleWriter{Out: options.LogWriter, TimeFormat: time.StampMilli, NoColor: options.LogNoColor}).With().Timestamp().Logger()
	instanceLogger = instanceLogger.Level(options.LogLevel)
	if options.InstanceName != "" {
		instanceLogger = instanceLogger.With().Str("instance", options.InstanceName).Logger()
	}

	instanceLogger.Debug().Msg("Initialize new instance...")

	err = os.MkdirAll(options.WorkDir, 0o700)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	lockPath := filepath.Join(options.WorkDir, "lock")
	workDirLock, err := singleinstance.CreateLockFile(lockPath)
	if err != nil {
		if (runtime.GOOS == "windows" && err.Error() == "remove "+lockPath+": The process cannot access the file because it is being used by another process.") ||
			err.Error() == "resource temporarily unavailable" {
			return nil, tracerr.Wrap(ErrorWorkDirLocked)
		} else {
			return nil, tracerr.Wrap(err)
		}
	}

	uploads, err := uploadstore.Open(filepath.Join(options.WorkDir, "uploads.sqlite"), options.RetryCeiling, instanceLogger)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	downloads, err := downloadstore.Open(filepath.Join(options.WorkDir, "downloads.sqlite"), options.RetryCeiling, instanceLogger)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	speedSink := options.SpeedSink
	if speedSink == nil {
		speedSink = func(speedtracker.Sample) {}
	}
	speed, err := speedtracker.New(speedtracker.Options{
		WindowPeriod:    options.SpeedWindowPeriod,
		AccumulationCap: options.SpeedAccumulationCap,
		Emit:            speedSink,
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state := &State{
		options:      options,
		logger:       instanceLogger,
		workDirLock:  workDirLock,
		uploads:      uploads,
		downloads:    downloads,
		speed:        speed,
		verification: transfer.NewVerificationCache(options.RemoteApi.GetVerificationData),
		remote:       options.RemoteApi,
		nodeKeys:     options.NodeKeys,
		subscriber:   options.Subscriber,
	}
	return state, nil
}

// Uploads exposes the upload state store for queueing and progress queries.
func (state *State) Uploads() *uploadstore.Store {
	return state.uploads
}

// Downloads exposes the download state store.
func (state *State) Downloads() *downloadstore.Store {
	return state.downloads
}

// Close releases the working directory lock and closes the state stores.
func (state *State) Close() error {
	if state.closed {
		return tracerr.Wrap(ErrorClosed)
	}
	state.closed = true
	err := state.uploads.Close()
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = state.downloads.Close()
	if err != nil {
		return tracerr.Wrap(err)
	}
	lockPath := state.workDirLock.Name()
	err = state.workDirLock.Close()
	if err != nil {
		return tracerr.Wrap(err)
	}
	_ = os.Remove(lockPath)
	state.logger.Debug().Msg("instance closed")
	return nil
}

// stagingDir is the temporary block directory for one file link, exclusively
// owned by the chunker/transfer pair for the link's lifetime.
func (state *State) stagingDir(userId string, linkId string) string {
	return filepath.Join(state.options.WorkDir, "staging", userId, linkId)
}

func (state *State) emit(event Event) {
	state.subscriber.OnTransferEvent(event)
}
