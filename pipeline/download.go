package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/arxdrive/go-arxdrive-sdk/chunker"
	"github.com/arxdrive/go-arxdrive-sdk/contentkey"
	"github.com/arxdrive/go-arxdrive-sdk/downloadstore"
	"github.com/arxdrive/go-arxdrive-sdk/keywrap"
	"github.com/arxdrive/go-arxdrive-sdk/manifest"
	"github.com/arxdrive/go-arxdrive-sdk/transfer"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorDownloadNoDestination is returned when a download link has no destination path
	ErrorDownloadNoDestination = utils.NewArxError("PIPELINE_DOWNLOAD_NO_DESTINATION", "download link has no destination path")
)

// ProcessNextDownload claims and runs one download for a user. It returns
// false when nothing is claimable. Failures are absorbed into the link's
// retry bookkeeping and reported through events.
func (state *State) ProcessNextDownload(ctx context.Context, userId string) (bool, error) {
	if state.closed {
		return false, tracerr.Wrap(ErrorClosed)
	}
	link, err := state.downloads.GetNextIdleAndUpdate(userId, downloadstore.DownloadStateDownloading)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	if link == nil {
		return false, nil
	}
	logger := state.logger.With().Str("component", "download").Str("link", link.Id).Logger()
	state.emit(Event{Kind: EventStarted, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId})

	runErr := state.runDownload(ctx, link)
	if runErr == nil {
		err = state.downloads.UpdateState(link.Id, downloadstore.DownloadStateDownloaded)
		if err != nil {
			return true, tracerr.Wrap(err)
		}
		logger.Info().Msg("download done")
		state.emit(Event{Kind: EventCompleted, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId})
		return true, nil
	}

	// a cancelled worker puts the link back to idle; partial block files stay
	// for the next attempt to resume from
	if errors.Is(runErr, context.Canceled) {
		logger.Debug().Msg("download interrupted, back to idle")
		return true, tracerr.Wrap(state.downloads.UpdateState(link.Id, downloadstore.DownloadStateIdle))
	}

	if transfer.IsRetryable(runErr) {
		terminal, err := state.downloads.MarkFailed(link.Id, time.Now().Add(retryDelay(link.NumberOfRetries)))
		if err != nil {
			return true, tracerr.Wrap(err)
		}
		if terminal {
			logger.Warn().Err(runErr).Msg("download failed terminally, retry ceiling reached")
			state.emit(Event{Kind: EventFailed, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId, Reason: utils.ToSerializableError(runErr)})
		} else {
			logger.Debug().Err(runErr).Msg("download failed, will retry")
		}
		return true, nil
	}

	// integrity and crypto failures are terminal: retrying cannot fix a
	// tampered or corrupted payload
	logger.Warn().Err(runErr).Msg("download failed terminally")
	err = state.downloads.UpdateState(link.Id, downloadstore.DownloadStateError)
	if err != nil {
		return true, tracerr.Wrap(err)
	}
	state.emit(Event{Kind: EventFailed, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId, Reason: utils.ToSerializableError(runErr)})
	return true, nil
}

// fetchManifest pages through the revision's block list and returns the
// assembled manifest, its signature and the content key packet.
func (state *State) fetchManifest(ctx context.Context, link *downloadstore.FileLink) (*manifest.Manifest, []byte, []byte, error) {
	revisionManifest := &manifest.Manifest{LinkId: link.FileId, RevisionId: link.RevisionId}
	var signature []byte
	var contentKeyPacket []byte
	fromBlockIndex := 0
	for {
		page, err := state.remote.GetRevision(ctx, link.UserId, link.ShareId, link.FileId, link.RevisionId, fromBlockIndex, state.options.ManifestPageSize)
		if err != nil {
			return nil, nil, nil, tracerr.Wrap(err)
		}
		revisionManifest.Blocks = append(revisionManifest.Blocks, utils.SliceMap(page.Blocks, func(block transfer.BlockInfo) manifest.BlockRef {
			return manifest.BlockRef{
				Index:         block.Index,
				Hash:          block.Hash,
				RawSize:       block.RawSize,
				EncryptedSize: block.EncryptedSize,
			}
		})...)
		if page.ManifestSignature != nil {
			signature = page.ManifestSignature
		}
		if page.ContentKeyPacket != nil {
			contentKeyPacket = page.ContentKeyPacket
		}
		if !page.HasMore {
			break
		}
		fromBlockIndex = len(revisionManifest.Blocks)
	}
	return revisionManifest, signature, contentKeyPacket, nil
}

// runDownload fetches the manifest, downloads every missing block, and
// assembles and verifies the destination file.
func (state *State) runDownload(ctx context.Context, link *downloadstore.FileLink) error {
	if link.DestinationPath == "" {
		return tracerr.Wrap(ErrorDownloadNoDestination)
	}
	if link.BlockDir == "" {
		link.BlockDir = state.stagingDir(link.UserId, link.Id)
		err := state.downloads.SetBlockDir(link.Id, link.BlockDir)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	err := os.MkdirAll(link.BlockDir, 0o700)
	if err != nil {
		return tracerr.Wrap(err)
	}

	revisionManifest, signature, contentKeyPacket, err := state.fetchManifest(ctx, link)
	if err != nil {
		return tracerr.Wrap(err)
	}
	manifestBlob, err := revisionManifest.ToBson()
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = state.downloads.SetManifest(link.Id, manifestBlob, signature)
	if err != nil {
		return tracerr.Wrap(err)
	}

	privateKeys, err := state.nodeKeys.PrivateKeys(link.UserId, link.FileId)
	if err != nil {
		return tracerr.Wrap(err)
	}
	sessionKey, err := keywrap.Unwrap(contentKeyPacket, privateKeys...)
	if err != nil {
		return tracerr.Wrap(err)
	}
	contentKey, err := contentkey.FromSessionKey(sessionKey)
	if err != nil {
		return tracerr.Wrap(err)
	}

	// fetch the revision page again only for the pre-signed URLs we already
	// have; blocks present from an earlier attempt are not re-downloaded
	page, err := state.remote.GetRevision(ctx, link.UserId, link.ShareId, link.FileId, link.RevisionId, 0, utils.Max(len(revisionManifest.Blocks), 1))
	if err != nil {
		return tracerr.Wrap(err)
	}
	urls := map[int]string{}
	for _, block := range page.Blocks {
		urls[block.Index] = block.DestinationUrl
	}

	var transferred int64
	for _, block := range revisionManifest.Blocks {
		if err := ctx.Err(); err != nil {
			return tracerr.Wrap(err)
		}
		localFile := filepath.Join(link.BlockDir, chunker.BlockFileName(block.Index))
		if info, statErr := os.Stat(localFile); statErr == nil && info.Size() == block.EncryptedSize {
			transferred += block.EncryptedSize
			continue
		}
		base := transferred
		var previous int64
		sink := func(cumulative int64) {
			delta := cumulative - previous
			previous = cumulative
			transferred = base + cumulative
			state.speed.Add(delta)
			state.emit(Event{
				Kind:             EventProgress,
				UserId:           link.UserId,
				LinkId:           link.Id,
				RevisionId:       link.RevisionId,
				TransferredBytes: transferred,
			})
		}
		state.speed.Resume()
		err = state.remote.DownloadBlock(ctx, link.UserId, urls[block.Index], localFile, state.options.BlockTransferTimeout, sink)
		state.speed.Pause()
		if err != nil {
			return tracerr.Wrap(err)
		}
	}

	verifyingKeys, err := state.nodeKeys.VerifyingKeys(link.UserId, link.FileId)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(downloadstore.Assemble(revisionManifest, signature, link.BlockDir, contentKey, link.DestinationPath, verifyingKeys...))
}

// RunDownloadWorker drains a user's download queue until the context is
// cancelled, sleeping idleDelay between polls when the queue is empty.
func (state *State) RunDownloadWorker(ctx context.Context, userId string, idleDelay time.Duration) error {
	for {
		processed, err := state.ProcessNextDownload(ctx, userId)
		if err != nil {
			return tracerr.Wrap(err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idleDelay):
		}
	}
}
