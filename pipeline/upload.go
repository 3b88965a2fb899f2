package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/arxdrive/go-arxdrive-sdk/chunker"
	"github.com/arxdrive/go-arxdrive-sdk/contentkey"
	"github.com/arxdrive/go-arxdrive-sdk/keywrap"
	"github.com/arxdrive/go-arxdrive-sdk/manifest"
	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/transfer"
	"github.com/arxdrive/go-arxdrive-sdk/uploadstore"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorUploadNoSource is returned when an upload link has no source file
	ErrorUploadNoSource = utils.NewArxError("PIPELINE_UPLOAD_NO_SOURCE", "upload link has no source file")
	// ErrorUploadBlockCountMismatch is returned when the server reports a different block count than was chunked
	ErrorUploadBlockCountMismatch = utils.NewArxError("PIPELINE_UPLOAD_BLOCK_COUNT_MISMATCH", "server block count does not match chunked blocks")
)

// errStaleKeyPacket is how the server reports that the revision's key packet
// changed under the cached verification data.
var errStaleKeyPacket = utils.APIError{Status: 409, Code: "STALE_KEY_PACKET"}

// retryBackoff is the base delay before a retryable failure becomes claimable
// again; it doubles per recorded retry up to maxRetryBackoff.
const (
	retryBackoff    = 30 * time.Second
	maxRetryBackoff = 5 * time.Minute
)

func retryDelay(recordedRetries int) time.Duration {
	return utils.Min(retryBackoff<<uint(recordedRetries), maxRetryBackoff)
}

// ProcessNextUpload claims and advances one upload for a user. It returns
// false when no upload is claimable. Failures are absorbed into the link's
// retry bookkeeping and reported through events; the returned error only
// covers the store itself breaking.
func (state *State) ProcessNextUpload(ctx context.Context, userId string) (bool, error) {
	if state.closed {
		return false, tracerr.Wrap(ErrorClosed)
	}
	link, err := state.uploads.NextIdle(userId)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	if link == nil {
		return false, nil
	}
	logger := state.logger.With().Str("component", "upload").Str("link", link.Id).Logger()

	if link.State == uploadstore.UploadStateUnprocessed {
		state.emit(Event{Kind: EventStarted, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId})
	}

	finalState, runErr := state.runUploadPhases(ctx, link)
	if runErr == nil {
		if finalState == uploadstore.UploadStateDone {
			logger.Info().Msg("upload done")
			state.emit(Event{Kind: EventCompleted, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId})
		} else {
			// a concurrent cancel or terminal failure won the race; whoever
			// moved the link to that state owns its summarizing event
			logger.Debug().Stringer("state", finalState).Msg("upload superseded by a concurrent terminal transition")
		}
		return true, nil
	}

	// a cancelled worker releases the claim; the link stays consistent and
	// idle for the next worker
	if errors.Is(runErr, context.Canceled) {
		logger.Debug().Msg("upload interrupted, releasing claim")
		return true, tracerr.Wrap(state.uploads.Release(link.Id))
	}

	if errors.Is(runErr, errStaleKeyPacket) {
		state.verification.Drop(transfer.VerificationKey{
			UserId: userId, ShareId: link.ShareId, LinkId: link.LinkId, RevisionId: link.RevisionId,
		})
	}

	if transfer.IsRetryable(runErr) || errors.Is(runErr, errStaleKeyPacket) {
		terminal, err := state.uploads.MarkFailed(link.Id, time.Now().Add(retryDelay(link.NumberOfRetries)))
		if err != nil {
			return true, tracerr.Wrap(err)
		}
		if terminal {
			logger.Warn().Err(runErr).Msg("upload failed terminally, retry ceiling reached")
			state.emit(Event{Kind: EventFailed, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId, Reason: utils.ToSerializableError(runErr)})
		} else {
			logger.Debug().Err(runErr).Msg("upload failed, will retry")
		}
		return true, nil
	}

	// non-retryable: crypto or request errors fail the whole file at once
	logger.Warn().Err(runErr).Msg("upload failed terminally")
	err = state.uploads.UpdateState(link.Id, uploadstore.UploadStateFailed)
	if err != nil {
		return true, tracerr.Wrap(err)
	}
	state.emit(Event{Kind: EventFailed, UserId: userId, LinkId: link.Id, RevisionId: link.RevisionId, Reason: utils.ToSerializableError(runErr)})
	return true, nil
}

// runUploadPhases drives a claimed link through its remaining phases and
// returns the terminal state it observed. The switch is exhaustive over
// UploadState.
func (state *State) runUploadPhases(ctx context.Context, link *uploadstore.FileLink) (uploadstore.UploadState, error) {
	for {
		var err error
		switch link.State {
		case uploadstore.UploadStateUnprocessed:
			err = state.uploadGenerateKeys(link)
		case uploadstore.UploadStateKeysGenerated:
			err = state.uploadPrepareChunks(ctx, link)
		case uploadstore.UploadStateChunksPrepared:
			err = state.uploads.UpdateState(link.Id, uploadstore.UploadStateUploading)
		case uploadstore.UploadStateUploading:
			err = state.uploadBlocks(ctx, link)
		case uploadstore.UploadStateCommitting:
			err = state.uploadCommit(ctx, link)
		case uploadstore.UploadStateDone, uploadstore.UploadStateFailed, uploadstore.UploadStateCancelled:
			return link.State, nil
		}
		if err != nil {
			return link.State, tracerr.Wrap(err)
		}
		if err := ctx.Err(); err != nil {
			return link.State, tracerr.Wrap(err)
		}
		refreshed, err := state.uploads.GetFileLink(link.Id)
		if err != nil {
			return link.State, tracerr.Wrap(err)
		}
		link = refreshed
	}
}

// uploadGenerateKeys creates the file's node key and content key, and wraps
// the content session key under the node key. Only the wrapped packet and the
// encoded node key are persisted, never the session key itself.
func (state *State) uploadGenerateKeys(link *uploadstore.FileLink) error {
	fileNodeKey, err := nodekey.Generate(state.options.KeySize)
	if err != nil {
		return tracerr.Wrap(err)
	}
	contentKey, err := contentkey.Generate()
	if err != nil {
		return tracerr.Wrap(err)
	}
	packet, err := keywrap.Wrap(contentKey.SessionKey(), fileNodeKey.Public())
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = state.uploads.SetKeys(link.Id, fileNodeKey.Encode(), packet)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(state.uploads.UpdateState(link.Id, uploadstore.UploadStateKeysGenerated))
}

// linkKeys decodes a link's persisted key material back into usable keys.
func (state *State) linkKeys(link *uploadstore.FileLink) (*nodekey.PrivateKey, *contentkey.Key, error) {
	fileNodeKey, err := nodekey.PrivateKeyDecode(link.NodeKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	sessionKey, err := keywrap.Unwrap(link.ContentKeyPacket, fileNodeKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	contentKey, err := contentkey.FromSessionKey(sessionKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return fileNodeKey, contentKey, nil
}

// uploadPrepareChunks chunks the source file into the staging directory,
// registers the file with the server and records each block with its
// pre-signed destination.
func (state *State) uploadPrepareChunks(ctx context.Context, link *uploadstore.FileLink) error {
	if link.SourceUri == "" {
		return tracerr.Wrap(ErrorUploadNoSource)
	}
	fileNodeKey, contentKey, err := state.linkKeys(link)
	if err != nil {
		return tracerr.Wrap(err)
	}

	source, err := os.Open(link.SourceUri)
	if err != nil {
		return tracerr.Wrap(err)
	}
	defer func() { _ = source.Close() }()

	result, err := chunker.Chunk(source, contentKey, fileNodeKey, chunker.Options{
		BlockMaxSize: state.options.BlockMaxSize,
		StagingDir:   state.stagingDir(link.UserId, link.Id),
		Logger:       state.logger,
	})
	if err != nil {
		return tracerr.Wrap(err)
	}

	// the node key itself is too large for an asymmetric packet, so it is
	// encrypted under a fresh passphrase and only the passphrase is wrapped
	// under the parent node's key
	parentKeys, err := state.nodeKeys.PrivateKeys(link.UserId, link.ParentId)
	if err != nil {
		result.Cleanup()
		return tracerr.Wrap(err)
	}
	if len(parentKeys) == 0 {
		result.Cleanup()
		return tracerr.Wrap(keywrap.ErrorUnwrapNoKeys)
	}
	passphrase, err := utils.GenerateRandomBytes(32)
	if err != nil {
		result.Cleanup()
		return tracerr.Wrap(err)
	}
	passphraseKey, err := contentkey.FromSessionKey(passphrase)
	if err != nil {
		result.Cleanup()
		return tracerr.Wrap(err)
	}
	nodeKeyPacket, err := passphraseKey.Encrypt(fileNodeKey.Encode())
	if err != nil {
		result.Cleanup()
		return tracerr.Wrap(err)
	}
	passphrasePacket, err := keywrap.Wrap(passphrase, parentKeys[0].Public())
	if err != nil {
		result.Cleanup()
		return tracerr.Wrap(err)
	}

	request := &transfer.CreateFileRequest{
		ShareId:              link.ShareId,
		ParentLinkId:         link.ParentId,
		Name:                 link.Name,
		MimeType:             link.MimeType,
		NodeKeyPacket:        nodeKeyPacket,
		NodePassphrasePacket: passphrasePacket,
		ContentKeyPacket:     link.ContentKeyPacket,
		Blocks: utils.SliceMap(result.Blocks, func(block *chunker.Block) transfer.BlockInfo {
			return transfer.BlockInfo{
				Index:         block.Index,
				Hash:          block.Hash,
				Signature:     block.Signature,
				RawSize:       block.RawSize,
				EncryptedSize: block.EncryptedSize,
			}
		}),
	}
	response, err := state.remote.CreateFile(ctx, link.UserId, request)
	if err != nil {
		result.Cleanup()
		return tracerr.Wrap(err)
	}
	if len(response.Blocks) != len(result.Blocks) {
		result.Cleanup()
		return tracerr.Wrap(ErrorUploadBlockCountMismatch.AddDetails(fmt.Sprintf("%d != %d", len(response.Blocks), len(result.Blocks))))
	}

	storeBlocks := make([]*uploadstore.Block, len(result.Blocks))
	for i, block := range result.Blocks {
		serverBlock := response.Blocks[i]
		storeBlocks[i] = &uploadstore.Block{
			Index:          block.Index,
			DestinationUrl: serverBlock.DestinationUrl,
			Hash:           block.Hash,
			Signature:      block.Signature,
			RawSize:        block.RawSize,
			EncryptedSize:  block.EncryptedSize,
			UploadToken:    serverBlock.UploadToken,
			LocalFile:      block.Path,
		}
	}
	err = state.uploads.EnqueueBlocks(link.Id, storeBlocks)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = state.uploads.SetRevisionId(link.Id, response.RevisionId)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(state.uploads.UpdateState(link.Id, uploadstore.UploadStateChunksPrepared))
}

// uploadBlocks streams every not-yet-uploaded block, reporting progress for
// the whole file and feeding the speed tracker.
func (state *State) uploadBlocks(ctx context.Context, link *uploadstore.FileLink) error {
	blocks, err := state.uploads.GetBlocks(link.Id)
	if err != nil {
		return tracerr.Wrap(err)
	}

	var transferred int64
	for _, block := range blocks {
		if block.Uploaded {
			transferred += block.EncryptedSize
		}
	}

	for _, block := range blocks {
		if block.Uploaded {
			continue
		}
		if err := ctx.Err(); err != nil {
			return tracerr.Wrap(err)
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
		err = state.remote.UploadBlock(ctx, link.UserId, block.DestinationUrl, block.LocalFile, state.options.BlockTransferTimeout, sink)
		state.speed.Pause()
		if err != nil {
			return tracerr.Wrap(err)
		}
		err = state.uploads.MarkBlockUploaded(block.Seq)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	return tracerr.Wrap(state.uploads.UpdateState(link.Id, uploadstore.UploadStateCommitting))
}

// uploadCommit fetches the verification data (once per revision, cached),
// derives a verifier token per block, signs the manifest and commits the
// revision.
func (state *State) uploadCommit(ctx context.Context, link *uploadstore.FileLink) error {
	fileNodeKey, contentKey, err := state.linkKeys(link)
	if err != nil {
		return tracerr.Wrap(err)
	}
	blocks, err := state.uploads.GetBlocks(link.Id)
	if err != nil {
		return tracerr.Wrap(err)
	}

	verificationData, err := state.verification.Get(ctx, transfer.VerificationKey{
		UserId: link.UserId, ShareId: link.ShareId, LinkId: link.LinkId, RevisionId: link.RevisionId,
	})
	if err != nil {
		return tracerr.Wrap(err)
	}

	revisionManifest := &manifest.Manifest{LinkId: link.LinkId, RevisionId: link.RevisionId}
	blockTokens := make([]transfer.BlockToken, len(blocks))
	for i, block := range blocks {
		token := contentKey.VerifierToken(verificationData.VerificationCode, block.Hash)
		err = state.uploads.SetBlockVerifierToken(block.Seq, token)
		if err != nil {
			return tracerr.Wrap(err)
		}
		blockTokens[i] = transfer.BlockToken{Index: block.Index, UploadToken: block.UploadToken, VerifierToken: token}
		revisionManifest.Blocks = append(revisionManifest.Blocks, manifest.BlockRef{
			Index:         block.Index,
			Hash:          block.Hash,
			RawSize:       block.RawSize,
			EncryptedSize: block.EncryptedSize,
		})
	}

	signature, err := revisionManifest.Sign(fileNodeKey)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = state.uploads.SetManifestSignature(link.Id, signature)
	if err != nil {
		return tracerr.Wrap(err)
	}

	err = state.remote.UpdateRevision(ctx, link.UserId, link.ShareId, link.LinkId, link.RevisionId, &transfer.UpdateRevisionRequest{
		ManifestSignature: signature,
		BlockTokens:       blockTokens,
		State:             "active",
	})
	if err != nil {
		return tracerr.Wrap(err)
	}

	_ = os.RemoveAll(state.stagingDir(link.UserId, link.Id))
	return tracerr.Wrap(state.uploads.UpdateState(link.Id, uploadstore.UploadStateDone))
}

// CancelUpload cancels a queued upload and removes its staged block files.
func (state *State) CancelUpload(userId string, linkId string) error {
	err := state.uploads.UpdateState(linkId, uploadstore.UploadStateCancelled)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(os.RemoveAll(state.stagingDir(userId, linkId)))
}

// RunUploadWorker drains a user's upload queue until the context is cancelled,
// sleeping idleDelay between polls when the queue is empty.
func (state *State) RunUploadWorker(ctx context.Context, userId string, idleDelay time.Duration) error {
	for {
		processed, err := state.ProcessNextUpload(ctx, userId)
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
