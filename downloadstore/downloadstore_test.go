package downloadstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arxdrive/go-arxdrive-sdk/chunker"
	"github.com/arxdrive/go-arxdrive-sdk/manifest"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, retryCeiling int) *Store {
	store, err := Open(filepath.Join(t.TempDir(), "download.sqlite"), retryCeiling, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestLink(userId string, priority int) *FileLink {
	return &FileLink{
		Id:         uuid.NewString(),
		UserId:     userId,
		ShareId:    "share-1",
		FileId:     uuid.NewString(),
		RevisionId: uuid.NewString(),
		ParentId:   "parent-1",
		MimeType:   "application/octet-stream",
		Priority:   priority,
		Retryable:  true,
	}
}

// writeFakeBlocks stages fake block files and returns a matching manifest blob.
func writeFakeBlocks(t *testing.T, dir string, count int) []byte {
	revisionManifest := &manifest.Manifest{LinkId: "l", RevisionId: "r"}
	for i := 0; i < count; i++ {
		path := filepath.Join(dir, chunker.BlockFileName(i))
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o600))
		revisionManifest.Blocks = append(revisionManifest.Blocks, manifest.BlockRef{Index: i, Hash: []byte{byte(i)}, RawSize: 1})
	}
	blob, err := revisionManifest.ToBson()
	require.NoError(t, err)
	return blob
}

func TestDownloadStore(t *testing.T) {
	t.Parallel()

	t.Run("Open rejects invalid retry ceiling", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "download.sqlite"), 0, zerolog.Nop())
		assert.ErrorIs(t, err, ErrorInvalidRetryCeiling)
	})

	t.Run("Enqueue generates an id when missing", func(t *testing.T) {
		store := newTestStore(t, 3)
		link := newTestLink("user-1", 0)
		link.Id = ""
		require.NoError(t, store.Enqueue(link))
		assert.NotEmpty(t, link.Id)
	})

	t.Run("GetNextIdleAndUpdate", func(t *testing.T) {
		t.Run("claims by priority desc then FIFO", func(t *testing.T) {
			store := newTestStore(t, 3)
			var ids []string
			for _, priority := range []int{5, 1, 5, 3} {
				link := newTestLink("user-1", priority)
				require.NoError(t, store.Enqueue(link))
				ids = append(ids, link.Id)
			}

			var claimOrder []string
			for {
				link, err := store.GetNextIdleAndUpdate("user-1", DownloadStateDownloading)
				require.NoError(t, err)
				if link == nil {
					break
				}
				assert.Equal(t, DownloadStateDownloading, link.State)
				claimOrder = append(claimOrder, link.Id)
			}
			assert.Equal(t, []string{ids[0], ids[2], ids[3], ids[1]}, claimOrder)
		})

		t.Run("at-most-one claim under concurrency", func(t *testing.T) {
			store := newTestStore(t, 3)
			const pending = 8
			for i := 0; i < pending; i++ {
				require.NoError(t, store.Enqueue(newTestLink("user-1", 0)))
			}

			const workers = 16
			claims := make(chan string, workers*pending)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						link, err := store.GetNextIdleAndUpdate("user-1", DownloadStateDownloading)
						assert.NoError(t, err)
						if link == nil {
							return
						}
						claims <- link.Id
					}
				}()
			}
			wg.Wait()
			close(claims)

			seen := map[string]bool{}
			for id := range claims {
				assert.False(t, seen[id], "link %s claimed twice", id)
				seen[id] = true
			}
			assert.Len(t, seen, pending)
		})
	})

	t.Run("downloading rows go back to idle on reopen", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "download.sqlite")
		store, err := Open(dsn, 3, zerolog.Nop())
		require.NoError(t, err)
		link := newTestLink("user-1", 0)
		require.NoError(t, store.Enqueue(link))
		claimed, err := store.GetNextIdleAndUpdate("user-1", DownloadStateDownloading)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, store.Close())

		reopened, err := Open(dsn, 3, zerolog.Nop())
		require.NoError(t, err)
		defer func() { _ = reopened.Close() }()
		stored, err := reopened.GetFileLink(link.Id)
		require.NoError(t, err)
		assert.Equal(t, DownloadStateIdle, stored.State)
	})

	t.Run("MarkFailed", func(t *testing.T) {
		t.Run("retry ceiling of 3 turns the 4th failure terminal", func(t *testing.T) {
			store := newTestStore(t, 3)
			link := newTestLink("user-1", 0)
			require.NoError(t, store.Enqueue(link))

			for attempt := 1; attempt <= 3; attempt++ {
				claimed, err := store.GetNextIdleAndUpdate("user-1", DownloadStateDownloading)
				require.NoError(t, err)
				require.NotNil(t, claimed, "attempt %d", attempt)
				terminal, err := store.MarkFailed(link.Id, time.Now().Add(-time.Second))
				require.NoError(t, err)
				assert.False(t, terminal, "attempt %d", attempt)
			}

			claimed, err := store.GetNextIdleAndUpdate("user-1", DownloadStateDownloading)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			terminal, err := store.MarkFailed(link.Id, time.Now().Add(-time.Second))
			require.NoError(t, err)
			assert.True(t, terminal)

			stored, err := store.GetFileLink(link.Id)
			require.NoError(t, err)
			assert.Equal(t, DownloadStateError, stored.State)
		})

		t.Run("non-retryable links fail terminally at once", func(t *testing.T) {
			store := newTestStore(t, 3)
			link := newTestLink("user-1", 0)
			link.Retryable = false
			require.NoError(t, store.Enqueue(link))
			_, err := store.GetNextIdleAndUpdate("user-1", DownloadStateDownloading)
			require.NoError(t, err)
			terminal, err := store.MarkFailed(link.Id, time.Now())
			require.NoError(t, err)
			assert.True(t, terminal)
		})
	})

	t.Run("InsertOrUpdateDownloadState", func(t *testing.T) {
		store := newTestStore(t, 3)
		link := newTestLink("user-1", 0)
		require.NoError(t, store.InsertOrUpdateDownloadState(link, DownloadStateDownloading))
		stored, err := store.GetFileLink(link.Id)
		require.NoError(t, err)
		assert.Equal(t, DownloadStateDownloading, stored.State)

		// same revision updates in place
		link.Priority = 7
		require.NoError(t, store.InsertOrUpdateDownloadState(link, DownloadStateDownloaded))
		stored, err = store.GetFileLink(link.Id)
		require.NoError(t, err)
		assert.Equal(t, DownloadStateDownloaded, stored.State)
		assert.Equal(t, 7, stored.Priority)

		// a newer revision of the same file supersedes the old row
		newer := newTestLink("user-1", 0)
		newer.FileId = link.FileId
		require.NoError(t, store.InsertOrUpdateDownloadState(newer, DownloadStateIdle))
		_, err = store.GetFileLink(link.Id)
		assert.ErrorIs(t, err, ErrorLinkNotFound)

		require.NoError(t, store.RemoveDownloadState(newer.Id))
		assert.ErrorIs(t, store.RemoveDownloadState(newer.Id), ErrorLinkNotFound)
	})

	t.Run("IsDownloaded revalidates local storage", func(t *testing.T) {
		store := newTestStore(t, 3)
		blockDir := t.TempDir()
		link := newTestLink("user-1", 0)
		link.BlockDir = blockDir
		require.NoError(t, store.Enqueue(link))
		require.NoError(t, store.SetManifest(link.Id, writeFakeBlocks(t, blockDir, 2), nil))

		downloaded, err := store.IsDownloaded(link.Id)
		require.NoError(t, err)
		assert.False(t, downloaded) // still idle

		require.NoError(t, store.UpdateState(link.Id, DownloadStateDownloaded))
		downloaded, err = store.IsDownloaded(link.Id)
		require.NoError(t, err)
		assert.True(t, downloaded)

		// delete a block file behind the store's back
		require.NoError(t, os.Remove(filepath.Join(blockDir, chunker.BlockFileName(1))))
		downloaded, err = store.IsDownloaded(link.Id)
		require.NoError(t, err)
		assert.False(t, downloaded)

		stored, err := store.GetFileLink(link.Id)
		require.NoError(t, err)
		assert.Equal(t, DownloadStateIdle, stored.State)
	})

	t.Run("AreAllFilesDownloaded", func(t *testing.T) {
		store := newTestStore(t, 3)

		makeDownloaded := func(mimeType string) *FileLink {
			blockDir := t.TempDir()
			link := newTestLink("user-1", 0)
			link.MimeType = mimeType
			link.BlockDir = blockDir
			require.NoError(t, store.Enqueue(link))
			require.NoError(t, store.SetManifest(link.Id, writeFakeBlocks(t, blockDir, 1), nil))
			require.NoError(t, store.UpdateState(link.Id, DownloadStateDownloaded))
			return link
		}

		makeDownloaded("application/octet-stream")
		pendingLink := makeDownloaded("video/mp4")
		require.NoError(t, store.UpdateState(pendingLink.Id, DownloadStateIdle))

		all, err := store.AreAllFilesDownloaded("user-1", "parent-1", nil)
		require.NoError(t, err)
		assert.False(t, all)

		// excluded mime types count as vacuously downloaded
		all, err = store.AreAllFilesDownloaded("user-1", "parent-1", []string{"video/mp4"})
		require.NoError(t, err)
		assert.True(t, all)

		// an empty folder is vacuously downloaded
		all, err = store.AreAllFilesDownloaded("user-1", "empty-parent", nil)
		require.NoError(t, err)
		assert.True(t, all)
	})
}
