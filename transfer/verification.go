package transfer

import (
	"context"
	"sync"

	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
)

// VerificationKey identifies one revision's verification data.
type VerificationKey struct {
	UserId     string
	ShareId    string
	LinkId     string
	RevisionId string
}

func (key VerificationKey) lockId() string {
	return key.UserId + "/" + key.ShareId + "/" + key.LinkId + "/" + key.RevisionId
}

// VerificationData is what the server issues per revision before commit: the
// content key packet and a random verification code the client must prove
// knowledge of per block.
type VerificationData struct {
	ContentKeyPacket []byte
	VerificationCode []byte
}

// VerificationFetcher retrieves verification data from the remote API.
type VerificationFetcher func(ctx context.Context, key VerificationKey) (*VerificationData, error)

// VerificationCache caches verification data per revision, fetching each key
// at most once. Concurrent requesters for the same key block behind one
// in-flight fetch; different keys fetch independently.
type VerificationCache struct {
	fetch      VerificationFetcher
	lockGroup  utils.MutexGroup
	cacheMutex sync.Mutex
	cache      map[VerificationKey]*VerificationData
}

func NewVerificationCache(fetch VerificationFetcher) *VerificationCache {
	return &VerificationCache{
		fetch: fetch,
		cache: map[VerificationKey]*VerificationData{},
	}
}

// Get returns the cached verification data for a key, fetching it on first
// use. A failed fetch caches nothing, so the next caller retries.
func (verificationCache *VerificationCache) Get(ctx context.Context, key VerificationKey) (*VerificationData, error) {
	lockId := key.lockId()
	verificationCache.lockGroup.Lock(lockId)
	defer verificationCache.lockGroup.Unlock(lockId)

	verificationCache.cacheMutex.Lock()
	data := verificationCache.cache[key]
	verificationCache.cacheMutex.Unlock()
	if data != nil {
		return data, nil
	}

	data, err := verificationCache.fetch(ctx, key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	verificationCache.cacheMutex.Lock()
	verificationCache.cache[key] = data
	verificationCache.cacheMutex.Unlock()
	return data, nil
}

// Drop removes a key's cached data, for when the server reports the
// revision's key packet changed. The next Get refetches.
func (verificationCache *VerificationCache) Drop(key VerificationKey) {
	verificationCache.cacheMutex.Lock()
	defer verificationCache.cacheMutex.Unlock()
	delete(verificationCache.cache, key)
}
