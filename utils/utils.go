package utils

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/ztrue/tracerr"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/unicode/norm"
)

func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return b, nil
}

// Set implements three methods: Add, Remove & Has.
// It needs to be defined with a comparable generic type such as int or string.
// The len operator can be used on Set.
type Set[T comparable] map[T]struct{}

// Add adds the given element to the Set.
func (s Set[T]) Add(element T) {
	s[element] = struct{}{}
}

// Remove removes given element from Set. If element is not in Set, Remove is a no-op.
func (s Set[T]) Remove(element T) {
	delete(s, element)
}

// Has checks if element is in Set, and returns true or false.
func (s Set[T]) Has(element T) bool {
	_, ok := s[element]
	return ok
}

func SliceMap[T interface{}, U interface{}](s []T, f func(T) U) []U {
	output := make([]U, len(s))
	for i, e := range s {
		output[i] = f(e)
	}
	return output
}

func SliceIncludes[T comparable](s []T, u T) bool {
	for _, e := range s {
		if e == u {
			return true
		}
	}
	return false
}

func ChunkSlice[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize

		// necessary check to avoid slicing beyond
		// slice capacity
		if end > len(slice) {
			end = len(slice)
		}

		chunks = append(chunks, slice[i:end])
	}

	return chunks
}

// NormalizeString applies NFKC normalization, so that passwords typed on
// different platforms derive the same key.
func NormalizeString(s string) []byte {
	return norm.NFKC.Bytes([]byte(s))
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Ternary is a helper function to inline ternary operations
func Ternary[T any](condition bool, valTrue T, valFalse T) T {
	if condition {
		return valTrue
	}
	return valFalse
}

// Base64DecodeString decodes a Base64-encoded string, handling both
// padded and non-padded input.
func Base64DecodeString(s string) ([]byte, error) {
	if strings.Contains(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	} else {
		return base64.RawStdEncoding.DecodeString(s)
	}
}

// MutexGroup is a group of named mutexes. It is used to serialize concurrent
// operations on the same key (for example a get-or-fetch on a cache entry)
// while letting operations on different keys proceed independently.
type MutexGroup struct {
	internalMap     map[string]*sync.Mutex
	internalMapLock sync.RWMutex
	globalLock      sync.Mutex
}

func (group *MutexGroup) getLock(key string, createIfNecessary bool) *sync.Mutex {
	group.internalMapLock.RLock()
	lock := group.internalMap[key]
	group.internalMapLock.RUnlock()
	if lock == nil {
		if !createIfNecessary {
			panic("Trying to unlock a lock which does not exist")
		}
		group.internalMapLock.Lock()
		// maybe another goroutine created it before we acquired the global write lock?
		lock = group.internalMap[key]
		if lock == nil {
			lock = &sync.Mutex{}
			if group.internalMap == nil {
				group.internalMap = make(map[string]*sync.Mutex)
			}
			group.internalMap[key] = lock
		}
		group.internalMapLock.Unlock()
	}
	return lock
}

func (group *MutexGroup) Lock(key string) {
	group.getLock(key, true).Lock()
}

func (group *MutexGroup) Unlock(key string) {
	group.getLock(key, false).Unlock()
}
