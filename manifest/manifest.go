// Package manifest models the ordered block list of one file revision and its
// detached signature. The signature covers the canonical JSON serialization of
// the block list, so it is stable across field ordering and encoder choices.
package manifest

import (
	"fmt"

	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrorNonContiguousIndices is returned when block indices are not contiguous from 0
	ErrorNonContiguousIndices = utils.NewArxError("MANIFEST_NON_CONTIGUOUS_INDICES", "block indices must be contiguous starting at 0")
	// ErrorEmpty is returned when a manifest has no blocks
	ErrorEmpty = utils.NewArxError("MANIFEST_EMPTY", "a manifest must reference at least one block")
	// ErrorSignatureMismatch is returned when the detached signature does not verify under any given key
	ErrorSignatureMismatch = utils.NewArxError("MANIFEST_SIGNATURE_MISMATCH", "manifest signature does not match any verifying key")
	// ErrorNoVerifyingKeys is returned when verifying without any public key
	ErrorNoVerifyingKeys = utils.NewArxError("MANIFEST_NO_VERIFYING_KEYS", "no verifying keys given")
)

// BlockRef is one block entry of a revision manifest.
type BlockRef struct {
	Index         int    `json:"index" bson:"index"`
	Hash          []byte `json:"hash" bson:"hash"`
	RawSize       int64  `json:"rawSize" bson:"rawSize"`
	EncryptedSize int64  `json:"encryptedSize" bson:"encryptedSize"`
}

// Manifest is the ordered block list of one revision.
type Manifest struct {
	LinkId     string     `json:"linkId" bson:"linkId"`
	RevisionId string     `json:"revisionId" bson:"revisionId"`
	Blocks     []BlockRef `json:"blocks" bson:"blocks"`
}

func (manifest *Manifest) check() error {
	if len(manifest.Blocks) == 0 {
		return tracerr.Wrap(ErrorEmpty)
	}
	for i, block := range manifest.Blocks {
		if block.Index != i {
			return tracerr.Wrap(ErrorNonContiguousIndices.AddDetails(fmt.Sprintf("index %d at position %d", block.Index, i)))
		}
	}
	return nil
}

// CanonicalBytes serializes the manifest to canonical JSON, the exact bytes
// the detached signature covers.
func (manifest *Manifest) CanonicalBytes() ([]byte, error) {
	err := manifest.check()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	serialized, err := canonicaljson.Marshal(manifest)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return serialized, nil
}

// Sign produces the detached signature over the manifest's canonical bytes.
func (manifest *Manifest) Sign(signingKey *nodekey.PrivateKey) ([]byte, error) {
	serialized, err := manifest.CanonicalBytes()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	signature, err := signingKey.Sign(serialized)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return signature, nil
}

// Verify checks a detached signature against the manifest, trying each
// verifying key in order. At least one key must validate before the manifest
// is trusted.
func (manifest *Manifest) Verify(signature []byte, verifyingKeys ...*nodekey.PublicKey) error {
	if len(verifyingKeys) == 0 {
		return tracerr.Wrap(ErrorNoVerifyingKeys)
	}
	serialized, err := manifest.CanonicalBytes()
	if err != nil {
		return tracerr.Wrap(err)
	}
	for _, key := range verifyingKeys {
		if key.Verify(serialized, signature) == nil {
			return nil
		}
	}
	return tracerr.Wrap(ErrorSignatureMismatch)
}

// ToBson serializes the manifest for persistence alongside its link row.
func (manifest *Manifest) ToBson() ([]byte, error) {
	serialized, err := bson.Marshal(manifest)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return serialized, nil
}

// FromBson deserializes a persisted manifest blob.
func FromBson(data []byte) (*Manifest, error) {
	var manifest Manifest
	err := bson.Unmarshal(data, &manifest)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := manifest.check(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &manifest, nil
}
