// Package keywrap wraps and unwraps content session keys under node keys,
// and re-encrypts key packets from one cryptographic domain to another
// (moving or sharing a node between folders/shares with different keys).
//
// The intermediate session key of a re-encryption only ever lives on the
// stack for the duration of the call; it is never persisted or logged.
package keywrap

import (
	"encoding/hex"
	"fmt"

	"github.com/arxdrive/go-arxdrive-sdk/contentkey"
	"github.com/arxdrive/go-arxdrive-sdk/nodekey"
	"github.com/arxdrive/go-arxdrive-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/scrypt"
)

var (
	// ErrorUnwrapCannotDecrypt is returned when no provided private key can decrypt the packet
	ErrorUnwrapCannotDecrypt = utils.NewArxError("KEYWRAP_UNWRAP_CANNOT_DECRYPT", "cannot decrypt key packet with any of the given keys")
	// ErrorUnwrapNoKeys is returned when unwrapping without any private key
	ErrorUnwrapNoKeys = utils.NewArxError("KEYWRAP_UNWRAP_NO_KEYS", "no private keys given")
	// ErrorSessionKeyBadFormat is returned when decrypted key material has an invalid format
	ErrorSessionKeyBadFormat = utils.NewArxError("KEYWRAP_SESSION_KEY_BAD_FORMAT", "decrypted key material is not 16/32 raw bytes, 44-char base64, or 64 hex chars")
	// ErrorPasswordPacketTooShort is returned when a password-wrapped packet cannot contain its salt
	ErrorPasswordPacketTooShort = utils.NewArxError("KEYWRAP_PASSWORD_PACKET_TOO_SHORT", "password-wrapped packet is too short")
)

const passwordSaltLength = 16

// scrypt cost parameters for password-derived wrapping keys.
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// NormalizeSessionKey validates decrypted key material and returns it as raw
// bytes. Accepted forms: exactly 16 or 32 raw bytes, a 44-char Base64 string,
// or 64 hex chars. Anything else is rejected even if decryption succeeded,
// so a wrong-key decryption yielding garbage cannot be mistaken for a key.
func NormalizeSessionKey(material []byte) ([]byte, error) {
	switch len(material) {
	case 16, 32:
		return material, nil
	case 44:
		decoded, err := utils.Base64DecodeString(string(material))
		if err != nil || len(decoded) != 32 {
			return nil, tracerr.Wrap(ErrorSessionKeyBadFormat)
		}
		return decoded, nil
	case 64:
		decoded, err := hex.DecodeString(string(material))
		if err != nil {
			return nil, tracerr.Wrap(ErrorSessionKeyBadFormat)
		}
		return decoded, nil
	default:
		return nil, tracerr.Wrap(ErrorSessionKeyBadFormat.AddDetails(fmt.Sprintf("%d bytes", len(material))))
	}
}

// Wrap encrypts a session key for a recipient node key. Pure function of its
// inputs, no side effects.
func Wrap(sessionKey []byte, recipient *nodekey.PublicKey) ([]byte, error) {
	packet, err := recipient.Encrypt(sessionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return packet, nil
}

// Unwrap decrypts a key packet, trying each given private key in order (the
// current node key first, then older ones after a rotation). The decrypted
// material is format-checked before being returned.
func Unwrap(packet []byte, privateKeys ...*nodekey.PrivateKey) ([]byte, error) {
	if len(privateKeys) == 0 {
		return nil, tracerr.Wrap(ErrorUnwrapNoKeys)
	}
	var decrypted []byte
	var err error
	for _, privateKey := range privateKeys {
		decrypted, err = privateKey.Decrypt(packet)
		if err == nil {
			break
		}
	}
	if decrypted == nil {
		return nil, tracerr.Wrap(ErrorUnwrapCannotDecrypt)
	}
	sessionKey, err := NormalizeSessionKey(decrypted)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return sessionKey, nil
}

// Reencrypt unwraps a key packet under decryptKeys and re-wraps the session
// key under encryptKey. The operation is atomic from the caller's point of
// view: on any failure the input packet is returned untouched as far as the
// caller's state is concerned, and no partial output is produced.
func Reencrypt(packet []byte, decryptKeys []*nodekey.PrivateKey, encryptKey *nodekey.PublicKey) ([]byte, error) {
	sessionKey, err := Unwrap(packet, decryptKeys...)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	rewrapped, err := Wrap(sessionKey, encryptKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return rewrapped, nil
}

func derivePasswordKey(password string, salt []byte) (*contentkey.Key, error) {
	raw, err := scrypt.Key(utils.NormalizeString(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	key, err := contentkey.FromSessionKey(raw)
	if err != nil { // cannot cover
		return nil, tracerr.Wrap(err)
	}
	return key, nil
}

// WrapWithPassword wraps a session key under a key derived from a password
// and a fresh random salt. The output packet is self-describing: the salt is
// its first 16 bytes.
func WrapWithPassword(sessionKey []byte, password string) ([]byte, error) {
	salt, err := utils.GenerateRandomBytes(passwordSaltLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	key, err := derivePasswordKey(password, salt)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encrypted, err := key.Encrypt(sessionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return append(salt, encrypted...), nil
}

// UnwrapWithPassword unwraps a packet produced by WrapWithPassword.
func UnwrapWithPassword(packet []byte, password string) ([]byte, []byte, error) {
	if len(packet) <= passwordSaltLength {
		return nil, nil, tracerr.Wrap(ErrorPasswordPacketTooShort)
	}
	salt := packet[:passwordSaltLength]
	key, err := derivePasswordKey(password, salt)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	decrypted, err := key.Decrypt(packet[passwordSaltLength:])
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	sessionKey, err := NormalizeSessionKey(decrypted)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return sessionKey, salt, nil
}

// ReencryptWithPassword unwraps a password-wrapped packet (salt embedded in
// the packet) and re-wraps its session key under encryptKey, migrating a
// URL-shared node into a node-key domain. It returns the salt that was used,
// so the caller can persist it alongside the new packet for as long as the
// legacy URL stays valid.
func ReencryptWithPassword(packet []byte, urlPassword string, encryptKey *nodekey.PublicKey) ([]byte, []byte, error) {
	sessionKey, salt, err := UnwrapWithPassword(packet, urlPassword)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	rewrapped, err := Wrap(sessionKey, encryptKey)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return salt, rewrapped, nil
}
