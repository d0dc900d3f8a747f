// Package vault provides authenticated encryption for upstream provider
// credentials. Envelopes are AES-256-GCM, laid out as IV || TAG || CIPHERTEXT
// and base64-encoded. The sealed plaintext is a small JSON document carrying
// the key, a random key-id handle, caller metadata and the encryption time.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16

	// PBKDF2 parameters for short master keys. Changing either is a breaking
	// migration: every stored envelope becomes undecryptable.
	kdfIterations = 100_000
)

var kdfSalt = []byte("aiguard-credential-vault")

// Payload is the sealed plaintext document.
type Payload struct {
	Key         string            `json:"key"`
	KeyID       string            `json:"keyId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EncryptedAt time.Time         `json:"encryptedAt"`
}

// Vault seals and opens credential envelopes under a single master key.
// The derived key is read-only after construction.
type Vault struct {
	key []byte
}

// New derives a Vault from master-key material. Exactly 32 bytes are used
// raw; anything else goes through PBKDF2-SHA256.
func New(master []byte) *Vault {
	return &Vault{key: DeriveKey(master)}
}

// DeriveKey normalizes master-key material to 32 bytes.
func DeriveKey(master []byte) []byte {
	if len(master) == keySize {
		out := make([]byte, keySize)
		copy(out, master)
		return out
	}
	return pbkdf2.Key(master, kdfSalt, kdfIterations, keySize, sha256.New)
}

// Encrypt seals apiKey with fresh random key-id and IV. The returned keyId is
// the stable handle for the envelope.
func (v *Vault) Encrypt(apiKey string, metadata map[string]string) (envelope, keyID string, err error) {
	id := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		return "", "", fmt.Errorf("vault: generate key id: %w", err)
	}
	keyID = hex.EncodeToString(id)

	envelope, err = seal(v.key, Payload{
		Key:         apiKey,
		KeyID:       keyID,
		Metadata:    metadata,
		EncryptedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", "", err
	}
	return envelope, keyID, nil
}

// Decrypt opens an envelope produced by Encrypt. Tag mismatch, truncation and
// malformed payloads all surface as guard.ErrDecryptionFailed.
func (v *Vault) Decrypt(envelope string) (*Payload, error) {
	return open(v.key, envelope)
}

// Rotate re-encrypts an envelope from oldMaster to newMaster. It is a pure
// function over its inputs: no vault state is read or written, so concurrent
// callers of Encrypt/Decrypt never observe either master key.
func Rotate(envelope string, oldMaster, newMaster []byte) (string, error) {
	p, err := open(DeriveKey(oldMaster), envelope)
	if err != nil {
		return "", err
	}
	return seal(DeriveKey(newMaster), *p)
}

func seal(key []byte, p Payload) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("vault: marshal payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: create gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}

	// Seal appends ciphertext||tag; the envelope wants IV||TAG||CIPHERTEXT.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(key []byte, envelope string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", guard.ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}

	// Envelopes are written with a 12-byte IV; 16-byte IVs from older
	// writers are also accepted.
	for _, n := range []int{ivSize, 16} {
		p, err := openWithIVSize(block, raw, n)
		if err == nil {
			return p, nil
		}
	}
	return nil, guard.ErrDecryptionFailed
}

func openWithIVSize(block cipher.Block, raw []byte, n int) (*Payload, error) {
	if len(raw) < n+tagSize {
		return nil, guard.ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, n)
	if err != nil {
		return nil, guard.ErrDecryptionFailed
	}

	iv, tag, ct := raw[:n], raw[n:n+tagSize], raw[n+tagSize:]
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, guard.ErrDecryptionFailed
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, guard.ErrDecryptionFailed
	}
	return &p, nil
}
