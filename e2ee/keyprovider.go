// Package e2ee implements the E2EE Manager (spec component G): a key
// provider with ratcheting and consecutive-failure tracking, plus
// AES-GCM(256) encrypt/decrypt for data-track frames. Grounded in the
// teacher's use of golang.org/x/crypto (the pack's n0remac-robot-webrtc and
// tphakala-birdnet-go both reach for x/crypto primitives for this kind of
// work) rather than a hand-rolled KDF.
package e2ee

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeyProviderOptions configures ratcheting behaviour.
type KeyProviderOptions struct {
	// RatchetWindowSize is the number of successive ratchet derivations a
	// decrypt retry may take on one key index. Nothing in this module reads
	// it: DataTrackCryptor.Decrypt makes a single attempt with the stored
	// key and never ratchets.
	RatchetWindowSize int
	// RatchetSalt is mixed into the HKDF derivation for each ratchet step.
	RatchetSalt []byte
	// FailureTolerance is the number of consecutive decrypt failures on a
	// track before it is marked InDoubt.
	FailureTolerance int
}

// DefaultKeyProviderOptions mirrors the values LiveKit's own SDKs default
// to: a ratchet window of 16 and 10 consecutive failures before InDoubt.
func DefaultKeyProviderOptions() KeyProviderOptions {
	return KeyProviderOptions{
		RatchetWindowSize: 16,
		RatchetSalt:       []byte("rtcsdk-e2ee-ratchet-salt"),
		FailureTolerance:  10,
	}
}

type identityKeys struct {
	keys         map[int][]byte
	latestIndex  int
	failureCount int
	inDoubt      bool
}

// KeyProvider holds either one shared key (identity == "") or a distinct
// key per participant identity, each addressable by a (identity?, index)
// pair, per spec.md §4.7.
type KeyProvider struct {
	opts KeyProviderOptions

	mu        sync.Mutex
	perIdent  map[string]*identityKeys
	sharedKey *identityKeys
}

// NewSharedKeyProvider builds a provider with a single key shared by every
// participant, addressed only by key_index.
func NewSharedKeyProvider(key []byte, opts KeyProviderOptions) *KeyProvider {
	kp := &KeyProvider{opts: opts, perIdent: make(map[string]*identityKeys)}
	kp.sharedKey = &identityKeys{keys: map[int][]byte{0: append([]byte(nil), key...)}}
	return kp
}

// NewPerIdentityKeyProvider builds a provider that keys by participant
// identity in addition to key_index.
func NewPerIdentityKeyProvider(opts KeyProviderOptions) *KeyProvider {
	return &KeyProvider{opts: opts, perIdent: make(map[string]*identityKeys)}
}

func (kp *KeyProvider) bucketFor(identity string) *identityKeys {
	if kp.sharedKey != nil {
		return kp.sharedKey
	}
	b, ok := kp.perIdent[identity]
	if !ok {
		b = &identityKeys{keys: make(map[int][]byte)}
		kp.perIdent[identity] = b
	}
	return b
}

// SetKey installs (or replaces) the key at index for identity, and points
// the latest-index pointer at index.
func (kp *KeyProvider) SetKey(identity string, index int, key []byte) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	b := kp.bucketFor(identity)
	b.keys[index] = append([]byte(nil), key...)
	b.latestIndex = index
}

// GetLatestKeyIndex returns the most recently set key index for identity.
func (kp *KeyProvider) GetLatestKeyIndex(identity string) int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return kp.bucketFor(identity).latestIndex
}

// Key returns the raw key material at (identity, index), or false if unset.
func (kp *KeyProvider) Key(identity string, index int) ([]byte, bool) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	b := kp.bucketFor(identity)
	k, ok := b.keys[index]
	return k, ok
}

// HasKey reports whether any key has been set for identity at all.
func (kp *KeyProvider) HasKey(identity string) bool {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	b := kp.bucketFor(identity)
	return len(b.keys) > 0
}

// Ratchet derives the next-generation key for (identity, index) from the
// current key via HKDF-SHA256 with the provider's ratchet salt, installs it
// in place of the current key, and returns the new key material. Ratchet is
// safe to call RatchetWindowSize times in a row before a decrypt gives up
// (the caller enforces the window; KeyProvider just performs one step per
// call).
func (kp *KeyProvider) Ratchet(identity string, index int) ([]byte, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	b := kp.bucketFor(identity)
	current, ok := b.keys[index]
	if !ok {
		return nil, fmt.Errorf("e2ee: no key at index %d for %q to ratchet", index, identity)
	}

	reader := hkdf.New(sha256.New, current, kp.opts.RatchetSalt, []byte("ratchet"))
	next := make([]byte, len(current))
	if _, err := io.ReadFull(reader, next); err != nil {
		return nil, fmt.Errorf("e2ee: deriving ratcheted key: %w", err)
	}
	b.keys[index] = next
	return next, nil
}

// RecordDecryptSuccess clears the consecutive-failure counter and the
// InDoubt flag for identity.
func (kp *KeyProvider) RecordDecryptSuccess(identity string) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	b := kp.bucketFor(identity)
	b.failureCount = 0
	b.inDoubt = false
}

// RecordDecryptFailure increments the consecutive-failure counter and marks
// the bucket InDoubt once it reaches FailureTolerance. Returns whether the
// bucket is now InDoubt.
func (kp *KeyProvider) RecordDecryptFailure(identity string) bool {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	b := kp.bucketFor(identity)
	b.failureCount++
	if b.failureCount >= kp.opts.FailureTolerance {
		b.inDoubt = true
	}
	return b.inDoubt
}

// InDoubt reports whether identity's key bucket has reached the configured
// failure tolerance.
func (kp *KeyProvider) InDoubt(identity string) bool {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return kp.bucketFor(identity).inDoubt
}
