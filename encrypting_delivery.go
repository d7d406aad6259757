package mda

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/nacl/box"

	"github.com/infodancer/mda/errors"
)

const (
	// EncryptionAlgorithm is the algorithm identifier for encrypted messages.
	EncryptionAlgorithm = "x25519-xsalsa20-poly1305"

	// PublicKeySize is the size of an X25519 public key.
	PublicKeySize = 32

	// NonceSize is the size of the NaCl box nonce.
	NonceSize = 24
)

// EncryptingDeliverer wraps a Deliverer to encrypt messages at rest.
// Maildir targets whose Owner has a key receive a sealed copy (NaCl box,
// X25519 + XSalsa20-Poly1305). mbox targets are always plaintext, since a
// binary payload cannot be framed in an mbox file.
type EncryptingDeliverer struct {
	underlying Deliverer
	keys       KeyProvider
	logger     *slog.Logger
}

// NewEncryptingDeliverer creates an encrypting deliverer around underlying.
func NewEncryptingDeliverer(underlying Deliverer, keys KeyProvider, logger *slog.Logger) *EncryptingDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EncryptingDeliverer{underlying: underlying, keys: keys, logger: logger}
}

// Deliver encrypts msg when target's owner has encryption enabled and
// passes it on. Owners without a key get plaintext. An owner whose key is
// present but unusable gets nothing: the delivery fails with ErrKeyNotFound.
func (e *EncryptingDeliverer) Deliver(ctx context.Context, msg *Message, target Target) (*Delivery, error) {
	if target.Format != FormatMaildir || target.Owner == "" {
		return e.underlying.Deliver(ctx, msg, target)
	}

	logger := e.logger.With(slog.String("owner", target.Owner))

	enabled, err := e.keys.HasEncryption(ctx, target.Owner)
	if err != nil || !enabled {
		if err != nil {
			logger.Warn("encryption status unknown, delivering plaintext", slog.Any("error", err))
		}
		return e.underlying.Deliver(ctx, msg, target)
	}

	pubKey, err := e.keys.GetPublicKey(ctx, target.Owner)
	if err != nil {
		logger.Error("public key unusable, refusing plaintext delivery", slog.Any("error", err))
		return nil, errors.New(errors.ErrKeyNotFound, "encrypt", target.Path, err)
	}

	payload, err := msg.Bytes()
	if err != nil {
		return nil, err
	}
	sealed, err := encryptMessage(payload, pubKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", target.Owner, err)
	}

	encrypted := MessageFromBytes(sealed)
	encrypted.Envelope = msg.Envelope
	return e.underlying.Deliver(ctx, encrypted, target)
}

// encryptMessage encrypts message data using NaCl box with an ephemeral key pair.
// Returns: ephemeral_public_key (32B) || nonce (24B) || ciphertext
func encryptMessage(message []byte, recipientPubKey []byte) ([]byte, error) {
	if len(recipientPubKey) != PublicKeySize {
		return nil, fmt.Errorf("invalid recipient public key size: %d", len(recipientPubKey))
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	var recipientKey [PublicKeySize]byte
	copy(recipientKey[:], recipientPubKey)

	out := make([]byte, PublicKeySize+NonceSize, PublicKeySize+NonceSize+len(message)+box.Overhead)
	copy(out, ephemeralPub[:])
	copy(out[PublicKeySize:], nonce[:])
	return box.Seal(out, message, &nonce, &recipientKey, ephemeralPriv), nil
}

// DecryptMessage decrypts a message sealed for the holder of privateKey.
// Input format: ephemeral_public_key (32B) || nonce (24B) || ciphertext
func DecryptMessage(encryptedData []byte, privateKey []byte) ([]byte, error) {
	if len(privateKey) != PublicKeySize {
		return nil, fmt.Errorf("invalid private key size: %d", len(privateKey))
	}

	minSize := PublicKeySize + NonceSize + box.Overhead
	if len(encryptedData) < minSize {
		return nil, fmt.Errorf("encrypted data too short: %d < %d", len(encryptedData), minSize)
	}

	var ephemeralPub [PublicKeySize]byte
	copy(ephemeralPub[:], encryptedData[:PublicKeySize])

	var nonce [NonceSize]byte
	copy(nonce[:], encryptedData[PublicKeySize:PublicKeySize+NonceSize])

	var privKey [PublicKeySize]byte
	copy(privKey[:], privateKey)
	defer clear(privKey[:])

	plaintext, ok := box.Open(nil, encryptedData[PublicKeySize+NonceSize:], &nonce, &ephemeralPub, &privKey)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}
