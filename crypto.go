package mda

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/infodancer/mda/errors"
)

const (
	publicKeyExt  = ".pub"
	privateKeyExt = ".key"

	saltSize = 32

	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
)

// KeyProvider retrieves public keys for at-rest encryption.
type KeyProvider interface {
	// GetPublicKey returns the owner's public key.
	// Returns errors.ErrKeyNotFound if the owner has no key.
	GetPublicKey(ctx context.Context, owner string) ([]byte, error)

	// HasEncryption reports whether messages for owner should be encrypted.
	HasEncryption(ctx context.Context, owner string) (bool, error)
}

// KeyDir is a KeyProvider backed by a directory of key files:
// <owner>.pub holds the raw X25519 public key and <owner>.key the private
// key sealed with a passphrase.
type KeyDir struct {
	path string
}

// NewKeyDir returns a KeyDir rooted at path.
func NewKeyDir(path string) *KeyDir {
	return &KeyDir{path: path}
}

func (k *KeyDir) file(owner, ext string) (string, error) {
	if owner == "" || owner == "." || owner == ".." || strings.ContainsAny(owner, "/\x00") {
		return "", errors.New(errors.ErrInvalidTarget, "key lookup", owner, fmt.Errorf("invalid owner name"))
	}
	return filepath.Join(k.path, owner+ext), nil
}

// GetPublicKey returns the public key for owner.
func (k *KeyDir) GetPublicKey(ctx context.Context, owner string) ([]byte, error) {
	path, err := k.file(owner, publicKeyExt)
	if err != nil {
		return nil, err
	}
	pubKey, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrKeyNotFound, "read public key", path, nil)
		}
		return nil, errors.Filesystem("read public key", path, err)
	}
	if len(pubKey) != PublicKeySize {
		return nil, errors.New(errors.ErrKeyNotFound, "read public key", path,
			fmt.Errorf("invalid key size: %d", len(pubKey)))
	}
	return pubKey, nil
}

// HasEncryption reports whether owner has a public key file.
func (k *KeyDir) HasEncryption(ctx context.Context, owner string) (bool, error) {
	path, err := k.file(owner, publicKeyExt)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(path)
	return err == nil, nil
}

// GenerateKey creates a key pair for owner, storing the private key sealed
// under passphrase. Existing keys are never overwritten.
func (k *KeyDir) GenerateKey(owner, passphrase string) ([]byte, error) {
	pubPath, err := k.file(owner, publicKeyExt)
	if err != nil {
		return nil, err
	}
	privPath, _ := k.file(owner, privateKeyExt)

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	defer clear(priv[:])

	sealed, err := sealPrivateKey(priv[:], passphrase)
	if err != nil {
		return nil, err
	}

	// Private key first, so a public key never exists without its pair.
	if err := writeNewFile(privPath, sealed, 0600); err != nil {
		return nil, err
	}
	if err := writeNewFile(pubPath, pub[:], 0644); err != nil {
		_ = os.Remove(privPath)
		return nil, err
	}
	return pub[:], nil
}

// PrivateKey opens owner's sealed private key with passphrase.
func (k *KeyDir) PrivateKey(owner, passphrase string) ([]byte, error) {
	path, err := k.file(owner, privateKeyExt)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrKeyNotFound, "read private key", path, nil)
		}
		return nil, errors.Filesystem("read private key", path, err)
	}
	return openPrivateKey(sealed, passphrase)
}

func writeNewFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return errors.Filesystem("create", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return errors.Filesystem("write", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return errors.New(errors.ErrFsyncFailed, "fsync", path, err)
	}
	return errors.Filesystem("close", path, f.Close())
}

// sealPrivateKey encrypts a private key with a passphrase.
// Format: salt (32B) || nonce (24B) || ciphertext
func sealPrivateKey(privateKey []byte, passphrase string) ([]byte, error) {
	out := make([]byte, saltSize+NonceSize, saltSize+NonceSize+len(privateKey)+secretbox.Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], out[saltSize:])

	key := deriveKey(passphrase, out[:saltSize])
	defer clear(key[:])

	return secretbox.Seal(out, privateKey, &nonce, &key), nil
}

func openPrivateKey(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < saltSize+NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed key too short: %d", len(sealed))
	}

	var nonce [NonceSize]byte
	copy(nonce[:], sealed[saltSize:saltSize+NonceSize])

	key := deriveKey(passphrase, sealed[:saltSize])
	defer clear(key[:])

	plaintext, ok := secretbox.Open(nil, sealed[saltSize+NonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("wrong passphrase or corrupt key")
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) [32]byte {
	var key [32]byte
	derived := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	copy(key[:], derived)
	clear(derived)
	return key
}
