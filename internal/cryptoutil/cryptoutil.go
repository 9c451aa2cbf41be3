// Package cryptoutil implements the L0 cryptographic primitives that every
// other layer is built on: Ed25519 sign/verify, X25519 ECDH, HKDF, and
// AES-256-GCM AEAD. Nothing here holds state; every function is a pure
// transform over byte slices. Mis-length keys and nonces are programmer
// errors and panic rather than return an error, per the error-handling
// design: this package sits below the boundary where external input is
// validated. The exception is AEADDecrypt, which returns
// ErrDecryptionFailed for a mis-length key, iv or tag.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the AES-GCM nonce length used throughout this module.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
	// KeySize is the symmetric key length (AES-256).
	KeySize = 32
	// X25519KeySize is the ECDH key length.
	X25519KeySize = 32
)

// ErrDecryptionFailed is the single collapsed failure mode for AEADDecrypt.
// It never distinguishes which of ciphertext, tag, iv, key or aad was wrong,
// to avoid building a decryption oracle.
var ErrDecryptionFailed = errors.New("decryption_failed")

// GenerateSigningKeypair returns a fresh Ed25519 keypair.
func GenerateSigningKeypair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(msg []byte, priv ed25519.PrivateKey) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		panic(fmt.Sprintf("cryptoutil: bad private key length %d", len(priv)))
	}
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature. It never panics on a bad
// signature or tampered message — only on a malformed public key, which is
// a programmer error.
func Verify(msg, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		panic(fmt.Sprintf("cryptoutil: bad public key length %d", len(pub)))
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// GenerateX25519Keypair returns a fresh X25519 keypair for ECDH.
func GenerateX25519Keypair() (pub, priv [X25519KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return pub, priv, err
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}

// ECDH performs an X25519 Diffie-Hellman exchange, returning a 32-byte
// shared secret. privA and pubB must each be X25519KeySize bytes.
func ECDH(privA, pubB []byte) ([]byte, error) {
	if len(privA) != X25519KeySize || len(pubB) != X25519KeySize {
		panic("cryptoutil: bad ECDH key length")
	}
	return curve25519.X25519(privA, pubB)
}

// HKDF derives keyLen bytes of key material from ikm using HKDF-SHA256
// with the given info string, no salt.
func HKDF(ikm, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AEADEncrypt encrypts plaintext under key (must be KeySize bytes) with a
// fresh random 12-byte nonce, authenticating aad. Returns ciphertext
// (without appended tag — returned separately), the nonce, and the tag.
func AEADEncrypt(plaintext, key, aad []byte) (ciphertext, iv, tag []byte, err error) {
	if len(key) != KeySize {
		panic(fmt.Sprintf("cryptoutil: bad AEAD key length %d", len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ct := sealed[:len(sealed)-TagSize]
	tg := sealed[len(sealed)-TagSize:]
	return ct, iv, tg, nil
}

// AEADDecrypt reverses AEADEncrypt. Any failure — tampered ciphertext, tag,
// iv, key or aad — returns ErrDecryptionFailed and nothing else.
func AEADDecrypt(ciphertext, key, iv, tag, aad []byte) ([]byte, error) {
	if len(key) != KeySize || len(iv) != NonceSize || len(tag) != TagSize {
		return nil, ErrDecryptionFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	pt, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// Hash returns the SHA-256 digest of x.
func Hash(x []byte) [32]byte {
	return sha256.Sum256(x)
}

// DeriveAgentID computes "agent_" || hex(SHA-256(pub)) for a signing
// public key, per the agent ID grammar in spec §6.
func DeriveAgentID(pub ed25519.PublicKey) string {
	h := Hash(pub)
	return "agent_" + hex.EncodeToString(h[:])
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
