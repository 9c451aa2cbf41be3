package identity

import (
	"fmt"

	"github.com/awgh/bencrypt/bc"
	"github.com/awgh/bencrypt/ecc"
)

// encKeyPair wraps a bencrypt asymmetric keypair for an identity's
// encryption side. Signing keys are plain Ed25519 (cryptoutil), but the
// encryption keypair storage format is adapted from the teacher's latent
// awgh/bencrypt dependency — bencrypt's ECC keypair already knows how to
// marshal/unmarshal itself to a base64 blob, which is what gets persisted
// alongside the identity record.
type encKeyPair struct {
	kp *ecc.KeyPair
}

func newEncKeyPair() (*encKeyPair, error) {
	kp := new(ecc.KeyPair)
	if err := kp.GenerateKey(); err != nil {
		return nil, err
	}
	return &encKeyPair{kp: kp}, nil
}

func encKeyPairFromB64(s string) (*encKeyPair, error) {
	kp := new(ecc.KeyPair)
	if err := kp.FromB64(s); err != nil {
		return nil, err
	}
	return &encKeyPair{kp: kp}, nil
}

func (e *encKeyPair) B64() string {
	return e.kp.ToB64()
}

func (e *encKeyPair) PubKey() bc.PubKey {
	return e.kp.GetPubKey()
}

func (e *encKeyPair) PubKeyBytes() []byte {
	return e.kp.GetPubKey().ToBytes()
}

func (e *encKeyPair) PrivKeyBytes() []byte {
	return e.kp.GetPrivKey().ToBytes()
}

// DecodeEncryptionKeyPair parses a caller-held base64 encryption keypair
// blob (as returned by NewIdentity) back into its raw X25519 public/private
// key bytes, for sealing and unsealing group-channel invitations. The
// registry only ever stores/returns the public half via
// LookupEncryptionKey; the private half never leaves the caller.
func DecodeEncryptionKeyPair(encKeyB64 string) (pub, priv [32]byte, err error) {
	ekp, err := encKeyPairFromB64(encKeyB64)
	if err != nil {
		return pub, priv, fmt.Errorf("identity: decode encryption keypair: %w", err)
	}
	pubBytes := ekp.PubKeyBytes()
	privBytes := ekp.PrivKeyBytes()
	if len(pubBytes) != 32 || len(privBytes) != 32 {
		return pub, priv, fmt.Errorf("identity: unexpected encryption key length pub=%d priv=%d", len(pubBytes), len(privBytes))
	}
	copy(pub[:], pubBytes)
	copy(priv[:], privBytes)
	return pub, priv, nil
}
