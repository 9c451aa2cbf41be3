package cryptoutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateSigningKeypair()
	require.NoError(t, err)

	msg := []byte("grant capability to agent_abc")
	sig := Sign(msg, priv)
	require.True(t, Verify(msg, sig, pub))

	// Tampered message.
	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	require.False(t, Verify(tampered, sig, pub))

	// Tampered signature.
	badSig := append([]byte{}, sig...)
	badSig[0] ^= 0xFF
	require.False(t, Verify(msg, badSig, pub))

	// Tampered key.
	otherPub, _, err := GenerateSigningKeypair()
	require.NoError(t, err)
	require.False(t, Verify(msg, sig, otherPub))
}

func TestECDHSharedSecretSymmetric(t *testing.T) {
	pubA, privA, err := GenerateX25519Keypair()
	require.NoError(t, err)
	pubB, privB, err := GenerateX25519Keypair()
	require.NoError(t, err)

	secretAB, err := ECDH(privA[:], pubB[:])
	require.NoError(t, err)
	secretBA, err := ECDH(privB[:], pubA[:])
	require.NoError(t, err)
	require.True(t, bytes.Equal(secretAB, secretBA))
}

func TestAEADRoundTrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)
	aad := []byte("channel:general")
	pt := []byte("hello group")

	ct1, iv1, tag1, err := AEADEncrypt(pt, key, aad)
	require.NoError(t, err)
	ct2, iv2, tag2, err := AEADEncrypt(pt, key, aad)
	require.NoError(t, err)

	// Distinct ciphertexts for identical plaintext across encryptions.
	require.False(t, bytes.Equal(ct1, ct2) && bytes.Equal(iv1, iv2))

	out, err := AEADDecrypt(ct1, key, iv1, tag1, aad)
	require.NoError(t, err)
	require.Equal(t, pt, out)

	// Tamper AAD.
	_, err = AEADDecrypt(ct1, key, iv1, tag1, []byte("channel:other"))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// Tamper ciphertext.
	badCt := append([]byte{}, ct1...)
	badCt[0] ^= 0xFF
	_, err = AEADDecrypt(badCt, key, iv1, tag1, aad)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// Tamper tag.
	badTag := append([]byte{}, tag1...)
	badTag[0] ^= 0xFF
	_, err = AEADDecrypt(ct1, key, iv1, badTag, aad)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_ = ct2
	_ = tag2
}

func TestDeriveAgentID(t *testing.T) {
	pub, _, err := GenerateSigningKeypair()
	require.NoError(t, err)
	id := DeriveAgentID(pub)
	require.Len(t, id, len("agent_")+64)
	require.Equal(t, "agent_", id[:6])
}
