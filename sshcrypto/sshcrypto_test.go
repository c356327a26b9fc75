package sshcrypto

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCBCRoundTrip(t *testing.T) {
	for name, spec := range Ciphers {
		key := make([]byte, spec.KeySize)
		iv := make([]byte, spec.BlockSize)
		_, _ = rand.Read(key)
		_, _ = rand.Read(iv)

		enc, err := NewEncrypter(name, key, iv)
		require.NoError(t, err, name)
		dec, err := NewDecrypter(name, key, iv)
		require.NoError(t, err, name)

		plain := make([]byte, spec.BlockSize*3)
		_, _ = rand.Read(plain)

		cipherText := make([]byte, len(plain))
		enc.CryptBlocks(cipherText, plain)

		recovered := make([]byte, len(plain))
		dec.CryptBlocks(recovered, cipherText)

		require.Equal(t, plain, recovered, name)
	}
}

func TestMACSizes(t *testing.T) {
	h, err := NewMAC("hmac-sha1", []byte("key"))
	require.NoError(t, err)
	require.Equal(t, 20, h.Size())

	h, err = NewMAC("hmac-md5", []byte("key"))
	require.NoError(t, err)
	require.Equal(t, 16, h.Size())

	h, err = NewMAC("none", nil)
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestDHSharedSecretAgrees(t *testing.T) {
	for _, g := range []DHGroup{Group1, Group14} {
		xA, eA, err := g.GeneratePrivate(DefaultRNG)
		require.NoError(t, err)
		xB, eB, err := g.GeneratePrivate(DefaultRNG)
		require.NoError(t, err)

		kA := g.SharedSecret(xA, eB)
		kB := g.SharedSecret(xB, eA)
		require.Equal(t, kA, kB)
	}
}

func TestDSASignVerifyRoundTrip(t *testing.T) {
	var params dsa.Parameters
	require.NoError(t, dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160))
	var priv dsa.PrivateKey
	priv.Parameters = params
	require.NoError(t, dsa.GenerateKey(&priv, rand.Reader))

	digest := SHA1Sum([]byte("session-id"), []byte("payload"))
	sig, err := SignDSA(&priv, digest)
	require.NoError(t, err)
	require.Len(t, sig, 40)

	require.NoError(t, VerifyDSA(&priv.PublicKey, digest, sig))
}

func TestDSASignatureLengthError(t *testing.T) {
	var priv dsa.PrivateKey
	err := VerifyDSA(&priv.PublicKey, []byte("digest"), make([]byte, 39))
	var lenErr *SignatureLengthError
	require.ErrorAs(t, err, &lenErr)
	require.Equal(t, 39, lenErr.Got)
}

func TestRSASignVerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	digest := SHA1Sum([]byte("session-id"), []byte("payload"))
	sig, err := SignRSA(priv, digest)
	require.NoError(t, err)
	require.NoError(t, VerifyRSA(&priv.PublicKey, digest, sig))
}
