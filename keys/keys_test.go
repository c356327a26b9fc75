package keys

import (
	"crypto/dsa"
	"crypto/rsa"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// scalarOf extracts a copy of kp's private scalar via withScalar, since
// kp.DSA.X/kp.RSA.D are zeroed at rest and only rehydrated transiently.
func scalarOf(t *testing.T, kp *KeyPair) *big.Int {
	t.Helper()
	var out *big.Int
	err := kp.withScalar(func(dsaPriv *dsa.PrivateKey, rsaPriv *rsa.PrivateKey) error {
		if dsaPriv != nil {
			out = new(big.Int).Set(dsaPriv.X)
		} else {
			out = new(big.Int).Set(rsaPriv.D)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestGenerateDSARejectsWrongSize(t *testing.T) {
	_, err := GenerateDSA(512)
	require.Error(t, err)

	_, err = GenerateDSA(2048)
	require.Error(t, err)
}

func TestGenerateRSARejectsOutOfRange(t *testing.T) {
	_, err := GenerateRSA(1023)
	require.Error(t, err)

	_, err = GenerateRSA(MaxKeySize + 1)
	require.Error(t, err)
}

func TestGenerateRSASaveLoadRoundTrip(t *testing.T) {
	kp, err := GenerateRSA(1024)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_rsa")
	pubPath := filepath.Join(dir, "id_rsa.pub")

	require.NoError(t, SavePrivate(kp, privPath))
	require.NoError(t, os.Chmod(privPath, 0600))
	require.NoError(t, SavePublic(kp, pubPath, "test@host"))

	loaded, err := Load(privPath)
	require.NoError(t, err)
	require.Equal(t, AlgoRSA, loaded.Algo)
	require.Equal(t, kp.RSA.N, loaded.RSA.N)
	require.Equal(t, scalarOf(t, kp), scalarOf(t, loaded))
	require.Equal(t, kp.PublicKeyBlob(), loaded.PublicKeyBlob())

	pub, err := os.ReadFile(pubPath)
	require.NoError(t, err)
	require.Contains(t, string(pub), "ssh-rsa ")
	require.Contains(t, string(pub), "test@host")
}

func TestGenerateDSASaveLoadRoundTrip(t *testing.T) {
	kp, err := GenerateDSA(1024)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_dsa")

	require.NoError(t, SavePrivate(kp, privPath))
	require.NoError(t, os.Chmod(privPath, 0600))

	loaded, err := Load(privPath)
	require.NoError(t, err)
	require.Equal(t, AlgoDSA, loaded.Algo)
	require.Equal(t, kp.DSA.Y, loaded.DSA.Y)
	require.Equal(t, scalarOf(t, kp), scalarOf(t, loaded))
	require.Equal(t, kp.PublicKeyBlob(), loaded.PublicKeyBlob())
}

func TestLoadRejectsGroupReadablePrivateKey(t *testing.T) {
	kp, err := GenerateRSA(1024)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "id_rsa")
	require.NoError(t, SavePrivate(kp, privPath))
	require.NoError(t, os.Chmod(privPath, 0640))

	_, err = Load(privPath)
	require.Error(t, err)
}

func TestLoadRejectsUnknownHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus")
	require.NoError(t, os.WriteFile(path, []byte("not a key\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPrivateScalarZeroedAtRest(t *testing.T) {
	rsaKey, err := GenerateRSA(1024)
	require.NoError(t, err)
	require.Zero(t, rsaKey.RSA.D.Sign())
	require.Empty(t, rsaKey.RSA.Primes)

	dsaKey, err := GenerateDSA(1024)
	require.NoError(t, err)
	require.Zero(t, dsaKey.DSA.X.Sign())
}

func TestSignAfterDestroyFails(t *testing.T) {
	kp, err := GenerateRSA(1024)
	require.NoError(t, err)
	kp.Destroy()

	_, err = kp.Sign([]byte("session-id"), []byte("data"))
	require.Error(t, err)
}

func TestSignDSAAndRSAProduceTaggedSignature(t *testing.T) {
	rsaKey, err := GenerateRSA(1024)
	require.NoError(t, err)
	sig, err := rsaKey.Sign([]byte("session-id"), []byte("data"))
	require.NoError(t, err)
	require.Contains(t, string(sig[:20]), "ssh-rsa")

	dsaKey, err := GenerateDSA(1024)
	require.NoError(t, err)
	sig, err = dsaKey.Sign([]byte("session-id"), []byte("data"))
	require.NoError(t, err)
	require.Contains(t, string(sig[:20]), "ssh-dss")
}
