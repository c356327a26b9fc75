package keys

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/netsieben/ne7ssh/errs"
)

// GenerateDSA generates a new DSA key pair. SSH DSA keys are fixed at
// L1024N160 by RFC 4253 §6.6, matching the original's hardcoded 1024-bit
// DSA generation path.
func GenerateDSA(keySize int) (*KeyPair, error) {
	if keySize != 1024 {
		return nil, fmt.Errorf("%w: dsa key size must be 1024, got %d", errs.ErrInvalidKeySize, keySize)
	}

	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		return nil, fmt.Errorf("keys: generate dsa parameters: %w", err)
	}
	var priv dsa.PrivateKey
	priv.Parameters = params
	if err := dsa.GenerateKey(&priv, rand.Reader); err != nil {
		return nil, fmt.Errorf("keys: generate dsa key: %w", err)
	}

	pubBlob := dsaPublicBlob(priv.P, priv.Q, priv.G, priv.Y)
	guard := lockDSA(&priv)

	return &KeyPair{
		Algo:    AlgoDSA,
		DSA:     &priv,
		pubBlob: pubBlob,
		guard:   guard,
	}, nil
}

// GenerateRSA generates a new RSA key pair sized in [1024, MaxKeySize],
// matching the original's MIN_KEYSIZE/MAX_KEYSIZE bounds.
func GenerateRSA(keySize int) (*KeyPair, error) {
	if keySize < 1024 || keySize > MaxKeySize {
		return nil, fmt.Errorf("%w: rsa key size must be in [1024, %d], got %d", errs.ErrInvalidKeySize, MaxKeySize, keySize)
	}

	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("keys: generate rsa key: %w", err)
	}
	priv.Precompute()

	e := big.NewInt(int64(priv.E))
	pubBlob := rsaPublicBlob(e, priv.N)
	guard := lockRSA(priv)

	return &KeyPair{
		Algo:    AlgoRSA,
		RSA:     priv,
		pubBlob: pubBlob,
		guard:   guard,
	}, nil
}
