package sshcrypto

import (
	"crypto"
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"
)

// SignatureLengthError is raised when a DSA signature's raw r||s encoding
// is not exactly 40 bytes, per spec.md §4.3's "DSS sig MUST be exactly 40
// bytes" requirement — this is the one signature-shape invariant the
// caller needs to recognize by type, independent of the generic error
// strings the rest of this package returns.
type SignatureLengthError struct {
	Got int
}

func (e *SignatureLengthError) Error() string {
	return fmt.Sprintf("sshcrypto: DSS signature is %d bytes, want 40", e.Got)
}

// SignDSA signs digest (the SHA-1 of the signing data, per EMSA1(SHA-1))
// and returns the raw 40-byte r||s encoding required by RFC 4253 §6.6.
func SignDSA(priv *dsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := dsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 40)
	r.FillBytes(out[:20])
	s.FillBytes(out[20:])
	return out, nil
}

// VerifyDSA verifies a raw 40-byte r||s DSA signature over digest.
func VerifyDSA(pub *dsa.PublicKey, digest, sig []byte) error {
	if len(sig) != 40 {
		return &SignatureLengthError{Got: len(sig)}
	}
	r := new(big.Int).SetBytes(sig[:20])
	s := new(big.Int).SetBytes(sig[20:])
	if !dsa.Verify(pub, digest, r, s) {
		return fmt.Errorf("sshcrypto: DSA signature verification failed")
	}
	return nil
}

// SignRSA signs digest (the SHA-1 of the signing data) using EMSA3(SHA-1),
// i.e. PKCS#1 v1.5.
func SignRSA(priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest)
}

// VerifyRSA verifies an EMSA3(SHA-1)/PKCS#1 v1.5 signature over digest.
func VerifyRSA(pub *rsa.PublicKey, digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest, sig); err != nil {
		return fmt.Errorf("sshcrypto: RSA signature verification failed: %w", err)
	}
	return nil
}
