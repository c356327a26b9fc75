// Package keys implements the keypair subsystem: generating, loading, and
// saving PEM-encoded DSA/RSA private keys, producing and parsing the
// OpenSSH public-key blob format, and signing user-authentication
// challenges — grounded on original_source/src/ne7ssh_keys.cpp, translated
// from Botan's BigInt/DER calls into crypto/dsa, crypto/rsa,
// crypto/x509, and encoding/asn1.
package keys

import (
	"crypto/dsa"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/awnumar/memguard"
	"github.com/netsieben/ne7ssh/errs"
	"github.com/netsieben/ne7ssh/sshcrypto"
	"github.com/netsieben/ne7ssh/wire"
)

// MaxKeySize is the largest RSA key size this library will generate,
// matching the original's MAX_KEYSIZE guard.
const MaxKeySize = 8192

// Algo names an SSH public-key algorithm.
type Algo string

const (
	AlgoDSA Algo = "ssh-dss"
	AlgoRSA Algo = "ssh-rsa"
)

// KeyPair is the tagged DSA|RSA variant spec.md §9 calls for: owning
// pointers to polymorphic key objects become a sum type dispatched by
// exhaustive match, rather than an interface with one implementation per
// algorithm.
//
// DSA/RSA hold the public key at rest; their private scalar (X, or
// D/primes/CRT values) is zeroed as soon as the pair is constructed and
// lives only inside guard, the memguard-locked buffer. Sign and
// SavePrivate are the only places that rehydrate it, via withScalar.
type KeyPair struct {
	Algo Algo
	DSA  *dsa.PrivateKey
	RSA  *rsa.PrivateKey

	pubBlob []byte
	guard   *memguard.LockedBuffer
}

// PublicKeyBlob returns the cached OpenSSH public-key blob:
// string(algo) || mpint... per spec.md §4.3.
func (k *KeyPair) PublicKeyBlob() []byte {
	return append([]byte(nil), k.pubBlob...)
}

// Destroy releases the memguard-locked copy of the key's sensitive scalars,
// if one was allocated by Load, GenerateDSA or GenerateRSA. Safe to call
// multiple times.
func (k *KeyPair) Destroy() {
	if k.guard != nil {
		k.guard.Destroy()
		k.guard = nil
	}
}

// Sign produces string(algo) || string(sig) over
// string(sessionID) || signingData, per spec.md §4.3. DSA signatures that
// fail to land on exactly 40 raw bytes surface errs.ErrSignatureLength.
// The private scalar is rehydrated from k's locked buffer only for the
// duration of the underlying math/big signing call; see withScalar.
func (k *KeyPair) Sign(sessionID, signingData []byte) ([]byte, error) {
	b := wire.NewBuilder(len(sessionID) + len(signingData) + 4)
	b.PutString(sessionID)
	b.PutRaw(signingData)
	digest := sshcrypto.SHA1Sum(b.Bytes())

	var sigBlob []byte
	err := k.withScalar(func(dsaPriv *dsa.PrivateKey, rsaPriv *rsa.PrivateKey) error {
		switch k.Algo {
		case AlgoDSA:
			raw, err := sshcrypto.SignDSA(dsaPriv, digest)
			if err != nil {
				return err
			}
			if len(raw) != 40 {
				return fmt.Errorf("%w: dss signature is %d bytes", errs.ErrSignatureLength, len(raw))
			}
			out := wire.NewBuilder(len(raw) + 16)
			out.PutStringS(string(AlgoDSA))
			out.PutString(raw)
			sigBlob = out.Bytes()
			return nil
		case AlgoRSA:
			raw, err := sshcrypto.SignRSA(rsaPriv, digest)
			if err != nil {
				return err
			}
			out := wire.NewBuilder(len(raw) + 16)
			out.PutStringS(string(AlgoRSA))
			out.PutString(raw)
			sigBlob = out.Bytes()
			return nil
		default:
			return fmt.Errorf("keys: key pair has no algorithm set")
		}
	})
	if err != nil {
		return nil, err
	}
	return sigBlob, nil
}

// dsaPublicBlob renders string("ssh-dss") || mpint(p,q,g,y).
func dsaPublicBlob(p, q, g, y *big.Int) []byte {
	b := wire.NewBuilder(64)
	b.PutStringS(string(AlgoDSA))
	b.PutMPInt(p)
	b.PutMPInt(q)
	b.PutMPInt(g)
	b.PutMPInt(y)
	return b.Bytes()
}

// rsaPublicBlob renders string("ssh-rsa") || mpint(e) || mpint(n).
func rsaPublicBlob(e, n *big.Int) []byte {
	b := wire.NewBuilder(64)
	b.PutStringS(string(AlgoRSA))
	b.PutMPInt(e)
	b.PutMPInt(n)
	return b.Bytes()
}
