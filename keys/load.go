package keys

import (
	"crypto/dsa"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"strings"
	"syscall"

	"github.com/netsieben/ne7ssh/errs"
	"github.com/netsieben/ne7ssh/wire"
)

// Load reads a PEM-encoded DSA or RSA private key from path, matching
// original_source/src/ne7ssh_keys.cpp's getKeyPair: check file permissions,
// detect the header, decode the DER body, and refuse to return a zero-value
// field anywhere in the parsed key.
func Load(path string) (*KeyPair, error) {
	if err := checkKeyFilePermissions(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIOFile, err)
	}
	raw = []byte(strings.ReplaceAll(string(raw), "\r\n", "\n"))

	switch {
	case strings.HasPrefix(string(raw), headerDSA):
		return loadDSA(raw)
	case strings.HasPrefix(string(raw), headerRSA):
		return loadRSA(raw)
	default:
		return nil, fmt.Errorf("%w: unrecognized private key header", errs.ErrUnknownKeyFormat)
	}
}

func loadDSA(raw []byte) (*KeyPair, error) {
	if err := wire.ExpectHeaderFooter(raw, headerDSA, footerDSA); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnknownKeyFormat, err)
	}
	_, der, err := wire.DecodePEM(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedKey, err)
	}
	priv, err := decodeDSADER(der)
	if err != nil {
		return nil, err
	}

	pubBlob := dsaPublicBlob(priv.P, priv.Q, priv.G, priv.Y)
	guard := lockDSA(priv)

	return &KeyPair{
		Algo:    AlgoDSA,
		DSA:     priv,
		pubBlob: pubBlob,
		guard:   guard,
	}, nil
}

func loadRSA(raw []byte) (*KeyPair, error) {
	if err := wire.ExpectHeaderFooter(raw, headerRSA, footerRSA); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnknownKeyFormat, err)
	}
	_, der, err := wire.DecodePEM(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedKey, err)
	}
	priv, err := decodeRSADER(der)
	if err != nil {
		return nil, err
	}
	priv.Precompute()

	eBig := big.NewInt(int64(priv.E))
	pubBlob := rsaPublicBlob(eBig, priv.N)
	guard := lockRSA(priv)

	return &KeyPair{
		Algo:    AlgoRSA,
		RSA:     priv,
		pubBlob: pubBlob,
		guard:   guard,
	}, nil
}

// checkKeyFilePermissions refuses to load a private key that is readable
// or writable by anyone other than its owner, matching the original's
// S_IRWXG|S_IRWXO permission check. Skipped on Windows, which has no POSIX
// mode bits to check.
func checkKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOFile, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if stat.Mode&(syscall.S_IRWXG|syscall.S_IRWXO) != 0 {
		return fmt.Errorf("%w: %s is group/world accessible", errs.ErrInsecureKeyFile, path)
	}
	return nil
}

// SavePrivate writes k's PEM-encoded private key to path with 0600
// permissions, matching the original's writePrivateKey. The private
// scalar is rehydrated from k's locked buffer only for the instant it
// takes to re-encode it; see KeyPair.withScalar.
func SavePrivate(k *KeyPair, path string) error {
	var der []byte
	var blockType string

	err := k.withScalar(func(dsaPriv *dsa.PrivateKey, rsaPriv *rsa.PrivateKey) error {
		switch k.Algo {
		case AlgoDSA:
			blockType = "DSA PRIVATE KEY"
			encoded, err := encodeDSADER(dsaPriv)
			if err != nil {
				return fmt.Errorf("keys: encode private key: %w", err)
			}
			der = encoded
			return nil
		case AlgoRSA:
			blockType = "RSA PRIVATE KEY"
			der = encodeRSADER(rsaPriv)
			return nil
		default:
			return fmt.Errorf("keys: key pair has no algorithm set")
		}
	})
	if err != nil {
		return err
	}

	return os.WriteFile(path, wire.EncodePEM(blockType, der), 0600)
}

// SavePublic writes k's OpenSSH public-key line — "algo base64 comment\n" —
// to path, matching the original's writePublicKey output format.
func SavePublic(k *KeyPair, path, comment string) error {
	encoded := base64.StdEncoding.EncodeToString(k.PublicKeyBlob())
	line := fmt.Sprintf("%s %s %s\n", k.Algo, encoded, comment)
	return os.WriteFile(path, []byte(line), 0644)
}
