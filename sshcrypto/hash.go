package sshcrypto

import "crypto/sha1"

// SHA1Sum hashes data with SHA-1, the only exchange/key-derivation hash
// spec.md's KEX methods use.
func SHA1Sum(data ...[]byte) []byte {
	h := sha1.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
