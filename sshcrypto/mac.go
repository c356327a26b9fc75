package sshcrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
)

// MACSpec describes one SSH MAC algorithm.
type MACSpec struct {
	Size   int
	newMAC func(key []byte) hash.Hash
}

// MACs enumerates the SSH MAC algorithms spec.md §4.2 lists.
var MACs = map[string]MACSpec{
	"hmac-sha1": {Size: 20, newMAC: func(key []byte) hash.Hash { return hmac.New(sha1.New, key) }},
	"hmac-md5":  {Size: 16, newMAC: func(key []byte) hash.Hash { return hmac.New(md5.New, key) }},
}

// KnownMACs returns the supported MAC names in a stable preference order.
func KnownMACs() []string {
	return []string{"hmac-md5", "hmac-sha1", "none"}
}

// MACSize returns the tag size for name, or 0 for "none".
func MACSize(name string) int {
	if spec, ok := MACs[name]; ok {
		return spec.Size
	}
	return 0
}

// NewMAC constructs the keyed MAC for name. "none" yields a nil hash.Hash
// and the transport layer must skip MAC computation entirely in that case.
func NewMAC(name string, key []byte) (hash.Hash, error) {
	if name == "" || name == "none" {
		return nil, nil
	}
	spec, ok := MACs[name]
	if !ok {
		return nil, fmt.Errorf("sshcrypto: unknown mac %q", name)
	}
	return spec.newMAC(key), nil
}
