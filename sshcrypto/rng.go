package sshcrypto

import "crypto/rand"

// RNG is a cryptographically secure byte source. DHGroup.GeneratePrivate
// takes one as a parameter; KEXINIT cookies and packet padding read the
// process-wide DefaultRNG directly, and key generation and signing use
// crypto/rand.Reader.
type RNG interface {
	Read(p []byte) (n int, err error)
}

// SystemRNG wraps crypto/rand.Reader.
type SystemRNG struct{}

// Read implements RNG.
func (SystemRNG) Read(p []byte) (int, error) { return rand.Read(p) }

// DefaultRNG is the process-wide default, usable as the zero-configuration
// argument wherever a caller does not want to manage its own RNG instance.
var DefaultRNG RNG = SystemRNG{}
