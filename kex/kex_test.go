package kex

import (
	"math/big"
	"testing"

	"github.com/netsieben/ne7ssh/errs"
	"github.com/netsieben/ne7ssh/sshcrypto"
	"github.com/stretchr/testify/require"
)

func TestPickFirstPrefersClientOrder(t *testing.T) {
	got, err := pickFirst([]string{"b", "a"}, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, "b", got)
}

func TestPickFirstNoCommonAlgorithm(t *testing.T) {
	_, err := pickFirst([]string{"a"}, []string{"b"})
	require.ErrorIs(t, err, errs.ErrNoCommonAlgorithm)
}

func TestApplyPreferenceMovesNameToFront(t *testing.T) {
	got := ApplyPreference([]string{"a", "b", "c"}, "c")
	require.Equal(t, []string{"c", "a", "b"}, got)
}

func TestDeriveKeyLengthAndDeterminism(t *testing.T) {
	K := big.NewInt(123456789)
	H := []byte("exchange-hash")
	sessionID := []byte("session-id")

	k1 := deriveKey('A', K, H, sessionID, 48)
	k2 := deriveKey('A', K, H, sessionID, 48)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 48)

	shorter := deriveKey('A', K, H, sessionID, 16)
	require.Equal(t, k1[:16], shorter)
}

func TestKexInitRoundTrip(t *testing.T) {
	algos := Default()
	payload := BuildKexInit(algos)
	parsed, err := ParseKexInit(payload)
	require.NoError(t, err)
	require.Equal(t, algos.Kex, parsed.Kex)
	require.Equal(t, algos.HostKey, parsed.HostKey)
}

func TestNegotiatePicksCommonAlgorithms(t *testing.T) {
	ours := Default()
	theirs := Algorithms{
		Kex:        []string{"diffie-hellman-group14-sha1"},
		HostKey:    []string{"ssh-rsa"},
		CipherCtoS: sshcrypto.KnownCiphers(),
		CipherStoC: sshcrypto.KnownCiphers(),
		MACCtoS:    sshcrypto.KnownMACs(),
		MACStoC:    sshcrypto.KnownMACs(),
	}
	n, err := Negotiate(ours, theirs)
	require.NoError(t, err)
	require.Equal(t, "diffie-hellman-group14-sha1", n.Kex)
	require.Equal(t, "ssh-rsa", n.HostKey)
}
