package sftp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplySymbolicModeAddsBits(t *testing.T) {
	got, err := applySymbolicMode(0644, "o+w")
	require.NoError(t, err)
	require.Equal(t, uint32(0646), got)
}

func TestApplySymbolicModeRemovesBits(t *testing.T) {
	got, err := applySymbolicMode(0777, "go-rwx")
	require.NoError(t, err)
	require.Equal(t, uint32(0700), got)
}

func TestApplySymbolicModeSetsExactBits(t *testing.T) {
	got, err := applySymbolicMode(0777, "a=r")
	require.NoError(t, err)
	require.Equal(t, uint32(0444), got)
}

func TestIsRegularFalseWithoutFileTypeBits(t *testing.T) {
	a := FileAttrs{Flags: AttrSize | AttrPermissions, Size: 12345, Permissions: 0644}
	require.True(t, a.IsRegular() == false) // 0644 with no S_IFREG bits set is not "regular" by this check
}

func TestIsEOFStatusDetectsEOFOnly(t *testing.T) {
	b := []byte{0, 0, 0, 1} // status code 1 == EOF, big-endian uint32
	require.True(t, isEOFStatus(fxpStatus, b))

	other := []byte{0, 0, 0, 2}
	require.False(t, isEOFStatus(fxpStatus, other))
	require.False(t, isEOFStatus(fxpData, b))
}
