package wire

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	b := NewBuilder(64)
	b.PutUint8(0xAB).PutUint32(0xDEADBEEF).PutUint64(0x0102030405060708).
		PutString([]byte("hello\x00world")).PutBool(true).PutBool(false).
		PutNameList([]string{"aes128-cbc", "3des-cbc"})

	r := NewReader(b.Bytes())

	u8, err := r.Uint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0xAB), u8)

	u32, err := r.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	s, err := r.String()
	require.NoError(t, err)
	require.Equal(t, []byte("hello\x00world"), s)

	bTrue, err := r.Bool()
	require.NoError(t, err)
	require.True(t, bTrue)

	bFalse, err := r.Bool()
	require.NoError(t, err)
	require.False(t, bFalse)

	names, err := r.NameList()
	require.NoError(t, err)
	require.Equal(t, []string{"aes128-cbc", "3des-cbc"}, names)

	require.Zero(t, r.Len())
}

func TestMPIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 127, 128, 255, 256, 1 << 30, -0}
	for _, c := range cases {
		n := big.NewInt(c)
		enc := EncodeMPInt(n)
		got, err := DecodeMPInt(enc)
		require.NoError(t, err)
		require.Equal(t, n.String(), got.String())
	}
}

func TestMPIntZeroIsEmptyString(t *testing.T) {
	enc := EncodeMPInt(new(big.Int))
	require.Empty(t, enc)

	b := NewBuilder(8)
	b.PutMPInt(new(big.Int))
	require.Equal(t, []byte{0, 0, 0, 0}, b.Bytes())
}

func TestMPIntHighBitGetsLeadingZero(t *testing.T) {
	// 0x80 has its high bit set, so the encoding must prepend 0x00.
	n := big.NewInt(0x80)
	enc := EncodeMPInt(n)
	require.Equal(t, []byte{0x00, 0x80}, enc)
}

func TestMPIntRejectsNonCanonicalEncoding(t *testing.T) {
	// Leading 0x00 followed by a byte whose high bit is clear is invalid:
	// the 0x00 was unnecessary, so a conforming encoder would have omitted it.
	_, err := DecodeMPInt([]byte{0x00, 0x01})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReaderShortReadIsMalformed(t *testing.T) {
	r := NewReader([]byte{0, 0, 0, 10, 1, 2})
	_, err := r.String()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNameListEmptyYieldsNil(t *testing.T) {
	b := NewBuilder(8)
	b.PutNameList(nil)
	r := NewReader(b.Bytes())
	names, err := r.NameList()
	require.NoError(t, err)
	require.Nil(t, names)
}

func TestPEMRoundTrip(t *testing.T) {
	der := []byte{0x30, 0x03, 0x02, 0x01, 0x00}
	encoded := EncodePEM("RSA PRIVATE KEY", der)
	typ, got, err := DecodePEM(encoded)
	require.NoError(t, err)
	require.Equal(t, "RSA PRIVATE KEY", typ)
	require.Equal(t, der, got)
}
