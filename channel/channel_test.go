package channel

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/netsieben/ne7ssh/transport"
	"github.com/netsieben/ne7ssh/wire"
	"github.com/stretchr/testify/require"
)

func TestWaitForTimeoutZeroReturnsFalseWhenAbsent(t *testing.T) {
	ch := &Channel{}
	require.False(t, ch.WaitFor("needle", 0))
}

func TestWaitForFindsNeedleOnceWritten(t *testing.T) {
	ch := &Channel{}
	ch.recvBuf.WriteString("hello world")
	require.True(t, ch.WaitFor("world", 0))
	require.False(t, ch.WaitFor("absent", 0))
}

func TestReadDrainsBuffer(t *testing.T) {
	ch := &Channel{}
	ch.recvBuf.WriteString("payload")
	got := ch.Read()
	require.Equal(t, []byte("payload"), got)
	require.Empty(t, ch.Read())
}

func TestPtyReqEncodesFields(t *testing.T) {
	payload := PtyReq("xterm", 80, 24, 0, 0)
	require.NotEmpty(t, payload)

	r := wire.NewReader(payload)
	term, err := r.StringS()
	require.NoError(t, err)
	require.Equal(t, "xterm", term)
	cols, err := r.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(80), cols)
}

func TestMuxHandlesWindowAdjust(t *testing.T) {
	ch := &Channel{localID: 1, state: stateOpen, peerWindow: 100}
	m := &Mux{byID: map[uint32]*Channel{1: ch}}

	b := wire.NewBuilder(16)
	b.PutUint8(93) // msgChannelWindowAdjust
	b.PutUint32(1)
	b.PutUint32(50)
	require.NoError(t, m.HandlePacket(b.Bytes()))
	require.Equal(t, uint32(150), ch.peerWindow)
}

func TestMuxDropsUnknownChannelID(t *testing.T) {
	m := &Mux{byID: map[uint32]*Channel{}}
	b := wire.NewBuilder(16)
	b.PutUint8(93)
	b.PutUint32(99)
	b.PutUint32(10)
	require.NoError(t, m.HandlePacket(b.Bytes()))
}

// TestDeliverDataComputesAdjustUnderLock guards against a regression a
// maintainer review caught: the WINDOW_ADJUST amount must be derived from
// the same locked read that decides needAdjust, not from ch.localWindow
// re-read after ch.mu.Unlock. A successful write resetting localWindow to
// InitialWindow is only possible if the amount deliverData wrote was
// actually derived from the pre-reset window this call just computed.
func TestDeliverDataComputesAdjustUnderLock(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		if _, err := server.Write([]byte(transport.Ident + "\r\n")); err != nil {
			return
		}
		io.Copy(io.Discard, server)
	}()

	tr, err := transport.WrapConn(client)
	require.NoError(t, err)

	ch := &Channel{localID: 1, remoteID: 7, state: stateOpen, localWindow: 100}
	m := &Mux{t: tr, byID: map[uint32]*Channel{1: ch}}

	m.deliverData(ch, []byte("0123456789"), false)

	require.Equal(t, uint32(InitialWindow), ch.localWindow)
}
