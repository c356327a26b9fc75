// Package channel implements the RFC 4254 connection protocol's channel
// multiplexer: session-channel open, per-channel flow-control windows,
// data/extended-data delivery, EOF/close sequencing, and session requests
// (pty-req/shell/exec/subsystem), per spec.md §4.7. Grounded on
// other_examples/albertjin-ssh__client-connection.go's handlePacket switch
// over channel message types, generalized from direct struct-field mutation
// under a single-threaded event loop to a mutex-guarded registry, since
// this library's worker goroutine and the application's blocking calls
// touch the same channel state from different goroutines.
package channel

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netsieben/ne7ssh/errs"
	"github.com/netsieben/ne7ssh/transport"
	"github.com/netsieben/ne7ssh/wire"
)

const (
	msgGlobalRequest          = 80
	msgRequestSuccess         = 81
	msgRequestFailure         = 82
	msgChannelOpen            = 90
	msgChannelOpenConfirm     = 91
	msgChannelOpenFailure     = 92
	msgChannelWindowAdjust    = 93
	msgChannelData            = 94
	msgChannelExtendedData    = 95
	msgChannelEOF             = 96
	msgChannelClose           = 97
	msgChannelRequest         = 98
	msgChannelSuccess         = 99
	msgChannelFailure         = 100

	// InitialWindow and MaxPacket are this library's advertised receive
	// window and maximum packet size, per spec.md §4.7.
	InitialWindow = 0x7FFFFFFF
	MaxPacket     = 0x4000

	extendedDataStderr = 1
)

// state is the channel lifecycle spec.md §4.9 names.
type state int

const (
	stateIdle state = iota
	stateOpenSent
	stateOpen
	stateEOFSent
	stateCloseSent
	stateClosed
)

// Channel is one multiplexed RFC 4254 channel.
type Channel struct {
	mu sync.Mutex

	localID  uint32
	remoteID uint32

	localWindow  uint32
	peerWindow   uint32
	peerMaxPacket uint32

	state state

	recvBuf   bytes.Buffer
	stderrBuf bytes.Buffer
	openErr   error
	opened    chan struct{}
	closed    chan struct{}
}

// Mux owns the registry of live channels for one session's transport.
type Mux struct {
	mu     sync.Mutex
	t      *transport.Transport
	nextID uint32
	byID   map[uint32]*Channel
}

// NewMux constructs an empty channel registry bound to t.
func NewMux(t *transport.Transport) *Mux {
	return &Mux{t: t, byID: make(map[uint32]*Channel)}
}

// Open sends SSH_MSG_CHANNEL_OPEN type "session" with a fresh local id and
// blocks for CHANNEL_OPEN_CONFIRMATION/_FAILURE, per spec.md §4.7.
func (m *Mux) Open(ctx context.Context) (*Channel, error) {
	ch := &Channel{
		localWindow: InitialWindow,
		state:       stateOpenSent,
		opened:      make(chan struct{}),
		closed:      make(chan struct{}),
	}

	m.mu.Lock()
	ch.localID = m.nextID
	m.nextID++
	m.byID[ch.localID] = ch
	m.mu.Unlock()

	b := wire.NewBuilder(64)
	b.PutUint8(msgChannelOpen)
	b.PutStringS("session")
	b.PutUint32(ch.localID)
	b.PutUint32(InitialWindow)
	b.PutUint32(MaxPacket)
	m.t.RLockWrite()
	err := m.t.WritePacket(b.Bytes())
	m.t.RUnlockWrite()
	if err != nil {
		return nil, err
	}

	select {
	case <-ch.opened:
		if ch.openErr != nil {
			m.mu.Lock()
			delete(m.byID, ch.localID)
			m.mu.Unlock()
			return nil, ch.openErr
		}
		return ch, nil
	case <-ctx.Done():
		return nil, errs.ErrTimeout
	}
}

// Request sends SSH_MSG_CHANNEL_REQUEST on ch with the given type and
// request-specific payload (already wire-encoded), per spec.md §4.7's
// pty-req/shell/exec/subsystem requests.
func (m *Mux) Request(ch *Channel, requestType string, wantReply bool, payload []byte) error {
	b := wire.NewBuilder(len(requestType) + len(payload) + 16)
	b.PutUint8(msgChannelRequest)
	b.PutUint32(ch.remoteID)
	b.PutStringS(requestType)
	b.PutBool(wantReply)
	b.PutRaw(payload)
	m.t.RLockWrite()
	defer m.t.RUnlockWrite()
	return m.t.WritePacket(b.Bytes())
}

// PtyReq builds the pty-req payload: term, dimensions, and empty modes,
// per spec.md §4.7.
func PtyReq(term string, cols, rows, widthPx, heightPx uint32) []byte {
	b := wire.NewBuilder(32 + len(term))
	b.PutStringS(term)
	b.PutUint32(cols)
	b.PutUint32(rows)
	b.PutUint32(widthPx)
	b.PutUint32(heightPx)
	b.PutString(nil) // empty encoded terminal modes
	return b.Bytes()
}

// ExecPayload builds the exec request payload: the command string.
func ExecPayload(command string) []byte {
	return wire.NewBuilder(4 + len(command)).PutStringS(command).Bytes()
}

// SubsystemPayload builds the subsystem request payload: the subsystem name.
func SubsystemPayload(name string) []byte {
	return wire.NewBuilder(4 + len(name)).PutStringS(name).Bytes()
}

// Send splits data into chunks no larger than min(peer window, peer max
// packet) and emits SSH_MSG_CHANNEL_DATA for each, blocking when the peer
// window is exhausted until a WINDOW_ADJUST arrives or ctx expires, per
// spec.md §4.7's data path.
func (m *Mux) Send(ctx context.Context, ch *Channel, data []byte) error {
	for len(data) > 0 {
		ch.mu.Lock()
		for ch.peerWindow == 0 && ch.state == stateOpen {
			ch.mu.Unlock()
			select {
			case <-ctx.Done():
				return errs.ErrTimeout
			case <-time.After(5 * time.Millisecond):
			}
			ch.mu.Lock()
		}
		if ch.state != stateOpen {
			ch.mu.Unlock()
			return errs.ErrChannelClosed
		}

		chunk := uint32(len(data))
		if chunk > ch.peerWindow {
			chunk = ch.peerWindow
		}
		if chunk > ch.peerMaxPacket {
			chunk = ch.peerMaxPacket
		}
		ch.peerWindow -= chunk
		remoteID := ch.remoteID
		ch.mu.Unlock()

		b := wire.NewBuilder(int(chunk) + 16)
		b.PutUint8(msgChannelData)
		b.PutUint32(remoteID)
		b.PutString(data[:chunk])
		m.t.RLockWrite()
		err := m.t.WritePacket(b.Bytes())
		m.t.RUnlockWrite()
		if err != nil {
			return err
		}
		data = data[chunk:]
	}
	return nil
}

// Read drains and returns whatever has accumulated in ch's receive buffer.
func (ch *Channel) Read() []byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := append([]byte(nil), ch.recvBuf.Bytes()...)
	ch.recvBuf.Reset()
	return out
}

// Peek returns the accumulated receive buffer without draining it.
func (ch *Channel) Peek() []byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]byte(nil), ch.recvBuf.Bytes()...)
}

// Stderr returns a snapshot of the extended-data (stderr) stream received
// so far, without draining it. Extended-data is merged into the main
// receive buffer by default; this accessor is for callers that want the
// stderr stream separately, per spec.md §9 design note (b).
func (ch *Channel) Stderr() []byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]byte(nil), ch.stderrBuf.Bytes()...)
}

// WaitFor polls ch's receive buffer for needle, returning true on first
// occurrence, or false on timeout. A timeout of 0 polls once, per
// spec.md §4.7.
func (ch *Channel) WaitFor(needle string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		ch.mu.Lock()
		found := bytes.Contains(ch.recvBuf.Bytes(), []byte(needle))
		ch.mu.Unlock()
		if found {
			return true
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close sends EOF then CLOSE and waits for the peer's CLOSE, per
// spec.md §4.7's closing sequence.
func (m *Mux) Close(ctx context.Context, ch *Channel) error {
	ch.mu.Lock()
	if ch.state == stateClosed || ch.state == stateCloseSent {
		ch.mu.Unlock()
		return nil
	}
	remoteID := ch.remoteID
	ch.state = stateEOFSent
	ch.mu.Unlock()

	eof := wire.NewBuilder(8)
	eof.PutUint8(msgChannelEOF)
	eof.PutUint32(remoteID)
	m.t.RLockWrite()
	err := m.t.WritePacket(eof.Bytes())
	m.t.RUnlockWrite()
	if err != nil {
		return err
	}

	closeMsg := wire.NewBuilder(8)
	closeMsg.PutUint8(msgChannelClose)
	closeMsg.PutUint32(remoteID)
	ch.mu.Lock()
	ch.state = stateCloseSent
	ch.mu.Unlock()
	m.t.RLockWrite()
	err = m.t.WritePacket(closeMsg.Bytes())
	m.t.RUnlockWrite()
	if err != nil {
		return err
	}

	select {
	case <-ch.closed:
		return nil
	case <-ctx.Done():
		return errs.ErrTimeout
	}
}

// HandlePacket dispatches one connection-protocol payload read from the
// transport, updating channel state and window accounting, per
// spec.md §4.7. Unknown local ids are silently dropped.
func (m *Mux) HandlePacket(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty connection-protocol packet", errs.ErrMalformedPacket)
	}
	r := wire.NewReader(payload[1:])
	msgType := payload[0]

	switch msgType {
	case msgChannelOpenConfirm:
		localID, err := r.Uint32()
		if err != nil {
			return err
		}
		remoteID, err := r.Uint32()
		if err != nil {
			return err
		}
		remoteWindow, err := r.Uint32()
		if err != nil {
			return err
		}
		remoteMaxPacket, err := r.Uint32()
		if err != nil {
			return err
		}
		ch := m.get(localID)
		if ch == nil {
			return nil
		}
		ch.mu.Lock()
		ch.state = stateOpen
		ch.remoteID = remoteID
		ch.peerWindow = remoteWindow
		ch.peerMaxPacket = remoteMaxPacket
		ch.mu.Unlock()
		close(ch.opened)

	case msgChannelOpenFailure:
		localID, err := r.Uint32()
		if err != nil {
			return err
		}
		reason, err := r.Uint32()
		if err != nil {
			return err
		}
		desc, _ := r.StringS()
		ch := m.get(localID)
		m.delete(localID)
		if ch == nil {
			return nil
		}
		ch.openErr = fmt.Errorf("%w: reason %d: %s", errs.ErrChannelOpenRejected, reason, desc)
		close(ch.opened)

	case msgChannelWindowAdjust:
		localID, err := r.Uint32()
		if err != nil {
			return err
		}
		adj, err := r.Uint32()
		if err != nil {
			return err
		}
		ch := m.get(localID)
		if ch == nil {
			return nil
		}
		ch.mu.Lock()
		ch.peerWindow += adj
		ch.mu.Unlock()

	case msgChannelData:
		localID, err := r.Uint32()
		if err != nil {
			return err
		}
		data, err := r.String()
		if err != nil {
			return err
		}
		ch := m.get(localID)
		if ch == nil {
			return nil
		}
		m.deliverData(ch, data, false)

	case msgChannelExtendedData:
		localID, err := r.Uint32()
		if err != nil {
			return err
		}
		if _, err := r.Uint32(); err != nil { // data type code, merged regardless of value
			return err
		}
		data, err := r.String()
		if err != nil {
			return err
		}
		ch := m.get(localID)
		if ch == nil {
			return nil
		}
		// extended-data (stderr) is merged into the main buffer by
		// default, and also kept separately for Stderr(), per
		// spec.md §9 design note (b).
		m.deliverData(ch, data, true)

	case msgChannelEOF:
		localID, err := r.Uint32()
		if err != nil {
			return err
		}
		_ = m.get(localID)

	case msgChannelClose:
		localID, err := r.Uint32()
		if err != nil {
			return err
		}
		ch := m.get(localID)
		if ch == nil {
			return nil
		}
		ch.mu.Lock()
		alreadyClosing := ch.state == stateCloseSent
		remoteID := ch.remoteID
		ch.state = stateClosed
		ch.mu.Unlock()
		m.delete(localID)
		var replyErr error
		if !alreadyClosing {
			// unsolicited CLOSE from the peer jumps directly to
			// close_sent: answer it with our own CLOSE, per spec.md §4.9.
			closeMsg := wire.NewBuilder(8)
			closeMsg.PutUint8(msgChannelClose)
			closeMsg.PutUint32(remoteID)
			m.t.RLockWrite()
			replyErr = m.t.WritePacket(closeMsg.Bytes())
			m.t.RUnlockWrite()
		}
		select {
		case <-ch.closed:
		default:
			close(ch.closed)
		}
		if replyErr != nil {
			return replyErr
		}

	case msgChannelRequest, msgChannelSuccess, msgChannelFailure, msgGlobalRequest, msgRequestSuccess, msgRequestFailure:
		// session requests sent with wantReply=false per spec.md §4.7;
		// replies to them, and any global requests from the server,
		// are not actionable here.

	default:
		return fmt.Errorf("%w: unknown connection-protocol message type %d", errs.ErrMalformedPacket, msgType)
	}
	return nil
}

// deliverData appends data to ch's receive buffer (and, if extended, its
// separate stderr buffer), decrementing the local window, and emits a
// WINDOW_ADJUST once the window falls below half its initial size, per
// spec.md §4.7.
func (m *Mux) deliverData(ch *Channel, data []byte, extended bool) {
	ch.mu.Lock()
	ch.recvBuf.Write(data)
	if extended {
		ch.stderrBuf.Write(data)
	}
	if uint32(len(data)) > ch.localWindow {
		ch.localWindow = 0
	} else {
		ch.localWindow -= uint32(len(data))
	}
	needAdjust := ch.localWindow < InitialWindow/2
	adjustBy := InitialWindow - ch.localWindow
	remoteID := ch.remoteID
	ch.mu.Unlock()

	if needAdjust {
		adj := wire.NewBuilder(8)
		adj.PutUint8(msgChannelWindowAdjust)
		adj.PutUint32(remoteID)
		adj.PutUint32(adjustBy)
		m.t.RLockWrite()
		err := m.t.WritePacket(adj.Bytes())
		m.t.RUnlockWrite()
		if err == nil {
			ch.mu.Lock()
			ch.localWindow = InitialWindow
			ch.mu.Unlock()
		}
	}
}

func (m *Mux) get(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *Mux) delete(id uint32) {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
}
