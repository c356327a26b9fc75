// Package sshtest is a minimal single-session RFC 4253/4252/4254 server,
// used only by this library's own tests to exercise the client end-to-end
// without a real sshd. It is not part of the public API. Grounded on
// xtaci-qsh's server.go accept-loop/per-connection-goroutine shape
// (runServer/handleServerConn), repurposed from that file's QPP/HPPK
// handshake and PTY bridge onto the real RFC 4253 KEX/auth/connection
// protocol this library's client speaks — since spec.md's server-side
// Non-goal rules out a product server, but the literal end-to-end test
// scenarios in spec.md §8 require something that can play the server
// role in a test. It drives the handshake through package transport and
// package kex's exported helpers rather than reimplementing framing or
// key derivation, so the connection is genuinely encrypted post-NEWKEYS
// the same way a real server's would be.
package sshtest

import (
	"crypto/rsa"
	"fmt"
	"log"
	"math/big"
	"net"
	"sync"

	"github.com/netsieben/ne7ssh/kex"
	"github.com/netsieben/ne7ssh/sshcrypto"
	"github.com/netsieben/ne7ssh/transport"
	"github.com/netsieben/ne7ssh/wire"
)

const (
	msgKexDHInit  = 30
	msgKexDHReply = 31
	msgNewKeys    = 21

	msgServiceRequest  = 5
	msgServiceAccept   = 6
	msgUserAuthRequest = 50
	msgUserAuthSuccess = 52

	msgChannelOpen         = 90
	msgChannelOpenConfirm  = 91
	msgChannelWindowAdjust = 93
	msgChannelData         = 94
	msgChannelEOF          = 96
	msgChannelClose        = 97
	msgChannelRequest      = 98
	msgChannelSuccess      = 99
	msgChannelFailure      = 100

	// defaultOpenWindow/defaultOpenMaxPacket are what the server
	// advertises in CHANNEL_OPEN_CONFIRMATION unless a test overrides
	// Server.OpenWindow/OpenMaxPacket, matching channel.InitialWindow/
	// channel.MaxPacket.
	defaultOpenWindow    = 0x7FFFFFFF
	defaultOpenMaxPacket = 0x4000
)

// Server accepts a single TCP connection and drives it through a
// KEXINIT/DH/NEWKEYS handshake using a fixed RSA host key, then accepts
// any password and opens any requested channel, echoing back whatever
// data it receives on it. Echo=default; tests that need other behavior
// set OnChannelData.
type Server struct {
	ln       net.Listener
	HostKey  *rsa.PrivateKey
	EchoData bool

	// OpenWindow/OpenMaxPacket override the window/max-packet fields the
	// server advertises in CHANNEL_OPEN_CONFIRMATION, letting a test drive
	// spec.md §8 scenario 5's window/max-packet values; zero means use the
	// defaults above.
	OpenWindow    uint32
	OpenMaxPacket uint32

	OnChannelData func(t *transport.Transport, localID uint32, data []byte)

	filesMu sync.Mutex
	files   map[string][]byte
}

// New starts listening on a system-assigned loopback port. The server
// identifies itself with transport.Ident, the same string the real client
// uses, since this package's purpose is to exercise that client's
// transport layer, not a distinct server identity.
func New(hostKey *rsa.PrivateKey) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, HostKey: hostKey, EchoData: true, files: make(map[string][]byte)}, nil
}

// SetFile seeds the mock SFTP filesystem so a subsequent Get reads it back.
func (s *Server) SetFile(name string, data []byte) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	s.files[name] = append([]byte(nil), data...)
}

// File returns what a Put wrote to name, if anything.
func (s *Server) File(name string) ([]byte, bool) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

// Addr returns the listener's address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts exactly one connection and handles it, returning when the
// connection closes or an error occurs. Tests call this in a goroutine.
func (s *Server) Serve() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.handle(conn)
}

func (s *Server) handle(conn net.Conn) error {
	t, err := transport.WrapConn(conn)
	if err != nil {
		return err
	}

	serverAlgos := kex.Default()
	ourKexInit := kex.BuildKexInit(serverAlgos)
	if err := t.WritePacket(ourKexInit); err != nil {
		return err
	}
	peerKexInitPayload, err := t.ReadPacket()
	if err != nil {
		return err
	}
	clientAlgos, err := kex.ParseKexInit(peerKexInitPayload)
	if err != nil {
		return err
	}
	negotiated, err := kex.Negotiate(clientAlgos, serverAlgos)
	if err != nil {
		return err
	}

	initPayload, err := t.ReadPacket()
	if err != nil {
		return err
	}
	r := wire.NewReader(initPayload[1:])
	e, err := r.MPInt()
	if err != nil {
		return err
	}

	group, ok := sshcrypto.Groups[negotiated.Kex]
	if !ok {
		return fmt.Errorf("sshtest: unsupported kex method %q", negotiated.Kex)
	}
	y, f, err := group.GeneratePrivate(sshcrypto.DefaultRNG)
	if err != nil {
		return err
	}
	K := group.SharedSecret(y, e)

	hostKeyBlob := rsaHostKeyBlob(&s.HostKey.PublicKey)
	H := kex.ExchangeHash(t.PeerIdent, t.OurIdent, peerKexInitPayload, ourKexInit, hostKeyBlob, e, f, K)

	sig, err := sshcrypto.SignRSA(s.HostKey, sshcrypto.SHA1Sum(H))
	if err != nil {
		return err
	}
	sigBlob := wire.NewBuilder(len(sig) + 16)
	sigBlob.PutStringS("ssh-rsa")
	sigBlob.PutString(sig)

	reply := wire.NewBuilder(len(hostKeyBlob) + len(sig) + 64)
	reply.PutUint8(msgKexDHReply)
	reply.PutString(hostKeyBlob)
	reply.PutMPInt(f)
	reply.PutString(sigBlob.Bytes())
	if err := t.WritePacket(reply.Bytes()); err != nil {
		return err
	}

	if err := t.WritePacket([]byte{msgNewKeys}); err != nil {
		return err
	}
	if _, err := t.ReadPacket(); err != nil {
		return err
	}

	// H of this, the initial exchange, is the permanent session id, per
	// spec.md §4.5 step 4.
	sessionID := H
	km := kex.DeriveKeys(negotiated, K, H, sessionID)

	// The server's transmit direction is server-to-client, its receive
	// direction is client-to-server: the opposite pairing from the
	// client's own Transport.
	if err := t.SetCipherMAC(true, negotiated.CipherStoC, negotiated.MACStoC, km.EncStoC, km.IVStoC, km.MACKeyStoC); err != nil {
		return err
	}
	if err := t.SetCipherMAC(false, negotiated.CipherCtoS, negotiated.MACCtoS, km.EncCtoS, km.IVCtoS, km.MACKeyCtoS); err != nil {
		return err
	}

	openWindow := uint32(defaultOpenWindow)
	if s.OpenWindow != 0 {
		openWindow = s.OpenWindow
	}
	openMaxPacket := uint32(defaultOpenMaxPacket)
	if s.OpenMaxPacket != 0 {
		openMaxPacket = s.OpenMaxPacket
	}

	sftpChannels := make(map[uint32]*sftpSession)

	for {
		payload, err := t.ReadPacket()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		switch payload[0] {
		case msgServiceRequest:
			resp := wire.NewBuilder(32)
			resp.PutUint8(msgServiceAccept)
			resp.PutStringS("ssh-userauth")
			if err := t.WritePacket(resp.Bytes()); err != nil {
				return err
			}
		case msgUserAuthRequest:
			resp := wire.NewBuilder(4)
			resp.PutUint8(msgUserAuthSuccess)
			if err := t.WritePacket(resp.Bytes()); err != nil {
				return err
			}
		case msgChannelOpen:
			cr := wire.NewReader(payload[1:])
			_, _ = cr.StringS() // channel type
			localID, err := cr.Uint32()
			if err != nil {
				return err
			}
			confirm := wire.NewBuilder(32)
			confirm.PutUint8(msgChannelOpenConfirm)
			confirm.PutUint32(localID)
			confirm.PutUint32(localID)
			confirm.PutUint32(openWindow)
			confirm.PutUint32(openMaxPacket)
			if err := t.WritePacket(confirm.Bytes()); err != nil {
				return err
			}
		case msgChannelRequest:
			cr := wire.NewReader(payload[1:])
			localID, err := cr.Uint32()
			if err != nil {
				return err
			}
			reqType, err := cr.StringS()
			if err != nil {
				return err
			}
			wantReply, err := cr.Bool()
			if err != nil {
				return err
			}
			ok := true
			if reqType == "subsystem" {
				name, err := cr.StringS()
				if err != nil {
					return err
				}
				ok = name == "sftp"
				if ok {
					sftpChannels[localID] = newSftpSession(s)
				}
			}
			if wantReply {
				resp := wire.NewBuilder(8)
				if ok {
					resp.PutUint8(msgChannelSuccess)
				} else {
					resp.PutUint8(msgChannelFailure)
				}
				resp.PutUint32(localID)
				if err := t.WritePacket(resp.Bytes()); err != nil {
					return err
				}
			}
		case msgChannelData:
			cr := wire.NewReader(payload[1:])
			localID, err := cr.Uint32()
			if err != nil {
				return err
			}
			data, err := cr.String()
			if err != nil {
				return err
			}
			if sess, ok := sftpChannels[localID]; ok {
				if err := sess.feed(t, localID, data); err != nil {
					return err
				}
			} else if s.OnChannelData != nil {
				s.OnChannelData(t, localID, data)
			} else if s.EchoData {
				echo := wire.NewBuilder(len(data) + 16)
				echo.PutUint8(msgChannelData)
				echo.PutUint32(localID)
				echo.PutString(data)
				if err := t.WritePacket(echo.Bytes()); err != nil {
					return err
				}
			}
			// Replenish what was just consumed so a client with a small
			// advertised window (spec.md §8 scenario 5) can resume a
			// paused chunked Send.
			adjust := wire.NewBuilder(8)
			adjust.PutUint8(msgChannelWindowAdjust)
			adjust.PutUint32(localID)
			adjust.PutUint32(uint32(len(data)))
			if err := t.WritePacket(adjust.Bytes()); err != nil {
				return err
			}
		case msgChannelEOF:
			// no action needed; the real transition happens on CLOSE.
		case msgChannelClose:
			cr := wire.NewReader(payload[1:])
			localID, err := cr.Uint32()
			if err != nil {
				return err
			}
			delete(sftpChannels, localID)
			closeMsg := wire.NewBuilder(8)
			closeMsg.PutUint8(msgChannelClose)
			closeMsg.PutUint32(localID)
			return t.WritePacket(closeMsg.Bytes())
		default:
			log.Printf("sshtest: ignoring message type %d", payload[0])
		}
	}
}

func rsaHostKeyBlob(pub *rsa.PublicKey) []byte {
	b := wire.NewBuilder(64)
	b.PutStringS("ssh-rsa")
	b.PutMPInt(big.NewInt(int64(pub.E)))
	b.PutMPInt(pub.N)
	return b.Bytes()
}
