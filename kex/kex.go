// Package kex implements the key-exchange engine: identification exchange
// is handled by package transport, so this package starts at KEXINIT
// negotiation and carries through Diffie-Hellman group1/group14-SHA1,
// exchange-hash computation, host-key verification, NEWKEYS, and key
// derivation, per spec.md §4.5. Grounded on
// other_examples/albertjin-ssh__dh.go's dhWith/calculateH, generalized
// from its single hardcoded RSA/aes128-cbc/sha1 pair to dispatch across
// both DH groups, both host-key algorithms, and the full sshcrypto
// cipher/MAC surface, and to support being invoked again for a rekey.
package kex

import (
	"crypto/dsa"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/netsieben/ne7ssh/errs"
	"github.com/netsieben/ne7ssh/sshcrypto"
	"github.com/netsieben/ne7ssh/transport"
	"github.com/netsieben/ne7ssh/wire"
)

const (
	msgKexInit    = 20
	msgNewKeys    = 21
	msgKexDHInit  = 30
	msgKexDHReply = 31
)

// MsgKexInit is the SSH_MSG_KEXINIT message number, exported so a caller
// dispatching a session's single shared packet stream (ne7ssh.Session.Run)
// can recognize a peer-initiated rekey without duplicating the constant.
const MsgKexInit = msgKexInit

// Algorithms is the set of name-lists offered in KEXINIT, per spec.md §4.5
// step 2.
type Algorithms struct {
	Kex         []string
	HostKey     []string
	CipherCtoS  []string
	CipherStoC  []string
	MACCtoS     []string
	MACStoC     []string
	CompCtoS    []string
	CompStoC    []string
}

// Default returns the algorithm preference lists this library offers,
// drawn from sshcrypto's supported cipher/MAC/DH surfaces.
func Default() Algorithms {
	ciphers := sshcrypto.KnownCiphers()
	macs := sshcrypto.KnownMACs()
	return Algorithms{
		Kex:        sshcrypto.KnownKexAlgorithms(),
		HostKey:    []string{"ssh-rsa", "ssh-dss"},
		CipherCtoS: ciphers,
		CipherStoC: ciphers,
		MACCtoS:    macs,
		MACStoC:    macs,
		CompCtoS:   []string{"none"},
		CompStoC:   []string{"none"},
	}
}

// ApplyPreference moves name to the front of list if present, implementing
// setOptions(preferredCipher, preferredMac) from spec.md §6.
func ApplyPreference(list []string, name string) []string {
	if name == "" {
		return list
	}
	found := false
	for _, n := range list {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return list
	}
	out := make([]string, 0, len(list))
	out = append(out, name)
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Negotiated holds the single algorithm chosen per slot.
type Negotiated struct {
	Kex        string
	HostKey    string
	CipherCtoS string
	CipherStoC string
	MACCtoS    string
	MACStoC    string
}

// Result is everything a completed key exchange produces.
type Result struct {
	SessionID   []byte
	H           []byte
	Negotiated  Negotiated
	HostKeyBlob []byte

	IVCtoS, IVStoC     []byte
	EncCtoS, EncStoC   []byte
	MACKeyCtoS, MACKeyStoC []byte
}

// HostKeyFunc is invoked with the raw host-key blob so the caller can
// apply its own trust policy; returning an error aborts the exchange with
// errs.ErrBadHostKey. spec.md §9 notes host-key trust management is
// delegated to the caller.
type HostKeyFunc func(blob []byte) error

// BuildKexInit renders a's name-lists as an SSH_MSG_KEXINIT payload with a
// fresh random cookie. Exported so internal/sshtest's mock server can emit
// KEXINIT without duplicating the wire layout.
func BuildKexInit(a Algorithms) []byte {
	b := wire.NewBuilder(256)
	b.PutUint8(msgKexInit)
	cookie := make([]byte, 16)
	_, _ = sshcrypto.DefaultRNG.Read(cookie)
	b.PutRaw(cookie)
	b.PutNameList(a.Kex)
	b.PutNameList(a.HostKey)
	b.PutNameList(a.CipherCtoS)
	b.PutNameList(a.CipherStoC)
	b.PutNameList(a.MACCtoS)
	b.PutNameList(a.MACStoC)
	b.PutNameList(a.CompCtoS)
	b.PutNameList(a.CompStoC)
	b.PutNameList(nil) // languages c->s
	b.PutNameList(nil) // languages s->c
	b.PutBool(false)   // first_kex_packet_follows
	b.PutUint32(0)      // reserved
	return b.Bytes()
}

// ParseKexInit decodes an SSH_MSG_KEXINIT payload's name-lists into an
// Algorithms value (CompCtoS/CompStoC are left empty; this library always
// negotiates "none"). Exported so internal/sshtest's mock server can
// negotiate against a real client without a second parser.
func ParseKexInit(payload []byte) (Algorithms, error) {
	var a Algorithms
	r := wire.NewReader(payload)
	msgType, err := r.Uint8()
	if err != nil || msgType != msgKexInit {
		return a, fmt.Errorf("%w: expected KEXINIT", errs.ErrMalformedPacket)
	}
	if _, err := r.Raw(16); err != nil {
		return a, err
	}

	fields := []*[]string{&a.Kex, &a.HostKey, &a.CipherCtoS, &a.CipherStoC, &a.MACCtoS, &a.MACStoC}
	for _, f := range fields {
		list, err := r.NameList()
		if err != nil {
			return a, err
		}
		*f = list
	}
	// compCtoS, compStoC, languagesCtoS, languagesStoC, first_kex_packet_follows, reserved
	for i := 0; i < 4; i++ {
		if _, err := r.NameList(); err != nil {
			return a, err
		}
	}
	if _, err := r.Bool(); err != nil {
		return a, err
	}
	if _, err := r.Uint32(); err != nil {
		return a, err
	}
	return a, nil
}

// pickFirst returns the first entry of client present in server, per
// spec.md §4.5 step 2's client-priority negotiation rule.
func pickFirst(client, server []string) (string, error) {
	set := make(map[string]bool, len(server))
	for _, s := range server {
		set[s] = true
	}
	for _, c := range client {
		if set[c] {
			return c, nil
		}
	}
	return "", errs.ErrNoCommonAlgorithm
}

// Negotiate picks one algorithm per slot by client priority: ours is the
// client's list, theirs is the server's. Exported so internal/sshtest's
// mock server can compute the same negotiated set the real client will
// arrive at, by calling Negotiate(clientAlgos, serverAlgos).
func Negotiate(ours, theirs Algorithms) (Negotiated, error) {
	var n Negotiated
	var err error
	if n.Kex, err = pickFirst(ours.Kex, theirs.Kex); err != nil {
		return n, err
	}
	if n.HostKey, err = pickFirst(ours.HostKey, theirs.HostKey); err != nil {
		return n, err
	}
	if n.CipherCtoS, err = pickFirst(ours.CipherCtoS, theirs.CipherCtoS); err != nil {
		return n, err
	}
	if n.CipherStoC, err = pickFirst(ours.CipherStoC, theirs.CipherStoC); err != nil {
		return n, err
	}
	if n.MACCtoS, err = pickFirst(ours.MACCtoS, theirs.MACCtoS); err != nil {
		return n, err
	}
	if n.MACStoC, err = pickFirst(ours.MACStoC, theirs.MACStoC); err != nil {
		return n, err
	}
	return n, nil
}

// Run performs the initial key exchange over t, returning the derived keys
// and negotiated algorithm set.
func Run(t *transport.Transport, ours Algorithms, hostKeyCheck HostKeyFunc) (*Result, error) {
	ourKexInit := BuildKexInit(ours)
	if err := t.WritePacket(ourKexInit); err != nil {
		return nil, err
	}

	peerPayload, err := t.ReadPacket()
	if err != nil {
		return nil, err
	}
	return continueKex(t, ours, hostKeyCheck, nil, ourKexInit, peerPayload)
}

// Rekey performs a rekey exchange over t for a KEXINIT the caller already
// read off the wire (peerInitPayload) before recognizing it as the start
// of a rekey rather than a connection-protocol message — the inbound half
// of the (rekeying ↔ open) transition spec.md's session state machine
// names. prevSessionID must be the session's original session identifier,
// since only the first exchange's H ever becomes the session id (spec.md
// §4.5 step 4).
func Rekey(t *transport.Transport, ours Algorithms, hostKeyCheck HostKeyFunc, prevSessionID, peerInitPayload []byte) (*Result, error) {
	ourKexInit := BuildKexInit(ours)
	if err := t.WritePacket(ourKexInit); err != nil {
		return nil, err
	}
	return continueKex(t, ours, hostKeyCheck, prevSessionID, ourKexInit, peerInitPayload)
}

// continueKex carries a key exchange from a pair of already-exchanged
// KEXINIT payloads through negotiation, DH, host-key verification, and
// NEWKEYS, shared by Run's initial exchange and Rekey's.
func continueKex(t *transport.Transport, ours Algorithms, hostKeyCheck HostKeyFunc, prevSessionID, ourKexInit, peerPayload []byte) (*Result, error) {
	peer, err := ParseKexInit(peerPayload)
	if err != nil {
		return nil, err
	}

	negotiated, err := Negotiate(ours, peer)
	if err != nil {
		return nil, err
	}

	group, ok := sshcrypto.Groups[negotiated.Kex]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported kex method %q", errs.ErrNoCommonAlgorithm, negotiated.Kex)
	}

	x, e, err := group.GeneratePrivate(sshcrypto.DefaultRNG)
	if err != nil {
		return nil, err
	}

	initMsg := wire.NewBuilder(64)
	initMsg.PutUint8(msgKexDHInit)
	initMsg.PutMPInt(e)
	if err := t.WritePacket(initMsg.Bytes()); err != nil {
		return nil, err
	}

	replyPayload, err := t.ReadPacket()
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(replyPayload)
	msgType, err := r.Uint8()
	if err != nil || msgType != msgKexDHReply {
		return nil, fmt.Errorf("%w: expected KEXDH_REPLY", errs.ErrMalformedPacket)
	}
	hostKeyBlob, err := r.String()
	if err != nil {
		return nil, err
	}
	fBytes, err := r.String()
	if err != nil {
		return nil, err
	}
	sigBlob, err := r.String()
	if err != nil {
		return nil, err
	}
	f, err := wire.DecodeMPInt(fBytes)
	if err != nil {
		return nil, err
	}

	if hostKeyCheck != nil {
		if err := hostKeyCheck(hostKeyBlob); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrBadHostKey, err)
		}
	}

	K := group.SharedSecret(x, f)

	H := ExchangeHash(t.OurIdent, t.PeerIdent, ourKexInit, peerPayload, hostKeyBlob, e, f, K)

	if err := verifyHostKeySignature(hostKeyBlob, sigBlob, H); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBadHostKey, err)
	}

	sessionID := prevSessionID
	if sessionID == nil {
		sessionID = H
	}

	if err := t.WritePacket([]byte{msgNewKeys}); err != nil {
		return nil, err
	}
	newKeysPayload, err := t.ReadPacket()
	if err != nil {
		return nil, err
	}
	if len(newKeysPayload) != 1 || newKeysPayload[0] != msgNewKeys {
		return nil, fmt.Errorf("%w: expected NEWKEYS", errs.ErrMalformedPacket)
	}

	km := DeriveKeys(negotiated, K, H, sessionID)
	res := &Result{
		SessionID:   sessionID,
		H:           H,
		Negotiated:  negotiated,
		HostKeyBlob: hostKeyBlob,
		IVCtoS:      km.IVCtoS,
		IVStoC:      km.IVStoC,
		EncCtoS:     km.EncCtoS,
		EncStoC:     km.EncStoC,
		MACKeyCtoS:  km.MACKeyCtoS,
		MACKeyStoC:  km.MACKeyStoC,
	}

	return res, nil
}

// KeyMaterial is the six session keys one key exchange derives.
type KeyMaterial struct {
	IVCtoS, IVStoC         []byte
	EncCtoS, EncStoC       []byte
	MACKeyCtoS, MACKeyStoC []byte
}

// DeriveKeys derives all six session keys for negotiated from the shared
// secret K, exchange hash H, and session id, per spec.md §4.5's iterated
// key-derivation scheme. Exported so internal/sshtest's mock server can
// activate the same keys the real client derives.
func DeriveKeys(n Negotiated, K *big.Int, H, sessionID []byte) KeyMaterial {
	return KeyMaterial{
		IVCtoS:     deriveKey('A', K, H, sessionID, sshcrypto.BlockSize(n.CipherCtoS)),
		IVStoC:     deriveKey('B', K, H, sessionID, sshcrypto.BlockSize(n.CipherStoC)),
		EncCtoS:    deriveKey('C', K, H, sessionID, sshcrypto.KeySize(n.CipherCtoS)),
		EncStoC:    deriveKey('D', K, H, sessionID, sshcrypto.KeySize(n.CipherStoC)),
		MACKeyCtoS: deriveKey('E', K, H, sessionID, sshcrypto.MACSize(n.MACCtoS)),
		MACKeyStoC: deriveKey('F', K, H, sessionID, sshcrypto.MACSize(n.MACStoC)),
	}
}

// ExchangeHash computes H = SHA1(vc||vs||ic||is||hostKeyBlob||mpint(e)||
// mpint(f)||mpint(k)), per spec.md §4.5 step 3. Exported so
// internal/sshtest's mock server computes the identical hash the real
// client does when verifying host-key signatures.
func ExchangeHash(vc, vs string, ic, is []byte, hostKeyBlob []byte, e, f, k *big.Int) []byte {
	b := wire.NewBuilder(len(vc) + len(vs) + len(ic) + len(is) + len(hostKeyBlob) + 128)
	b.PutStringS(vc)
	b.PutStringS(vs)
	b.PutString(ic)
	b.PutString(is)
	b.PutString(hostKeyBlob)
	b.PutMPInt(e)
	b.PutMPInt(f)
	b.PutMPInt(k)
	return sshcrypto.SHA1Sum(b.Bytes())
}

// deriveKey implements spec.md §4.5's iterated key-derivation scheme:
// K1 = HASH(K||H||X||session_id), Kn+1 = HASH(K||H||K1||...||Kn), truncated
// to length bytes.
func deriveKey(letter byte, K *big.Int, H, sessionID []byte, length int) []byte {
	if length <= 0 {
		return nil
	}
	kMPInt := wire.EncodeMPInt(K)

	seed := wire.NewBuilder(len(kMPInt) + 4 + len(H) + 1 + len(sessionID))
	seed.PutString(kMPInt)
	seed.PutRaw(H)
	seed.PutUint8(letter)
	seed.PutRaw(sessionID)
	block := sshcrypto.SHA1Sum(seed.Bytes())

	out := append([]byte(nil), block...)
	for len(out) < length {
		next := wire.NewBuilder(len(kMPInt) + 4 + len(H) + len(out))
		next.PutString(kMPInt)
		next.PutRaw(H)
		next.PutRaw(out)
		block = sshcrypto.SHA1Sum(next.Bytes())
		out = append(out, block...)
	}
	return out[:length]
}

func verifyHostKeySignature(hostKeyBlob, sigBlob, H []byte) error {
	algo, pub, err := parseHostKeyBlob(hostKeyBlob)
	if err != nil {
		return err
	}

	sr := wire.NewReader(sigBlob)
	sigAlgo, err := sr.StringS()
	if err != nil {
		return err
	}
	sigData, err := sr.String()
	if err != nil {
		return err
	}
	if sigAlgo != algo {
		return fmt.Errorf("signature algorithm %q does not match host key algorithm %q", sigAlgo, algo)
	}

	digest := sshcrypto.SHA1Sum(H)
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return sshcrypto.VerifyRSA(p, digest, sigData)
	case *dsa.PublicKey:
		return sshcrypto.VerifyDSA(p, digest, sigData)
	default:
		return fmt.Errorf("unsupported host key algorithm %q", algo)
	}
}

func parseHostKeyBlob(blob []byte) (string, any, error) {
	r := wire.NewReader(blob)
	algo, err := r.StringS()
	if err != nil {
		return "", nil, err
	}
	switch algo {
	case "ssh-rsa":
		e, err := r.MPInt()
		if err != nil {
			return "", nil, err
		}
		n, err := r.MPInt()
		if err != nil {
			return "", nil, err
		}
		return algo, &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "ssh-dss":
		p, err := r.MPInt()
		if err != nil {
			return "", nil, err
		}
		q, err := r.MPInt()
		if err != nil {
			return "", nil, err
		}
		g, err := r.MPInt()
		if err != nil {
			return "", nil, err
		}
		y, err := r.MPInt()
		if err != nil {
			return "", nil, err
		}
		return algo, &dsa.PublicKey{Parameters: dsa.Parameters{P: p, Q: q, G: g}, Y: y}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported host key algorithm %q", errs.ErrBadHostKey, algo)
	}
}
