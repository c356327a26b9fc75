// Package auth implements the RFC 4252 user authentication protocol:
// requesting the "ssh-userauth" service, then attempting the password or
// publickey method, per spec.md §4.6. Grounded on RFC 4252 §7-8 and
// cross-checked against original_source/src/ne7ssh_keys.cpp's
// generateDSASignature/generateRSASignature for the exact byte layout a
// publickey signature covers.
package auth

import (
	"fmt"

	"github.com/netsieben/ne7ssh/errs"
	"github.com/netsieben/ne7ssh/keys"
	"github.com/netsieben/ne7ssh/transport"
	"github.com/netsieben/ne7ssh/wire"
)

const (
	msgServiceRequest    = 5
	msgServiceAccept     = 6
	msgUserAuthRequest   = 50
	msgUserAuthFailure   = 51
	msgUserAuthSuccess   = 52
	msgUserAuthBanner    = 53
	msgUserAuthPKOK      = 60
)

// Result records a successful attempt and any banner text the server sent
// along the way. A failed attempt yields no Result; it is reported as an
// *errs.AuthFailedError carrying the partial-success bit and allowed methods.
type Result struct {
	Success  bool
	Banners  []string
}

// RequestService sends SSH_MSG_SERVICE_REQUEST "ssh-userauth" and waits for
// SSH_MSG_SERVICE_ACCEPT, per spec.md §4.6.
func RequestService(t *transport.Transport) error {
	b := wire.NewBuilder(32)
	b.PutUint8(msgServiceRequest)
	b.PutStringS("ssh-userauth")
	if err := t.WritePacket(b.Bytes()); err != nil {
		return err
	}

	payload, err := t.ReadPacket()
	if err != nil {
		return err
	}
	r := wire.NewReader(payload)
	msgType, err := r.Uint8()
	if err != nil || msgType != msgServiceAccept {
		return fmt.Errorf("%w: expected SERVICE_ACCEPT", errs.ErrMalformedPacket)
	}
	return nil
}

// Password attempts SSH_MSG_USERAUTH_REQUEST with the "password" method,
// per spec.md §4.6.
func Password(t *transport.Transport, user, password string) (*Result, error) {
	b := wire.NewBuilder(len(user) + len(password) + 64)
	b.PutUint8(msgUserAuthRequest)
	b.PutStringS(user)
	b.PutStringS("ssh-connection")
	b.PutStringS("password")
	b.PutBool(false)
	b.PutStringS(password)
	if err := t.WritePacket(b.Bytes()); err != nil {
		return nil, err
	}
	return readUntilOutcome(t)
}

// Publickey attempts SSH_MSG_USERAUTH_REQUEST with the "publickey" method:
// first probing acceptance with no signature, then on SSH_MSG_USERAUTH_PK_OK
// resending with a signature over
// string(session_id) || MSG_USERAUTH_REQUEST || user || "ssh-connection" ||
// "publickey" || true || algo || pubkey_blob, per spec.md §4.6.
func Publickey(t *transport.Transport, sessionID []byte, user string, kp *keys.KeyPair) (*Result, error) {
	algo := string(kp.Algo)
	blob := kp.PublicKeyBlob()

	probe := wire.NewBuilder(len(user) + len(blob) + 64)
	probe.PutUint8(msgUserAuthRequest)
	probe.PutStringS(user)
	probe.PutStringS("ssh-connection")
	probe.PutStringS("publickey")
	probe.PutBool(false)
	probe.PutStringS(algo)
	probe.PutString(blob)
	if err := t.WritePacket(probe.Bytes()); err != nil {
		return nil, err
	}

	payload, err := t.ReadPacket()
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(payload)
	msgType, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	if msgType != msgUserAuthPKOK {
		return outcomeFromPayload(msgType, payload)
	}

	signed := wire.NewBuilder(len(sessionID) + len(user) + len(blob) + 64)
	signed.PutStringS(user)
	signed.PutStringS("ssh-connection")
	signed.PutStringS("publickey")
	signed.PutBool(true)
	signed.PutStringS(algo)
	signed.PutString(blob)

	sig, err := kp.Sign(sessionID, requestBodyForSigning(msgUserAuthRequest, signed.Bytes()))
	if err != nil {
		return nil, err
	}

	final := wire.NewBuilder(8 + len(signed.Bytes()) + len(sig))
	final.PutUint8(msgUserAuthRequest)
	final.PutRaw(signed.Bytes())
	final.PutString(sig)
	if err := t.WritePacket(final.Bytes()); err != nil {
		return nil, err
	}
	return readUntilOutcome(t)
}

// requestBodyForSigning prepends the message type byte to body, matching
// "MSG_USERAUTH_REQUEST || user || ..." in spec.md §4.6's signed data
// description: the whole post-session-id request is signed, including the
// message type.
func requestBodyForSigning(msgType uint8, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, msgType)
	return append(out, body...)
}

func readUntilOutcome(t *transport.Transport) (*Result, error) {
	res := &Result{}
	for {
		payload, err := t.ReadPacket()
		if err != nil {
			return nil, err
		}
		r := wire.NewReader(payload)
		msgType, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		if msgType == msgUserAuthBanner {
			banner, err := r.StringS()
			if err != nil {
				return nil, err
			}
			res.Banners = append(res.Banners, banner)
			continue
		}
		return mergeOutcome(res, msgType, payload)
	}
}

func outcomeFromPayload(msgType uint8, payload []byte) (*Result, error) {
	return mergeOutcome(&Result{}, msgType, payload)
}

func mergeOutcome(res *Result, msgType uint8, payload []byte) (*Result, error) {
	switch msgType {
	case msgUserAuthSuccess:
		res.Success = true
		return res, nil
	case msgUserAuthFailure:
		r := wire.NewReader(payload[1:])
		methods, err := r.NameList()
		if err != nil {
			return nil, err
		}
		partial, err := r.Bool()
		if err != nil {
			return nil, err
		}
		return nil, &errs.AuthFailedError{PartialSuccess: partial, AllowedMethods: methods}
	default:
		return nil, fmt.Errorf("%w: unexpected message type %d during authentication", errs.ErrMalformedPacket, msgType)
	}
}
