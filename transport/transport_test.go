package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRekeyGateExcludesApplicationWrites verifies the mechanism
// Session.rekey (ne7ssh.go) relies on to keep spec.md §4.4/§4.5 step 6's
// invariant: while LockRekey is held for a rekey transaction, an
// RLockWrite-guarded application write (channel.Mux's Open/Request/Send/
// Close) must block until UnlockRekey, not race the rekey onto the wire.
func TestRekeyGateExcludesApplicationWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	tr := newTransport(client)
	tr.LockRekey()

	done := make(chan struct{})
	go func() {
		tr.RLockWrite()
		defer tr.RUnlockWrite()
		_ = tr.WritePacket([]byte{1})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("application write proceeded while the rekey gate was held")
	case <-time.After(50 * time.Millisecond):
	}

	tr.UnlockRekey()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("application write did not proceed after UnlockRekey")
	}
}

// TestRLockWriteAllowsConcurrentApplicationWrites checks the gate doesn't
// over-serialize: multiple RLockWrite holders (independent channels
// sending concurrently) must not block each other absent a rekey.
func TestRLockWriteAllowsConcurrentApplicationWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	tr := newTransport(client)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tr.RLockWrite()
			defer tr.RUnlockWrite()
			errs <- tr.WritePacket([]byte{1})
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("concurrent application writes deadlocked")
		}
	}
}
