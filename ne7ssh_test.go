package ne7ssh

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netsieben/ne7ssh/internal/sshtest"
	"github.com/netsieben/ne7ssh/transport"
)

var errRejected = errors.New("host key rejected for test")

func startTestServer(t *testing.T) *sshtest.Server {
	t.Helper()
	hostKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	srv, err := sshtest.New(hostKey)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestConnectWithPasswordAuthenticatesAndOpensShell(t *testing.T) {
	srv := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, ch, err := ConnectWithPassword(ctx, srv.Addr(), "user", "password", true, Options{}, nil, nil)
	require.NoError(t, err)
	defer session.Close()
	require.NotNil(t, ch)

	require.NoError(t, session.Send(ctx, ch, []byte("hello")))
	require.True(t, ch.WaitFor("hello", time.Second))
}

func TestConnectWithPasswordHonorsCipherPreference(t *testing.T) {
	srv := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := Options{PreferredCipher: "aes128-cbc", PreferredMAC: "hmac-sha1"}
	session, _, err := ConnectWithPassword(ctx, srv.Addr(), "user", "password", false, opts, nil, nil)
	require.NoError(t, err)
	defer session.Close()
	require.Equal(t, "aes128-cbc", session.negotiated.CipherCtoS)
	require.Equal(t, "hmac-sha1", session.negotiated.MACCtoS)
}

func TestConnectWithPasswordRejectsBadHostKey(t *testing.T) {
	srv := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reject := func(blob []byte) error { return errRejected }
	_, _, err := ConnectWithPassword(ctx, srv.Addr(), "user", "password", false, Options{}, reject, nil)
	require.Error(t, err)
}

func TestExecRunsAndReceivesEcho(t *testing.T) {
	srv := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, _, err := ConnectWithPassword(ctx, srv.Addr(), "user", "password", false, Options{}, nil, nil)
	require.NoError(t, err)
	defer session.Close()

	ch, err := session.Exec(ctx, "echo hi")
	require.NoError(t, err)
	require.NoError(t, session.Send(ctx, ch, []byte("ping")))
	require.True(t, ch.WaitFor("ping", time.Second))
}

func TestErrorSinkBoundsRecords(t *testing.T) {
	sink := NewErrorSink()
	for i := 0; i < maxSinkRecords+10; i++ {
		sink.push("test", errRejected)
	}
	require.Len(t, sink.Records(), maxSinkRecords)
}

// TestSftpGetAndPutRoundTrip drives spec.md §8 scenario 4 end to end: a
// 30,001-byte remote file takes two SSH_FXP_READ calls (30000 bytes, then
// the final byte) before an EOF status, and the bytes Get writes locally
// must match the server's copy byte for byte.
func TestSftpGetAndPutRoundTrip(t *testing.T) {
	srv := startTestServer(t)

	remote := make([]byte, 30001)
	for i := range remote {
		remote[i] = byte(i)
	}
	srv.SetFile("/remote/data.bin", remote)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, _, err := ConnectWithPassword(ctx, srv.Addr(), "user", "password", false, Options{}, nil, nil)
	require.NoError(t, err)
	defer session.Close()

	client, err := session.InitSftp(ctx, 5*time.Second)
	require.NoError(t, err)

	dir := t.TempDir()
	localPath := filepath.Join(dir, "data.bin")
	require.NoError(t, client.Get("/remote/data.bin", localPath, 5*time.Second))

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	require.Equal(t, md5.Sum(remote), md5.Sum(got))

	require.NoError(t, client.Put(localPath, "/remote/copy.bin", 5*time.Second))
	written, ok := srv.File("/remote/copy.bin")
	require.True(t, ok)
	require.Equal(t, md5.Sum(remote), md5.Sum(written))
}

// TestSendPausesOnWindowExhaustionAndResumes drives spec.md §8 scenario 5:
// with a 0x1000 initial window and 0x200 max packet advertised by the peer,
// writing 0x2500 bytes must split into ceil(0x2500/0x200) DATA messages and
// only complete once the mock server's WINDOW_ADJUST replies let Send
// resume past the first 0x1000-byte pause.
func TestSendPausesOnWindowExhaustionAndResumes(t *testing.T) {
	hostKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	srv, err := sshtest.New(hostKey)
	require.NoError(t, err)
	srv.OpenWindow = 0x1000
	srv.OpenMaxPacket = 0x200

	var mu sync.Mutex
	var chunkSizes []int
	var totalReceived int
	srv.OnChannelData = func(_ *transport.Transport, _ uint32, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		chunkSizes = append(chunkSizes, len(data))
		totalReceived += len(data)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, _, err := ConnectWithPassword(ctx, srv.Addr(), "user", "password", false, Options{}, nil, nil)
	require.NoError(t, err)
	defer session.Close()

	ch, err := session.Exec(ctx, "noop")
	require.NoError(t, err)

	payload := make([]byte, 0x2500)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, session.Send(ctx, ch, payload))

	// Send returns once the last DATA packet is written; wait until the
	// mock server has consumed all of it before inspecting what it saw.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return totalReceived == len(payload)
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, len(payload), totalReceived)
	wantChunks := (len(payload) + 0x1FF) / 0x200
	require.Len(t, chunkSizes, wantChunks)
	for _, n := range chunkSizes {
		require.LessOrEqual(t, n, 0x200)
	}
}
