package tlspump

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// wire is an in-memory half-duplex byte queue standing in for a raw
// socket in these tests: Send appends bytes the peer's Recv later drains,
// both honoring the RawSend/RawRecv would-block contract. blockSend, when
// positive, forces that many Send calls to report ErrAgain regardless of
// payload, simulating a transport that is momentarily not writable.
type wire struct {
	mu        sync.Mutex
	buf       []byte
	blockSend int
}

func (w *wire) send(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.blockSend > 0 {
		w.blockSend--
		return 0, ErrAgain
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *wire) recv(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return 0, ErrAgain
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "kumanet-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"kumanet.test"},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// newLoopback wires a client and a server Session together over two
// one-directional wires, standing in for a socket pair.
func newLoopback(t *testing.T) (client, server *Session, clientToServer, serverToClient *wire) {
	t.Helper()
	cert := generateTestCert(t)
	clientToServer = &wire{}
	serverToClient = &wire{}
	client = NewSession(Client, &tls.Config{InsecureSkipVerify: true}, clientToServer.send, serverToClient.recv)
	server = NewSession(Server, &tls.Config{Certificates: []tls.Certificate{cert}}, serverToClient.send, clientToServer.recv)
	return client, server, clientToServer, serverToClient
}

// pumpToEstablished alternates Pump calls on both sides until both report
// StateEstablished or deadline passes.
func pumpToEstablished(t *testing.T, client, server *Session, deadline time.Time) {
	t.Helper()
	for time.Now().Before(deadline) {
		if client.State() != StateEstablished {
			if err := client.Pump(); err != nil && !errors.Is(err, ErrAgain) {
				t.Fatalf("client pump failed: %v", err)
			}
		}
		if server.State() != StateEstablished {
			if err := server.Pump(); err != nil && !errors.Is(err, ErrAgain) {
				t.Fatalf("server pump failed: %v", err)
			}
		}
		if client.State() == StateEstablished && server.State() == StateEstablished {
			return
		}
	}
	t.Fatalf("handshake did not complete before deadline (client=%s server=%s)", client.State(), server.State())
}

func TestSession_HandshakeEstablishes(t *testing.T) {
	client, server, _, _ := newLoopback(t)
	pumpToEstablished(t, client, server, time.Now().Add(5*time.Second))
	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, server.State())
}

// S7: a blocked ciphertext send during the handshake must be tolerated as
// ErrAgain and the handshake must still complete once the transport is
// writable again.
func TestSession_HandshakeToleratesOneBlockedSend(t *testing.T) {
	client, server, clientToServer, _ := newLoopback(t)

	clientToServer.mu.Lock()
	clientToServer.blockSend = 1
	clientToServer.mu.Unlock()

	sawAgain := false
	deadline := time.Now().Add(5 * time.Second)
	for !sawAgain && time.Now().Before(deadline) {
		err := client.Pump()
		if errors.Is(err, ErrAgain) {
			sawAgain = true
			break
		}
		require.NoError(t, err)
		_ = server.Pump()
	}
	require.True(t, sawAgain, "expected at least one blocked send before the handshake settles")
	require.NotEqual(t, StateFailed, client.State())

	pumpToEstablished(t, client, server, time.Now().Add(5*time.Second))
}

func TestSession_ApplicationReadWrite(t *testing.T) {
	client, server, _, _ := newLoopback(t)
	pumpToEstablished(t, client, server, time.Now().Add(5*time.Second))

	msg := []byte("hello kumanet")
	n, err := client.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, 64)
	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(msg) && time.Now().Before(deadline) {
		n, err := server.Read(buf)
		if err != nil {
			require.ErrorIs(t, err, ErrAgain)
			continue
		}
		got = append(got, buf[:n]...)
	}
	require.Equal(t, msg, got)
}

func TestSession_WriteVectoredWritesEveryBuffer(t *testing.T) {
	client, server, _, _ := newLoopback(t)
	pumpToEstablished(t, client, server, time.Now().Add(5*time.Second))

	bufs := [][]byte{[]byte("abc"), []byte("def")}
	n, err := client.WriteVectored(bufs)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestSession_WriteBeforeHandshakeIsInvalidState(t *testing.T) {
	client, _, _, _ := newLoopback(t)
	_, err := client.Write([]byte("too early"))
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestApplyFlags_SkipPeerVerify(t *testing.T) {
	cfg := ApplyFlags(nil, FlagEnable|FlagSkipPeerVerify)
	require.True(t, cfg.InsecureSkipVerify)
	require.Nil(t, cfg.VerifyConnection)
}

func TestApplyFlags_NoRelaxationLeavesVerificationOn(t *testing.T) {
	cfg := ApplyFlags(&tls.Config{}, FlagEnable)
	require.False(t, cfg.InsecureSkipVerify)
	require.Nil(t, cfg.VerifyConnection)
}

func TestApplyFlags_SkipHostVerifyInstallsHook(t *testing.T) {
	cfg := ApplyFlags(nil, FlagEnable|FlagSkipHostVerify)
	require.True(t, cfg.InsecureSkipVerify)
	require.NotNil(t, cfg.VerifyConnection)
}

// Relaxing only expiry must not relax anything else: the hook still runs
// full chain verification, so an untrusted peer certificate is rejected.
func TestApplyFlags_AllowExpiredAloneStillVerifiesChain(t *testing.T) {
	cert := generateTestCert(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	cfg := ApplyFlags(nil, FlagEnable|FlagAllowExpired)
	require.NotNil(t, cfg.VerifyConnection)
	err = cfg.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
		ServerName:       "kumanet.test",
	})
	require.Error(t, err, "untrusted chain must fail even with expiry relaxed")
}

func TestApplyFlags_AllowSelfSignedAcceptsLoneCert(t *testing.T) {
	cert := generateTestCert(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	cfg := ApplyFlags(nil, FlagEnable|FlagAllowSelfSigned)
	require.NoError(t, cfg.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
	}))
}

// Skipping host verification keeps chain verification: a trusted chain
// passes regardless of server name, an untrusted one still fails.
func TestApplyFlags_SkipHostVerifyRetainsChainVerify(t *testing.T) {
	cert := generateTestCert(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	cfg := ApplyFlags(&tls.Config{RootCAs: roots}, FlagEnable|FlagSkipHostVerify)
	require.NoError(t, cfg.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
		ServerName:       "wrong.host",
	}))

	untrusted := ApplyFlags(nil, FlagEnable|FlagSkipHostVerify)
	require.Error(t, untrusted.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
	}))
}

// Host verification stays on without FlagSkipHostVerify: a trusted chain
// presented under the wrong name is rejected, under the right name accepted.
func TestApplyFlags_HostVerifyEnforcedWhenNotSkipped(t *testing.T) {
	cert := generateTestCert(t)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	cfg := ApplyFlags(&tls.Config{RootCAs: roots}, FlagEnable|FlagAllowExpired)
	require.Error(t, cfg.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
		ServerName:       "wrong.host",
	}))
	require.NoError(t, cfg.VerifyConnection(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
		ServerName:       "kumanet.test",
	}))
}
