package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/sshauth"
	"github.com/loracloud/lorad/internal/sshtest"
)

func newTestRegistry(t *testing.T) (*Registry, *sshtest.Server) {
	t.Helper()

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))

	server, err := sshtest.NewServer(func(command string, ch ssh.Channel) {
		sshtest.ExitStatus(ch, 0)
	})
	require.NoError(t, err)
	t.Cleanup(server.Close)

	registry := NewRegistry(sshauth.NewResolver(keyPath), &config.SSHConfig{
		User:           "root",
		ConnectTimeout: 5 * time.Second,
	})
	t.Cleanup(registry.CloseAll)

	return registry, server
}

// startEchoServer stands in for a service on the remote instance.
func startEchoServer(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port
}

func TestOpenForwardsTraffic(t *testing.T) {
	registry, server := newTestRegistry(t)
	echoPort := startEchoServer(t)

	localPort, err := registry.Open(1, server.Host, server.Port, echoPort, 0, "")
	require.NoError(t, err)
	require.NotZero(t, localPort)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestOpenIsIdempotentPerInstance(t *testing.T) {
	registry, server := newTestRegistry(t)
	echoPort := startEchoServer(t)

	first, err := registry.Open(7, server.Host, server.Port, echoPort, 0, "")
	require.NoError(t, err)

	// Different port arguments on the second call must not matter.
	second, err := registry.Open(7, server.Host, server.Port, echoPort+1, first+1, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	port, ok := registry.PortFor(7)
	require.True(t, ok)
	assert.Equal(t, first, port)
}

func TestCloseStopsForwarding(t *testing.T) {
	registry, server := newTestRegistry(t)
	echoPort := startEchoServer(t)

	localPort, err := registry.Open(3, server.Host, server.Port, echoPort, 0, "")
	require.NoError(t, err)

	registry.Close(3)

	_, ok := registry.PortFor(3)
	assert.False(t, ok)

	_, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)), 500*time.Millisecond)
	assert.Error(t, err)
}

func TestCloseWithoutTunnelIsNoOp(t *testing.T) {
	registry, _ := newTestRegistry(t)

	assert.NotPanics(t, func() { registry.Close(12345) })
	_, ok := registry.PortFor(12345)
	assert.False(t, ok)
}

func TestOpenDialFailureLeavesNoEntry(t *testing.T) {
	registry, _ := newTestRegistry(t)

	// Grab a free port and close it so nothing is listening.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	_, err = registry.Open(9, "127.0.0.1", deadPort, 8080, 0, "")

	var tunnelErr *TunnelError
	require.ErrorAs(t, err, &tunnelErr)
	assert.Equal(t, int64(9), tunnelErr.InstanceID)

	_, ok := registry.PortFor(9)
	assert.False(t, ok)
}

func TestOpenLocalPortInUseLeavesNoEntry(t *testing.T) {
	registry, server := newTestRegistry(t)
	echoPort := startEchoServer(t)

	// Occupy a local port so the tunnel's listener cannot bind it.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { occupied.Close() })
	busyPort := occupied.Addr().(*net.TCPAddr).Port

	_, err = registry.Open(4, server.Host, server.Port, echoPort, busyPort, "")

	var tunnelErr *TunnelError
	require.ErrorAs(t, err, &tunnelErr)

	_, ok := registry.PortFor(4)
	assert.False(t, ok)
}

func TestReopenAfterCloseCreatesFreshTunnel(t *testing.T) {
	registry, server := newTestRegistry(t)
	echoPort := startEchoServer(t)

	first, err := registry.Open(5, server.Host, server.Port, echoPort, 0, "")
	require.NoError(t, err)
	registry.Close(5)

	second, err := registry.Open(5, server.Host, server.Port, echoPort, 0, "")
	require.NoError(t, err)

	port, ok := registry.PortFor(5)
	require.True(t, ok)
	assert.Equal(t, second, port)
	_ = first
}
