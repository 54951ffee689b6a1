package tunnel

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/logging"
	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/sshauth"
)

// TunnelError reports that a forward could not be established.
type TunnelError struct {
	InstanceID int64
	Err        error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel for instance %d: %v", e.InstanceID, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// forward is one live tunnel: an ssh connection plus the loopback listener
// feeding it.
type forward struct {
	localPort int
	client    *ssh.Client
	listener  net.Listener
}

// Registry maintains at most one port-forwarding tunnel per instance. A
// single lock serializes every operation so check-then-create is atomic and
// concurrent requests cannot race a duplicate tunnel into existence.
type Registry struct {
	resolver       *sshauth.Resolver
	user           string
	connectTimeout time.Duration

	mu      sync.Mutex
	tunnels map[int64]*forward
}

func NewRegistry(resolver *sshauth.Resolver, cfg *config.SSHConfig) *Registry {
	user := cfg.User
	if user == "" {
		user = "root"
	}
	return &Registry{
		resolver:       resolver,
		user:           user,
		connectTimeout: cfg.ConnectTimeout,
		tunnels:        make(map[int64]*forward),
	}
}

// Open ensures a tunnel exists for the instance and returns its bound local
// port. If one is already registered its port is returned unchanged,
// regardless of the other arguments. localPort 0 lets the kernel pick. On
// failure nothing is registered.
func (r *Registry) Open(instanceID int64, host string, sshPort, remotePort, localPort int, keyOverride string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tunnels[instanceID]; ok {
		return existing.localPort, nil
	}

	cred, err := r.resolver.ResolveOverride(keyOverride)
	if err != nil {
		return 0, &TunnelError{InstanceID: instanceID, Err: err}
	}

	clientConf := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(cred.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.connectTimeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(sshPort)), clientConf)
	if err != nil {
		return 0, &TunnelError{InstanceID: instanceID, Err: err}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		client.Close()
		return 0, &TunnelError{InstanceID: instanceID, Err: err}
	}

	boundPort := listener.Addr().(*net.TCPAddr).Port
	remoteAddr := fmt.Sprintf("127.0.0.1:%d", remotePort)
	go acceptLoop(client, listener, remoteAddr)

	r.tunnels[instanceID] = &forward{
		localPort: boundPort,
		client:    client,
		listener:  listener,
	}
	metrics.GetMetrics().RecordTunnelOpened()
	logging.Info("tunnel opened", map[string]interface{}{
		"instance_id": instanceID,
		"local_port":  boundPort,
		"remote_port": remotePort,
	})

	return boundPort, nil
}

// Close tears down the instance's tunnel. Closing an instance with no
// tunnel is a silent no-op.
func (r *Registry) Close(instanceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fwd, ok := r.tunnels[instanceID]
	if !ok {
		return
	}

	fwd.listener.Close()
	fwd.client.Close()
	delete(r.tunnels, instanceID)
	metrics.GetMetrics().RecordTunnelClosed()
	logging.Info("tunnel closed", map[string]interface{}{"instance_id": instanceID})
}

// CloseAll tears down every tunnel, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, fwd := range r.tunnels {
		fwd.listener.Close()
		fwd.client.Close()
		delete(r.tunnels, id)
		metrics.GetMetrics().RecordTunnelClosed()
	}
}

// PortFor reports the bound local port for an instance's tunnel, if any.
func (r *Registry) PortFor(instanceID int64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fwd, ok := r.tunnels[instanceID]
	if !ok {
		return 0, false
	}
	return fwd.localPort, true
}

func acceptLoop(client *ssh.Client, listener net.Listener, remoteAddr string) {
	for {
		local, err := listener.Accept()
		if err != nil {
			return
		}
		go forwardConn(client, local, remoteAddr)
	}
}

func forwardConn(client *ssh.Client, local net.Conn, remoteAddr string) {
	remote, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		logging.Warn("tunnel forward dial failed", map[string]interface{}{
			"remote": remoteAddr,
			"error":  err,
		})
		local.Close()
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
	local.Close()
	remote.Close()
}
