package remote

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/sshauth"
)

// Result holds a completed command's exit code and captured output. A
// non-zero exit code is reported here, not as an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands on rented instances. Every call opens a fresh
// connection and closes it on all exit paths; there is no pooling, since
// instances are ephemeral and calls are infrequent.
type Runner struct {
	resolver       *sshauth.Resolver
	user           string
	connectTimeout time.Duration
}

func NewRunner(resolver *sshauth.Resolver, cfg *config.SSHConfig) *Runner {
	user := cfg.User
	if user == "" {
		user = "root"
	}
	return &Runner{
		resolver:       resolver,
		user:           user,
		connectTimeout: cfg.ConnectTimeout,
	}
}

func (r *Runner) clientConfig(cred *sshauth.Credential) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: r.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(cred.Signer)},
		// Rented machines are ephemeral and get fresh host keys on every
		// provision, so strict checking would reject every instance.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.connectTimeout,
	}
}

// Run executes a command to completion and captures its output. It fails
// with TimeoutError when the command outlives the given timeout and with
// ExecError on any channel failure.
func (r *Runner) Run(ctx context.Context, host string, port int, command string, timeout time.Duration) (*Result, error) {
	start := time.Now()
	result, err := r.run(ctx, host, port, command, timeout)
	metrics.GetMetrics().RecordSSHCommand(time.Since(start), err == nil)
	return result, err
}

func (r *Runner) run(ctx context.Context, host string, port int, command string, timeout time.Duration) (*Result, error) {
	cred, err := r.resolver.Resolve()
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), r.clientConfig(cred))
	if err != nil {
		return nil, &ExecError{Op: "dial", Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &ExecError{Op: "session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return nil, &ExecError{Op: "start", Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		result := &Result{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if waitErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(waitErr, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, &ExecError{Op: "wait", Err: waitErr}
		}
		return result, nil

	case <-timer.C:
		return nil, &TimeoutError{Command: command, Timeout: timeout}

	case <-ctx.Done():
		return nil, &ExecError{Op: "run", Err: ctx.Err()}
	}
}

// Stream starts a long-running command under a pseudo-terminal and returns a
// live line stream. The caller owns the returned handle and must Close it;
// the connection stays open until then.
func (r *Runner) Stream(ctx context.Context, host string, port int, command string) (*Stream, error) {
	cred, err := r.resolver.Resolve()
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), r.clientConfig(cred))
	if err != nil {
		return nil, &ExecError{Op: "dial", Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, &ExecError{Op: "session", Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 80, 200, modes); err != nil {
		session.Close()
		client.Close()
		return nil, &ExecError{Op: "pty", Err: err}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, &ExecError{Op: "pipe", Err: err}
	}

	if err := session.Start(command); err != nil {
		session.Close()
		client.Close()
		return nil, &ExecError{Op: "start", Err: err}
	}

	closeFn := func() error {
		session.Close()
		return client.Close()
	}
	return newStream(ctx, stdout, closeFn), nil
}
