// Package sshtest runs a minimal in-process SSH server so the remote
// execution and tunnel code can be exercised against a real protocol
// implementation instead of mocks.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// ExecHandler receives each exec request's command line and its channel.
// Implementations write output to the channel and should finish with
// ExitStatus.
type ExecHandler func(command string, ch ssh.Channel)

// Server is an SSH server listening on loopback. It accepts any public key,
// runs exec requests through the configured handler, and forwards
// direct-tcpip channels to their destination address.
type Server struct {
	Host     string
	Port     int
	listener net.Listener
}

func NewServer(handle ExecHandler) (*Server, error) {
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, err
	}

	conf := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	conf.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		Host:     "127.0.0.1",
		Port:     listener.Addr().(*net.TCPAddr).Port,
		listener: listener,
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, conf, handle)
		}
	}()

	return s, nil
}

func (s *Server) Close() {
	s.listener.Close()
}

func (s *Server) serveConn(conn net.Conn, conf *ssh.ServerConfig, handle ExecHandler) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, conf)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go serveSession(channel, requests, handle)

		case "direct-tcpip":
			var payload struct {
				DestAddr   string
				DestPort   uint32
				OriginAddr string
				OriginPort uint32
			}
			if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
				newChannel.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
				continue
			}
			target, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
			if err != nil {
				newChannel.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			channel, requests, err := newChannel.Accept()
			if err != nil {
				target.Close()
				continue
			}
			go ssh.DiscardRequests(requests)
			go pipe(channel, target)

		default:
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func serveSession(ch ssh.Channel, in <-chan *ssh.Request, handle ExecHandler) {
	for req := range in {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			go handle(payload.Command, ch)
		case "pty-req":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func pipe(ch ssh.Channel, conn net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, ch)
		done <- struct{}{}
	}()
	<-done
	ch.Close()
	conn.Close()
}

// ExitStatus reports a command's exit code and closes the channel, ending
// the client's Wait.
func ExitStatus(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	ch.Close()
}
