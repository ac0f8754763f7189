package remoteexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/kbisect/kbisect/internal/domain"
)

// SSHTransport runs operations over a secure shell channel, the default
// transport for any host reachable on the network. Sessions are opened
// per call, mirroring the one-session-per-command shape of a remote shell
// script library invocation; clients are cached per host address so a
// long bisection run does not renegotiate a new TCP+SSH handshake for
// every phase.
type SSHTransport struct {
	keyPath string
	port    string

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHTransport returns a transport that authenticates with the private
// key at keyPath via ssh-agent-style public key auth, connecting to
// port (default "22") on each host's address.
func NewSSHTransport(keyPath, port string) *SSHTransport {
	if port == "" {
		port = "22"
	}
	return &SSHTransport{
		keyPath: keyPath,
		port:    port,
		clients: make(map[string]*ssh.Client),
	}
}

func (t *SSHTransport) client(host domain.Host) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[host.Address]; ok {
		return c, nil
	}

	auths, err := t.authMethods()
	if err != nil {
		return nil, domain.NewError(domain.ErrRemoteAuth, err)
	}

	cfg := &ssh.ClientConfig{
		User:            host.RemoteUser,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(host.Address, t.port)
	c, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, domain.NewError(domain.ErrRemoteUnreachable, fmt.Errorf("dial %s: %w", addr, err))
	}

	t.clients[host.Address] = c
	return c, nil
}

func (t *SSHTransport) authMethods() ([]ssh.AuthMethod, error) {
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
		}
	}
	if t.keyPath == "" {
		return nil, fmt.Errorf("no ssh-agent socket and no private key configured")
	}
	key, err := os.ReadFile(t.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", t.keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", t.keyPath, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Run starts opName as a remote command and streams its combined output.
func (t *SSHTransport) Run(ctx context.Context, host domain.Host, opName string, args []string, stdin io.Reader, timeout time.Duration) (*Result, error) {
	client, err := t.client(host)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("new session: %w", err))
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw
	if stdin != nil {
		session.Stdin = stdin
	}

	cmd := buildCommandLine(opName, args)

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("start %s: %w", opName, err))
	}

	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- session.Wait()
		pw.Close()
		close(finished)
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-finished:
		}
	}()

	return &Result{
		Output: pr,
		closeFn: func() (int, error) {
			err := <-done
			defer cancel()
			if ctx.Err() != nil {
				return -1, domain.NewError(domain.ErrRemoteChannelLost, fmt.Errorf("%s timed out after %s", opName, timeout))
			}
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return exitErr.ExitStatus(), nil
			}
			if err != nil {
				return -1, domain.NewError(domain.ErrRemoteChannelLost, err)
			}
			return 0, nil
		},
	}, nil
}

// Close drops the cached client for host, closing its underlying
// connection; a later Run reconnects.
func (t *SSHTransport) Close(host domain.Host) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[host.Address]
	if !ok {
		return nil
	}
	delete(t.clients, host.Address)
	return c.Close()
}

func buildCommandLine(opName string, args []string) string {
	var b bytes.Buffer
	b.WriteString(opName)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}
