// Package probe checks that a freshly provisioned node is reachable and runs
// the post-provision registration hook.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrUnexpectedUser is returned when the login answers as someone else.
var ErrUnexpectedUser = errors.New("probe: remote user mismatch")

// Prober makes one reachability attempt against a node address.
// The caller owns the retry schedule.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// SSHProber logs in over SSH and runs whoami.
type SSHProber struct {
	User    string
	Port    int
	Timeout time.Duration
	signer  ssh.Signer
}

// NewSSHProber loads the private key at keyPath. An empty keyPath tries
// ~/.ssh/id_ed25519 then ~/.ssh/id_rsa.
func NewSSHProber(user, keyPath string, port int) (*SSHProber, error) {
	candidates := []string{keyPath}
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		candidates = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}

	var lastErr error
	for _, path := range candidates {
		pem, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
		}
		return NewSSHProberWithSigner(user, signer, port), nil
	}
	return nil, fmt.Errorf("failed to read private key: %w", lastErr)
}

// NewSSHProberWithSigner creates a prober with an already loaded key.
func NewSSHProberWithSigner(user string, signer ssh.Signer, port int) *SSHProber {
	if port == 0 {
		port = 22
	}
	return &SSHProber{User: user, Port: port, Timeout: 5 * time.Second, signer: signer}
}

// Probe implements Prober.
func (p *SSHProber) Probe(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	addr := net.JoinHostPort(address, strconv.Itoa(p.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User: p.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(p.signer)},
		// Fresh instances have no known host key.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.Timeout,
	})
	if err != nil {
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	out, err := session.Output("whoami")
	if err != nil {
		return fmt.Errorf("whoami on %s failed: %w", addr, err)
	}
	if got := strings.TrimSpace(string(out)); got != p.User {
		return fmt.Errorf("%w: want %s, got %s", ErrUnexpectedUser, p.User, got)
	}
	return nil
}

// TCPProber only checks that a port accepts connections.
type TCPProber struct {
	Port    int
	Timeout time.Duration
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, address string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(p.Port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Compile-time interface checks
var (
	_ Prober = (*SSHProber)(nil)
	_ Prober = (*TCPProber)(nil)
)
