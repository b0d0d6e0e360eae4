package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/detector"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

const defaultDialTimeout = 10 * time.Second

// SSHSession holds one lazily dialled SSH client per connection. Each command
// runs in its own ssh.Session multiplexed over that client. A transport
// failure drops the client so the next call redials.
type SSHSession struct {
	cfg    Config
	prober detector.Prober

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHSession(cfg Config, opts Options) *SSHSession {
	s := &SSHSession{cfg: cfg}
	s.prober = detector.NewPaced(detector.CommandProber{Runner: s, Name: cfg.ID}, opts.ProbeRate, opts.ProbeBurst)
	return s
}

func (s *SSHSession) Ready(ctx context.Context) error {
	_, err := s.clientFor(ctx)
	return err
}

func (s *SSHSession) Probe(ctx context.Context, pid int) (operation.Outcome, error) {
	return s.prober.Probe(ctx, pid)
}

// Run implements detector.Runner.
func (s *SSHSession) Run(ctx context.Context, cmd string) (int, error) {
	res, err := s.Exec(ctx, cmd)
	if err != nil {
		return -1, err
	}
	return res.ExitCode, nil
}

func (s *SSHSession) Exec(ctx context.Context, cmd string) (Result, error) {
	client, err := s.clientFor(ctx)
	if err != nil {
		return Result{}, err
	}
	sess, err := client.NewSession()
	if err != nil {
		s.drop(client)
		return Result{}, fmt.Errorf("ssh session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	var stdout bytes.Buffer
	sess.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return Result{}, ctx.Err()
	case err := <-done:
		if err == nil {
			return Result{Stdout: stdout.String()}, nil
		}
		var ee *ssh.ExitError
		if errors.As(err, &ee) {
			return Result{Stdout: stdout.String(), ExitCode: ee.ExitStatus()}, nil
		}
		var missing *ssh.ExitMissingError
		if !errors.As(err, &missing) {
			s.drop(client)
		}
		return Result{}, fmt.Errorf("ssh run: %w", err)
	}
}

func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *SSHSession) clientFor(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := dial(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	s.client = c
	go func() {
		// Wait returns once the transport is gone
		_ = c.Wait()
		s.drop(c)
	}()
	return c, nil
}

// drop forgets c if it is still the current client.
func (s *SSHSession) drop(c *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == c {
		_ = c.Close()
		s.client = nil
	}
}

func dial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	clientCfg, release, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	// the agent is only consulted while authenticating
	defer release()
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	clientCfg.Timeout = timeout

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

// clientConfig builds the handshake config. release closes the agent
// connection, if one was opened, and must be called once the handshake ends.
func clientConfig(cfg Config) (*ssh.ClientConfig, func(), error) {
	auth, release, err := authMethods(cfg)
	if err != nil {
		return nil, nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		release()
		return nil, nil, err
	}
	username := cfg.User
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKey,
	}, release, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	release := func() {}

	if cfg.KeyFile != "" {
		signer, err := loadPrivateKey(cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("connection %s: key file: %w", cfg.ID, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			release = func() { _ = conn.Close() }
		}
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("connection %s: no ssh auth method (key_file, agent or password)", cfg.ID)
	}
	return methods, release, nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		// #nosec G106
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("connection %s: known_hosts: %w", cfg.ID, err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("connection %s: known_hosts: %w", cfg.ID, err)
	}
	return cb, nil
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}
