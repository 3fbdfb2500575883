package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/getbetter-ro/epok/pkg/batch"
)

// saveCmd is the instruction SaveRules ships to the remote host.
const saveCmd = "iptables-save -t nat"

// dialTimeout bounds a single SSH connection attempt; retries are the
// caller's concern.
const dialTimeout = 10 * time.Second

// SSH executes mutation batches on a remote host over an authenticated SSH
// channel. Each batch travels as one joined command line, so a full
// reconcile pass costs one round-trip per batch.
type SSH struct {
	addr   string
	config *ssh.ClientConfig
	logger *zap.Logger
}

// NewSSH builds the remote executor. host is "user@hostname", keyPath points
// at an unencrypted private key file.
func NewSSH(host string, port int, keyPath string, logger *zap.Logger) (*SSH, error) {
	user, hostname, ok := strings.Cut(host, "@")
	if !ok || user == "" || hostname == "" {
		return nil, fmt.Errorf("invalid ssh host %q: expected user@host", host)
	}

	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", keyPath, err)
	}

	return &SSH{
		addr: net.JoinHostPort(hostname, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         dialTimeout,
		},
		logger: logger,
	}, nil
}

// Apply ships the batch as a single "; "-joined command line and runs it in
// one session.
func (s *SSH) Apply(ctx context.Context, b batch.Batch) error {
	for _, cmd := range b.Commands {
		if cmd.Rendered == "" {
			return &MalformedError{Instruction: cmd.Rendered}
		}
	}
	line := b.Rendered()
	if line == "" {
		return nil
	}

	out, err := s.run(ctx, line)
	if err != nil {
		return err
	}
	s.logger.Debug("applied batch",
		zap.Int("commands", len(b.Commands)),
		zap.Int("bytes", b.Size()),
		zap.String("output", strings.TrimSpace(out)),
	)
	return nil
}

// SaveRules fetches the remote host's nat table.
func (s *SSH) SaveRules(ctx context.Context) (string, error) {
	return s.run(ctx, saveCmd)
}

// Close is a no-op: connections are per-call so a dead transport heals on
// the next attempt.
func (s *SSH) Close() error { return nil }

// run dials, executes one command line, and classifies the failure: session
// or dial problems are transport errors, a remote non-zero exit is a command
// error.
func (s *SSH) run(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client, err := ssh.Dial("tcp", s.addr, s.config)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("dial %s: %w", s.addr, err)}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	out, err := session.CombinedOutput(line)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return "", &CommandError{
				Instruction: line,
				Output:      strings.TrimSpace(string(out)),
				Err:         err,
			}
		}
		return "", &TransportError{Err: err}
	}
	return string(out), nil
}
