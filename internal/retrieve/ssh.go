// Package retrieve copies the tail of the router's query log to local disk
// over SSH.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/config"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/util"
)

// Runner executes one remote command and streams its stdout into w.
type Runner interface {
	Run(ctx context.Context, cmd string, w io.Writer) error
}

type Puller struct {
	log        *logger.Logger
	runner     Runner
	remotePath string
	lines      int
	retries    int
	newBackOff func() backoff.BackOff
}

// New builds a Puller that talks to the router described in cfg.Router.
func New(log *logger.Logger, cfg *config.Config) *Puller {
	rc := cfg.Router
	return NewWithRunner(log, &SSHRunner{
		Addr: rc.Addr, User: rc.User, IdentityFile: rc.IdentityFile,
		KnownHosts: rc.KnownHosts, InsecureIgnoreHostKey: rc.InsecureIgnoreHostKey, Timeout: rc.Timeout,
	}, rc.RemotePath, rc.TailLines, rc.MaxRetries)
}

func NewWithRunner(log *logger.Logger, r Runner, remotePath string, lines, retries int) *Puller {
	return &Puller{
		log: log, runner: r, remotePath: remotePath, lines: lines, retries: retries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(10*time.Second),
				backoff.WithMaxElapsedTime(2*time.Minute),
			)
		},
	}
}

// Command is the remote command Pull runs.
func (p *Puller) Command() string {
	return fmt.Sprintf("tail -n %d %s", p.lines, shellQuote(p.remotePath))
}

// Pull replaces dst with the current tail of the remote log. dst is only
// touched once a transfer completed, so a failed pull leaves the previous
// copy in place.
func (p *Puller) Pull(ctx context.Context, dst string) (int64, error) {
	var n int64
	attempt := 0
	op := func() error {
		attempt++
		err := util.WriteAtomic(dst, func(w io.Writer) error {
			cw := &countWriter{w: w}
			err := p.runner.Run(ctx, p.Command(), cw)
			n = cw.n
			return err
		})
		if err != nil {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				p.log.Warn().Err(err).Int("attempt", attempt).Msg("query log pull failed")
			}
		}
		return err
	}
	var bo backoff.BackOff = p.newBackOff()
	if p.retries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.retries))
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return 0, fmt.Errorf("pull %s: %w", p.remotePath, err)
	}
	p.log.Info().Int64("bytes", n).Int("attempts", attempt).Str("dst", dst).Msg("query log pulled")
	return n, nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SSHRunner runs commands on a host with public-key auth.
type SSHRunner struct {
	Addr         string
	User         string
	IdentityFile string
	KnownHosts   string // required unless InsecureIgnoreHostKey is set
	Timeout      time.Duration

	InsecureIgnoreHostKey bool
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(r.IdentityFile)
	if err != nil { return nil, fmt.Errorf("read identity: %w", err) }
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil { return nil, fmt.Errorf("parse identity: %w", err) }

	var hostKey ssh.HostKeyCallback
	switch {
	case r.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	case r.KnownHosts == "":
		return nil, errors.New("no known_hosts file configured")
	default:
		if hostKey, err = knownhosts.New(r.KnownHosts); err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
	}
	return &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         r.Timeout,
	}, nil
}

func (r *SSHRunner) Run(ctx context.Context, cmd string, w io.Writer) error {
	cc, err := r.clientConfig()
	if err != nil { return backoff.Permanent(err) }

	d := net.Dialer{Timeout: r.Timeout}
	conn, err := d.DialContext(ctx, "tcp", r.Addr)
	if err != nil { return err }
	c, chans, reqs, err := ssh.NewClientConn(conn, r.Addr, cc)
	if err != nil {
		_ = conn.Close()
		return err
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	sess, err := client.NewSession()
	if err != nil { return err }
	defer sess.Close()
	var stderr strings.Builder
	sess.Stdout = w
	sess.Stderr = &stderr
	if err := sess.Run(cmd); err != nil {
		if ctx.Err() != nil { return ctx.Err() }
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			// the command ran and failed; retrying will not change that
			return backoff.Permanent(fmt.Errorf("%q exited %d: %s", cmd, exit.ExitStatus(), strings.TrimSpace(stderr.String())))
		}
		return err
	}
	return nil
}
