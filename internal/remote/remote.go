// Package remote runs commands and transfers files on blades and hypervisors over SSH.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrDial        = errors.New("remote dial error")
	ErrPortWait    = errors.New("port did not become reachable")
	ErrTransfer    = errors.New("remote file transfer error")
	ErrCommand     = errors.New("remote command error")
	ErrRetriesDone = errors.New("retries exhausted")
)

// Result is the outcome of a remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success returns true when the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Session is an open connection to a remote host.
type Session interface {
	// Run executes cmd with args from workDir, a non zero exit is reported in the Result, not as an error.
	Run(ctx context.Context, cmd string, args []string, workDir string) (*Result, error)
	Push(ctx context.Context, path string, data []byte) error
	Pull(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Dialer opens sessions to remote hosts.
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}

// Config is the SSH configuration shared by blades and hypervisors.
type Config struct {
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	KeyFile        string        `mapstructure:"key_file"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Retries is the number of attempts made by Retry for a transfer or command step.
	Retries int `mapstructure:"retries"`
}

// envTesting is set by tests to '1' to skip sleeps and backoffs.
//
// nolint:gosec // no gosec, this isn't a credential
const envTesting = "ENV_TESTING"

func sleepWithContext(ctx context.Context, t time.Duration) error {
	// skip sleep in tests
	if os.Getenv(envTesting) == "1" {
		return ctx.Err()
	}

	select {
	case <-time.After(t):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForPort blocks until a TCP connection to host:port succeeds or ctx is done.
//
// Collapsing the ctx deadline is how a caller abandons the wait.
func WaitForPort(ctx context.Context, host string, port int, logger *logrus.Entry) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	// nolint:gomnd // time duration definitions are clear as is.
	delay := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		logger.WithFields(logrus.Fields{"addr": addr, "err": err}).Trace("port not reachable yet")

		if err := sleepWithContext(ctx, delay.Duration()); err != nil {
			return errors.Wrapf(ErrPortWait, "%s: %s", addr, err)
		}
	}
}

// Retry calls fn until it returns nil, tries is exceeded or ctx is done.
func Retry(ctx context.Context, tries int, logger *logrus.Entry, op string, fn func(ctx context.Context) error) error {
	if tries <= 0 {
		tries = 1
	}

	// nolint:gomnd // time duration definitions are clear as is.
	delay := &backoff.Backoff{
		Min:    time.Second,
		Max:    20 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var err error

	for attempt := 1; attempt <= tries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return errors.Wrap(err, ctx.Err().Error())
		}

		logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": fmt.Sprintf("%d/%d", attempt, tries),
			"err":     err,
		}).Warn("remote operation failed")

		if attempt < tries {
			if serr := sleepWithContext(ctx, delay.Duration()); serr != nil {
				return errors.Wrap(err, serr.Error())
			}
		}
	}

	return errors.Wrapf(ErrRetriesDone, "%s: %s", op, err)
}

// Exec runs cmd on sess, retrying failed runs, a non zero exit fails with ErrCommand
// and the command output is logged.
func Exec(ctx context.Context, sess Session, tries int, logger *logrus.Entry, cmd string, args ...string) (*Result, error) {
	line := CommandLine(cmd, args, "")

	var res *Result

	if err := Retry(ctx, tries, logger, line, func(ctx context.Context) error {
		var rerr error
		res, rerr = sess.Run(ctx, cmd, args, "")

		return rerr
	}); err != nil {
		return nil, err
	}

	if !res.Success() {
		logger.WithFields(logrus.Fields{
			"cmd":      line,
			"exitCode": res.ExitCode,
			"stdout":   res.Stdout,
			"stderr":   res.Stderr,
		}).Debug("remote command failed")

		return res, errors.Wrapf(ErrCommand, "%s exited with %d: %s", line, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	return res, nil
}

// CommandLine renders cmd and args as a POSIX shell command run from workDir.
func CommandLine(cmd string, args []string, workDir string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(cmd))

	for _, a := range args {
		parts = append(parts, quote(a))
	}

	line := strings.Join(parts, " ")
	if workDir != "" {
		line = "cd " + quote(workDir) + " && " + line
	}

	return line
}

func quote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./=:,+@%", r):
		return false
	default:
		return true
	}
}

func recordCommand(res *Result, err error) {
	switch {
	case err != nil:
		metrics.RemoteCommandCounter.WithLabelValues("error").Inc()
	case res.Success():
		metrics.RemoteCommandCounter.WithLabelValues("success").Inc()
	default:
		metrics.RemoteCommandCounter.WithLabelValues("nonzero").Inc()
	}
}
