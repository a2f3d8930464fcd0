package remote

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort        = 22
	defaultConnectTimeout = 30 * time.Second
)

// SSHDialer opens SSH sessions, file transfers go over SFTP on the same connection.
type SSHDialer struct {
	cfg    Config
	auth   []ssh.AuthMethod
	logger *logrus.Logger
}

// NewSSHDialer returns a Dialer for cfg, the private key file is read once here.
func NewSSHDialer(cfg Config, logger *logrus.Logger) (*SSHDialer, error) {
	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}

	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	auth := []ssh.AuthMethod{}

	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "read ssh key")
		}

		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Wrap(err, "parse ssh key")
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	return &SSHDialer{cfg: cfg, auth: auth, logger: logger}, nil
}

// Port returns the SSH port sessions are opened on.
func (d *SSHDialer) Port() int {
	return d.cfg.Port
}

// Dial opens an SSH connection to host.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(d.cfg.Port))

	clientConfig := &ssh.ClientConfig{
		User: d.cfg.User,
		Auth: d.auth,
		// nolint:gosec // blades are reinstalled constantly, their host keys are not stable.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.cfg.ConnectTimeout,
	}

	dialer := &net.Dialer{Timeout: d.cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(ErrDial, err.Error())
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(ErrDial, err.Error())
	}

	return &sshSession{
		client: ssh.NewClient(c, chans, reqs),
		logger: d.logger.WithField("host", host),
	}, nil
}

type sshSession struct {
	client *ssh.Client
	sftp   *sftp.Client
	logger *logrus.Entry
}

// Run executes the command, the session is torn down when ctx is done before it exits.
func (s *sshSession) Run(ctx context.Context, cmd string, args []string, workDir string) (*Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		recordCommand(nil, err)
		return nil, errors.Wrap(ErrCommand, err.Error())
	}

	defer session.Close()

	var stdout, stderr bytes.Buffer

	session.Stdout = &stdout
	session.Stderr = &stderr

	line := CommandLine(cmd, args, workDir)
	s.logger.WithField("cmd", line).Debug("running remote command")

	done := make(chan error, 1)

	go func() { done <- session.Run(line) }()

	var runErr error

	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done

		recordCommand(nil, ctx.Err())

		return nil, errors.Wrap(ErrCommand, ctx.Err().Error())
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError

	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		recordCommand(nil, runErr)
		return nil, errors.Wrap(ErrCommand, runErr.Error())
	}

	recordCommand(res, nil)

	return res, nil
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	if s.sftp != nil {
		return s.sftp, nil
	}

	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrap(ErrTransfer, err.Error())
	}

	s.sftp = c

	return c, nil
}

// Push writes data to path on the remote host, creating its parent directories.
func (s *sshSession) Push(_ context.Context, p string, data []byte) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}

	if err := c.MkdirAll(path.Dir(p)); err != nil {
		return errors.Wrap(ErrTransfer, err.Error())
	}

	f, err := c.Create(p)
	if err != nil {
		return errors.Wrap(ErrTransfer, err.Error())
	}

	defer f.Close()

	n, err := f.Write(data)
	if err != nil {
		return errors.Wrap(ErrTransfer, err.Error())
	}

	metrics.TransferBytes.WithLabelValues("push").Add(float64(n))

	return nil
}

// Pull reads path from the remote host.
func (s *sshSession) Pull(_ context.Context, p string) ([]byte, error) {
	c, err := s.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := c.Open(p)
	if err != nil {
		return nil, errors.Wrap(ErrTransfer, err.Error())
	}

	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(ErrTransfer, err.Error())
	}

	metrics.TransferBytes.WithLabelValues("pull").Add(float64(len(data)))

	return data, nil
}

func (s *sshSession) Close() error {
	if s.sftp != nil {
		_ = s.sftp.Close()
	}

	return s.client.Close()
}
