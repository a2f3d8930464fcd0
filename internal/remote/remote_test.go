package remote

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCommandLine(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		args    []string
		workDir string
		want    string
	}{
		{"plain", "bash", []string{"writebios.sh", "image.xml"}, "", "bash writebios.sh image.xml"},
		{"workdir", "bash", []string{"readbios.sh"}, "/root/bios", "cd /root/bios && bash readbios.sh"},
		{"spaces", "vim-cmd", []string{"vmsvc/getallvms", "a b"}, "", "vim-cmd vmsvc/getallvms 'a b'"},
		{"quote", "echo", []string{"it's"}, "", `echo 'it'"'"'s'`},
		{"empty arg", "echo", []string{""}, "", "echo ''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CommandLine(tt.cmd, tt.args, tt.workDir))
		})
	}
}

func TestWaitForPort(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, WaitForPort(ctx, "127.0.0.1", port, logrus.NewEntry(logrus.New())))
}

func TestWaitForPortCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	// grab a free port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- WaitForPort(ctx, "127.0.0.1", port, logrus.NewEntry(logrus.New())) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPortWait)
	case <-time.After(5 * time.Second):
		t.Fatal("port wait was not abandoned on cancel")
	}
}

func TestRetry(t *testing.T) {
	os.Setenv(envTesting, "1")
	defer os.Unsetenv(envTesting)

	logger := logrus.NewEntry(logrus.New())
	errTransient := errors.New("connection reset")

	calls := 0
	err := Retry(context.Background(), 3, logger, "push", func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), 2, logger, "push", func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, ErrRetriesDone)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls = 0
	err = Retry(ctx, 5, logger, "push", func(context.Context) error {
		calls++
		return errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewSSHDialer(t *testing.T) {
	d, err := NewSSHDialer(Config{User: "root", Password: "hunter2"}, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 22, d.Port())

	_, err = NewSSHDialer(Config{User: "root", KeyFile: filepath.Join(t.TempDir(), "missing")}, logrus.New())
	assert.Error(t, err)
}

type scriptedSession struct {
	results []*Result
	errs    []error
	runs    int
}

func (s *scriptedSession) Run(context.Context, string, []string, string) (*Result, error) {
	i := s.runs
	s.runs++

	return s.results[i], s.errs[i]
}

func (s *scriptedSession) Push(context.Context, string, []byte) error { return nil }

func (s *scriptedSession) Pull(context.Context, string) ([]byte, error) { return nil, nil }

func (s *scriptedSession) Close() error { return nil }

func TestExec(t *testing.T) {
	t.Setenv(envTesting, "1")

	logger := logrus.NewEntry(logrus.New())

	sess := &scriptedSession{
		results: []*Result{nil, {Stdout: "ok"}},
		errs:    []error{errors.New("connection reset"), nil},
	}

	res, err := Exec(context.Background(), sess, 2, logger, "vim-cmd", "vmsvc/getallvms")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, 2, sess.runs)

	sess = &scriptedSession{
		results: []*Result{{ExitCode: 1, Stderr: "not found\n"}},
		errs:    []error{nil},
	}

	res, err = Exec(context.Background(), sess, 3, logger, "rm", "-rf", "/tmp/x")
	assert.ErrorIs(t, err, ErrCommand)
	assert.EqualError(t, err, "rm -rf /tmp/x exited with 1: not found: "+ErrCommand.Error())
	assert.Equal(t, 1, res.ExitCode)
	// a non zero exit is not retried
	assert.Equal(t, 1, sess.runs)
}
