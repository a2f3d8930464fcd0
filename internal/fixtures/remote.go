package fixtures

import (
	"context"
	"sync"

	"github.com/metal-toolbox/bladedirector/internal/remote"
	"github.com/pkg/errors"
)

// RunFunc answers a command run on a fake session.
type RunFunc func(ctx context.Context, host, cmd string, args []string) (*remote.Result, error)

// Dialer hands out in memory sessions, one per host, which record what is done on them.
type Dialer struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// OnRun answers commands, when unset every command exits zero.
	OnRun RunFunc
	// DialErr, when set, fails every Dial.
	DialErr error
}

// NewDialer returns a Dialer with no sessions.
func NewDialer() *Dialer {
	return &Dialer{sessions: map[string]*Session{}}
}

// Dial implements the remote.Dialer interface.
func (d *Dialer) Dial(ctx context.Context, host string) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(remote.ErrDial, err.Error())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DialErr != nil {
		return nil, d.DialErr
	}

	return d.session(host), nil
}

// Session returns the session of host, it holds every file pushed and command run so far.
func (d *Dialer) Session(host string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.session(host)
}

func (d *Dialer) session(host string) *Session {
	s, ok := d.sessions[host]
	if !ok {
		s = &Session{host: host, dialer: d, Files: map[string][]byte{}}
		d.sessions[host] = s
	}

	return s
}

func (d *Dialer) runFunc() RunFunc {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.OnRun
}

// Session implements the remote.Session interface in memory.
type Session struct {
	host   string
	dialer *Dialer

	mu       sync.Mutex
	commands []string
	pushed   []string
	// Files holds the pushed files, and the files served to Pull.
	Files map[string][]byte
}

// Run implements the remote.Session interface.
func (s *Session) Run(ctx context.Context, cmd string, args []string, workDir string) (*remote.Result, error) {
	s.mu.Lock()
	s.commands = append(s.commands, remote.CommandLine(cmd, args, workDir))
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(remote.ErrCommand, err.Error())
	}

	if f := s.dialer.runFunc(); f != nil {
		return f(ctx, s.host, cmd, args)
	}

	return &remote.Result{}, nil
}

// Push implements the remote.Session interface.
func (s *Session) Push(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushed = append(s.pushed, path)
	s.Files[path] = append([]byte{}, data...)

	return nil
}

// Pull implements the remote.Session interface.
func (s *Session) Pull(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.Files[path]
	if !ok {
		return nil, errors.Wrap(remote.ErrTransfer, "no such file: "+path)
	}

	return append([]byte{}, data...), nil
}

// SetFile places a file on the remote host.
func (s *Session) SetFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Files[path] = data
}

// Close implements the remote.Session interface.
func (s *Session) Close() error {
	return nil
}

// Commands returns the command lines run on the session, in order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.commands...)
}

// Pushed returns the paths pushed to the session, in order.
func (s *Session) Pushed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.pushed...)
}
