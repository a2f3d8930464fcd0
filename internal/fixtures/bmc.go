package fixtures

import (
	"context"
	"sync"

	"github.com/metal-toolbox/bladedirector/internal/bmc"
	"github.com/metal-toolbox/bladedirector/internal/model"
)

// PowerLog records the power calls made through the fake BMCs of a pool, keyed by blade IP.
type PowerLog struct {
	mu     sync.Mutex
	calls  map[string][]string
	states map[string]string
	// Err, when set, is returned by every power command.
	Err error
}

// NewPowerLog returns an empty PowerLog.
func NewPowerLog() *PowerLog {
	return &PowerLog{
		calls:  map[string][]string{},
		states: map[string]string{},
	}
}

// Factory returns a bmc.Factory handing out fake BMCs which record into the log.
func (p *PowerLog) Factory() bmc.Factory {
	return func(blade *model.BladeRecord) bmc.PowerController {
		return &mockBMC{ip: blade.IP, log: p}
	}
}

// Calls returns the power calls made on the blade, in order.
func (p *PowerLog) Calls(ip string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string{}, p.calls[ip]...)
}

// State returns the last power state set on the blade.
func (p *PowerLog) State(ip string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.states[ip]
}

func (p *PowerLog) record(ip, call, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[ip] = append(p.calls[ip], call)

	if p.Err != nil {
		return p.Err
	}

	if state != "" {
		p.states[ip] = state
	}

	return nil
}

// mockBMC implements the bmc.PowerController interface.
type mockBMC struct {
	ip  string
	log *PowerLog
}

// Open creates a BMC session
func (b *mockBMC) Open(_ context.Context) error {
	return nil
}

// Close logs out of the BMC
func (b *mockBMC) Close() error {
	return nil
}

func (b *mockBMC) PowerOn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.log.record(b.ip, "on", "on")
}

func (b *mockBMC) PowerOff(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.log.record(b.ip, "off", "off")
}

// PowerStatus returns the blade power status
func (b *mockBMC) PowerStatus(_ context.Context) (string, error) {
	return b.log.State(b.ip), nil
}
