package bmc

//go:generate mockgen -source bmc.go -destination=bmc_mock.go -package=bmc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	bmclibv2 "github.com/bmc-toolbox/bmclib/v2"
	"github.com/bmc-toolbox/common"
	logrusrv2 "github.com/bombsimon/logrusr/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/jacobweinstock/registrar"
	"github.com/jpillora/backoff"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// logoutTimeout is the timeout value when logging out of a bmc
	logoutTimeout = 1 * time.Minute
	loginTimeout  = 30 * time.Second
	loginAttempts = 3

	powerPollInterval = 5 * time.Second

	// login errors
	errBMCLogin             = errors.New("bmc login error")
	errBMCLoginTimeout      = errors.New("bmc login timeout")
	errBMCLoginUnAuthorized = errors.New("bmc login unauthorized")

	errBMCLogout = errors.New("bmc logout error")

	ErrPowerState   = errors.New("power state not reached")
	ErrPowerCommand = errors.New("bmc power command error")
)

// PowerController is the power control capability of a blade BMC.
type PowerController interface {
	// Open logs into the BMC
	Open(ctx context.Context) error
	// Close logs out of the BMC, note no context is passed to this method
	// to allow it to continue to log out when the parent context has been cancelled.
	Close() error
	// PowerOn powers on the blade and blocks until the BMC reports it on, or ctx is done.
	PowerOn(ctx context.Context) error
	// PowerOff powers off the blade and blocks until the BMC reports it off, or ctx is done.
	PowerOff(ctx context.Context) error
	PowerStatus(ctx context.Context) (string, error)
}

// Factory returns the PowerController for a blade.
type Factory func(blade *model.BladeRecord) PowerController

// Config holds the BMC credentials shared by the pool and the bmclib driver selection.
type Config struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Vendor selects the bmclib driver, both redfish and the vendor API are attempted when unset.
	Vendor string `mapstructure:"vendor"`
	// PowerTimeout bounds a power on/off call including the wait for the state to be confirmed.
	PowerTimeout time.Duration `mapstructure:"power_timeout"`
}

// NewFactory returns a Factory which builds bmclib backed controllers.
func NewFactory(cfg Config, logger *logrus.Logger) Factory {
	return func(blade *model.BladeRecord) PowerController {
		return &bmc{
			client:       newBmclibv2Client(blade, cfg, logger),
			logger:       logger.WithField("bmc", blade.BMCIP),
			powerTimeout: cfg.PowerTimeout,
		}
	}
}

// bmc wraps the bmclib client and implements the PowerController interface
type bmc struct {
	client       *bmclibv2.Client
	logger       *logrus.Entry
	powerTimeout time.Duration
}

// Open creates a BMC session
func (b *bmc) Open(ctx context.Context) error {
	if b.client == nil {
		return errors.Wrap(errBMCLogin, "bmclibv2 client not initialized")
	}

	// return if a session is active
	if b.sessionActive(ctx) {
		b.logger.Trace("bmc session active, skipped login attempt")
		return nil
	}

	return b.loginWithRetries(ctx, loginAttempts)
}

func (b *bmc) sessionActive(ctx context.Context) bool {
	_, err := b.client.GetPowerState(ctx)
	return err == nil
}

// login to the BMC, re-trying tries times with exponential backoff
func (b *bmc) loginWithRetries(ctx context.Context, tries int) error {
	// nolint:gomnd // time duration definitions are clear as is.
	delay := &backoff.Backoff{
		Min:    2 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for attempts := 1; ; attempts++ {
		attemptstr := fmt.Sprintf("%d/%d", attempts, tries)

		err := b.login(ctx)
		if err == nil {
			b.logger.WithField("attempt", attemptstr).Debug("bmc login successful")
			return nil
		}

		b.logger.WithFields(
			logrus.Fields{
				"attempt": attemptstr,
				"err":     err,
			}).Debug("bmc login error")

		if attempts >= tries {
			if strings.Contains(err.Error(), "operation timed out") {
				err = multierror.Append(errBMCLoginTimeout, err)
			}

			if strings.Contains(err.Error(), "401: ") || strings.Contains(err.Error(), "failed to login") {
				err = multierror.Append(errBMCLoginUnAuthorized, err)
			}

			return errors.Wrapf(errBMCLogin, "attempts: %s, last error: %s", attemptstr, err.Error())
		}

		if err := sleepWithContext(ctx, delay.Duration()); err != nil {
			return errors.Wrap(errBMCLogin, err.Error())
		}
	}
}

func (b *bmc) login(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	return b.client.Open(attemptCtx)
}

// Close logs out of the BMC
func (b *bmc) Close() error {
	if b.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	if err := b.client.Close(ctx); err != nil {
		return errors.Wrap(errBMCLogout, err.Error())
	}

	return nil
}

func (b *bmc) PowerOn(ctx context.Context) error {
	return b.setPower(ctx, "on")
}

func (b *bmc) PowerOff(ctx context.Context) error {
	return b.setPower(ctx, "off")
}

// setPower issues the power command unless the blade is already in the wanted state,
// then polls the power state until it is confirmed.
func (b *bmc) setPower(ctx context.Context, want string) error {
	if b.powerTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, b.powerTimeout)
		defer cancel()
	}

	state, err := b.client.GetPowerState(ctx)
	if err != nil {
		return errors.Wrap(ErrPowerCommand, err.Error())
	}

	if powerStateIs(state, want) {
		return nil
	}

	if _, err := b.client.SetPowerState(ctx, want); err != nil {
		return errors.Wrap(ErrPowerCommand, err.Error())
	}

	b.logger.WithFields(logrus.Fields{"from": state, "to": want}).Debug("power state change requested")

	for {
		if err := sleepWithContext(ctx, powerPollInterval); err != nil {
			return errors.Wrapf(ErrPowerState, "%s: last state: %s", want, state)
		}

		state, err = b.client.GetPowerState(ctx)
		if err != nil {
			b.logger.WithError(err).Debug("power state query error")
			continue
		}

		if powerStateIs(state, want) {
			return nil
		}
	}
}

// PowerStatus returns the device power status
func (b *bmc) PowerStatus(ctx context.Context) (string, error) {
	return b.client.GetPowerState(ctx)
}

// powerStateIs matches bmclib power states, PoweringOff is not off.
func powerStateIs(state, want string) bool {
	return strings.EqualFold(strings.TrimSpace(state), want)
}

func newHTTPClient() *http.Client {
	// nolint:gomnd // time duration declarations are clear as is.
	return &http.Client{
		Timeout: time.Second * 120,
		Transport: &http.Transport{
			// nolint:gosec // BMCs don't have valid certs.
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives: true,
			Dial: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// newBmclibv2Client initializes a bmclibv2 client with the given credentials
func newBmclibv2Client(blade *model.BladeRecord, cfg Config, l *logrus.Logger) *bmclibv2.Client {
	logger := logrus.New()
	logger.Formatter = l.Formatter

	// setup a logr logger for bmclib
	// bmclib uses logr, for which the trace logs are logged with log.V(3),
	// this is a hax so the logrusr lib will enable trace logging
	// since any value that is less than (logrus.LogLevel - 4) >= log.V(3) is ignored
	// https://github.com/bombsimon/logrusr/blob/master/logrusr.go#L64
	switch l.GetLevel() {
	case logrus.TraceLevel:
		logger.Level = 7
	case logrus.DebugLevel:
		logger.Level = 5
	}

	logruslogr := logrusrv2.New(logger)

	opts := []bmclibv2.Option{
		bmclibv2.WithLogger(logruslogr),
		bmclibv2.WithHTTPClient(newHTTPClient()),
		bmclibv2.WithPerProviderTimeout(loginTimeout),
	}

	if blade.BMCPort > 0 {
		opts = append(opts, bmclibv2.WithRedfishPort(strconv.Itoa(blade.BMCPort)))
	}

	bmcClient := bmclibv2.NewClient(blade.BMCIP, cfg.Username, cfg.Password, opts...)

	// The bmclib drivers here are limited to the HTTPS means of connection,
	// that is, drivers like ipmi are excluded.
	switch common.FormatVendorName(cfg.Vendor) {
	case common.VendorDell, common.VendorHPE:
		bmcClient.Registry.Drivers = bmcClient.Registry.Using("redfish")
	case common.VendorAsrockrack:
		bmcClient.Registry.Drivers = bmcClient.Registry.Using("vendorapi")
	default:
		// attempt both drivers when vendor is unknown
		drivers := append(registrar.Drivers{},
			bmcClient.Registry.Using("redfish")...,
		)

		drivers = append(drivers,
			bmcClient.Registry.Using("vendorapi")...,
		)

		bmcClient.Registry.Drivers = drivers
	}

	return bmcClient
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
