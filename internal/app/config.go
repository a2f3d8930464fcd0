package app

import (
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/metal-toolbox/bladedirector/internal/bios"
	"github.com/metal-toolbox/bladedirector/internal/bmc"
	"github.com/metal-toolbox/bladedirector/internal/bootmenu"
	"github.com/metal-toolbox/bladedirector/internal/disks"
	"github.com/metal-toolbox/bladedirector/internal/hypervisor"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/provision"
	"github.com/metal-toolbox/bladedirector/internal/remote"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	defaultConcurrency        = 8
	defaultListen             = "0.0.0.0:8080"
	defaultStorePath          = "bladedirector.db"
	defaultSweepInterval      = 30 * time.Second
	defaultSweepGap           = 5 * time.Second
	defaultNatsConnectTimeout = 60 * time.Second
	defaultKVReplicas         = 3
)

var (
	ErrConfig = errors.New("configuration error")
)

// Configuration holds application configuration read from a YAML or set by env variables.
//
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// Listen is the address the HTTP API is served on.
	Listen string `mapstructure:"listen"`

	// MetricsEndpoint is the address prometheus metrics are served on.
	MetricsEndpoint string `mapstructure:"metrics_endpoint"`

	// Concurrency bounds the BIOS and VM provisioning workers running at once.
	Concurrency int `mapstructure:"concurrency"`

	Store      StoreOptions      `mapstructure:"store"`
	Keepalive  KeepaliveOptions  `mapstructure:"keepalive"`
	Lock       LockOptions       `mapstructure:"lock"`
	BIOS       bios.Config       `mapstructure:"bios"`
	VM         provision.Config  `mapstructure:"vm"`
	VMServer   VMServerOptions   `mapstructure:"vmserver"`
	BMC        bmc.Config        `mapstructure:"bmc"`
	SSH        remote.Config     `mapstructure:"ssh"`
	NAS        disks.Config      `mapstructure:"nas"`
	Hypervisor hypervisor.Config `mapstructure:"hypervisor"`
	BootMenu   bootmenu.Config   `mapstructure:"bootmenu"`
	Nats       NatsOptions       `mapstructure:"nats"`
}

// StoreOptions selects the resource store.
type StoreOptions struct {
	// Kind is one of sqlite, bolt, memory.
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

type KeepaliveOptions struct {
	// Timeout is the keepalive age after which a lease is forcibly released.
	Timeout time.Duration `mapstructure:"timeout"`
	// SweepInterval is the period of the background sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SweepGap is the minimum gap between two sweeps run by boundary calls.
	SweepGap time.Duration `mapstructure:"sweep_gap"`
}

type LockOptions struct {
	// WaitTimeout is the wait after which a blocked acquire is logged.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// VMServerOptions locates the BIOS image deployed on a blade before it hosts VMs.
type VMServerOptions struct {
	// BIOSImage is an http(s) URL or a local file, no image is deployed when empty.
	BIOSImage string `mapstructure:"bios_image"`
	// BIOSImageChecksum is an md5 or sha256 checksum, prefixed with the algorithm name as in sha256:<hex>.
	BIOSImageChecksum string `mapstructure:"bios_image_checksum"`
}

// NatsOptions configures the optional operation status stream, disabled when URL is empty.
type NatsOptions struct {
	URL            string        `mapstructure:"url"`
	CredsFile      string        `mapstructure:"creds_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KVReplicas     int           `mapstructure:"kv_replicas"`
}

// LoadConfiguration loads application configuration
//
// Reads in the cfgFile when available and overrides from environment variables.
func (a *App) LoadConfiguration(cfgFile string) error {
	a.v.SetConfigType("yaml")
	a.v.SetEnvPrefix(model.AppName)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if cfgFile != "" {
		fh, err := os.Open(cfgFile)
		if err != nil {
			return errors.Wrap(ErrConfig, err.Error())
		}

		defer fh.Close()

		if err = a.v.ReadConfig(fh); err != nil {
			return errors.Wrap(ErrConfig, "ReadConfig error:"+err.Error())
		}
	}

	if err := a.envBindVars(); err != nil {
		return errors.Wrap(ErrConfig, "env var bind error:"+err.Error())
	}

	if err := a.v.Unmarshal(a.Config); err != nil {
		return errors.Wrap(ErrConfig, "Unmarshal error: "+err.Error())
	}

	a.Config.setDefaults()

	return a.Config.validate()
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (a *App) envBindVars() error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(a.Config, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten config")
	}

	for k := range flat {
		if err := a.v.BindEnv(k); err != nil {
			return errors.Wrap(ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

func (c *Configuration) setDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}

	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.Store.Kind == "" {
		c.Store.Kind = string(model.StoreKindSQLite)
	}

	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}

	if c.Keepalive.SweepInterval == 0 {
		c.Keepalive.SweepInterval = defaultSweepInterval
	}

	if c.Keepalive.SweepGap == 0 {
		c.Keepalive.SweepGap = defaultSweepGap
	}

	if c.Nats.ConnectTimeout == 0 {
		c.Nats.ConnectTimeout = defaultNatsConnectTimeout
	}

	if c.Nats.KVReplicas == 0 {
		c.Nats.KVReplicas = defaultKVReplicas
	}
}

func (c *Configuration) validate() error {
	if _, ok := model.ParseStoreKind(c.Store.Kind); !ok {
		return errors.Wrap(ErrConfig, "unsupported store kind: "+c.Store.Kind)
	}

	if c.Concurrency < 0 {
		return errors.Wrap(ErrConfig, "concurrency must be positive")
	}

	if c.Keepalive.Timeout < 0 || c.Keepalive.SweepInterval < 0 || c.Keepalive.SweepGap < 0 {
		return errors.Wrap(ErrConfig, "keepalive durations must be positive")
	}

	if c.Nats.CredsFile != "" && c.Nats.URL == "" {
		return errors.Wrap(ErrConfig, "nats.creds_file set without nats.url")
	}

	return nil
}

// StoreKind returns the configured store kind, validated on load.
func (c *Configuration) StoreKind() model.StoreKind {
	kind, _ := model.ParseStoreKind(c.Store.Kind)
	return kind
}
