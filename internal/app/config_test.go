package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level: debug
listen: 127.0.0.1:9000
concurrency: 2
store:
  kind: bolt
  path: /var/lib/bladedirector/pool.db
keepalive:
  timeout: 2m
lock:
  wait_timeout: 1s
bios:
  scripts_dir: /etc/bladedirector/scripts
  retries: 5
vm:
  vm_network: 10.40.0.0/16
nas:
  host: nas.local
  items:
    - disk0.img
    - disk1.img
ssh:
  user: root
  port: 2222
`

func newTestApp() *App {
	return &App{
		v:      viper.New(),
		Config: &Configuration{},
		Kind:   model.AppKindServer,
		Logger: logrus.New(),
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

func TestLoadConfiguration(t *testing.T) {
	a := newTestApp()
	require.NoError(t, a.LoadConfiguration(writeConfig(t, testConfig)))

	cfg := a.Config
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, model.StoreKindBolt, cfg.StoreKind())
	assert.Equal(t, "/var/lib/bladedirector/pool.db", cfg.Store.Path)
	assert.Equal(t, 2*time.Minute, cfg.Keepalive.Timeout)
	assert.Equal(t, time.Second, cfg.Lock.WaitTimeout)
	assert.Equal(t, "/etc/bladedirector/scripts", cfg.BIOS.ScriptsDir)
	assert.Equal(t, 5, cfg.BIOS.Retries)
	assert.Equal(t, "10.40.0.0/16", cfg.VM.VMNetwork)
	assert.Equal(t, "nas.local", cfg.NAS.Host)
	assert.Equal(t, []string{"disk0.img", "disk1.img"}, cfg.NAS.Items)
	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 2222, cfg.SSH.Port)

	// defaults
	assert.Equal(t, defaultSweepInterval, cfg.Keepalive.SweepInterval)
	assert.Equal(t, defaultSweepGap, cfg.Keepalive.SweepGap)
	assert.Equal(t, defaultNatsConnectTimeout, cfg.Nats.ConnectTimeout)
	assert.Equal(t, defaultKVReplicas, cfg.Nats.KVReplicas)
	assert.Empty(t, cfg.Nats.URL)
}

func TestLoadConfigurationEnvOverrides(t *testing.T) {
	t.Setenv("BLADEDIRECTOR_KEEPALIVE_TIMEOUT", "5m")
	t.Setenv("BLADEDIRECTOR_STORE_KIND", "memory")
	t.Setenv("BLADEDIRECTOR_BOOTMENU_URL", "http://bootmenu.local")
	t.Setenv("BLADEDIRECTOR_VMSERVER_BIOS_IMAGE", "/etc/bladedirector/vmserver.xml")

	a := newTestApp()
	require.NoError(t, a.LoadConfiguration(writeConfig(t, testConfig)))

	assert.Equal(t, 5*time.Minute, a.Config.Keepalive.Timeout)
	assert.Equal(t, model.StoreKindMemory, a.Config.StoreKind())
	assert.Equal(t, "http://bootmenu.local", a.Config.BootMenu.URL)
	assert.Equal(t, "/etc/bladedirector/vmserver.xml", a.Config.VMServer.BIOSImage)
}

func TestLoadConfigurationDefaults(t *testing.T) {
	a := newTestApp()
	require.NoError(t, a.LoadConfiguration(""))

	assert.Equal(t, defaultListen, a.Config.Listen)
	assert.Equal(t, defaultConcurrency, a.Config.Concurrency)
	assert.Equal(t, model.StoreKindSQLite, a.Config.StoreKind())
	assert.Equal(t, defaultStorePath, a.Config.Store.Path)
}

func TestLoadConfigurationErrors(t *testing.T) {
	testcases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"unknown store",
			"store:\n  kind: postgres\n",
			"unsupported store kind: postgres",
		},
		{
			"negative keepalive",
			"keepalive:\n  timeout: -1m\n",
			"keepalive durations must be positive",
		},
		{
			"creds without url",
			"nats:\n  creds_file: /etc/nats.creds\n",
			"nats.creds_file set without nats.url",
		},
		{
			"malformed yaml",
			"store: [\n",
			"ReadConfig error",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := newTestApp().LoadConfiguration(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	err := newTestApp().LoadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, logLevel(model.LogLevelDebug, "warn"))
	assert.Equal(t, logrus.TraceLevel, logLevel(model.LogLevelTrace, ""))
	assert.Equal(t, logrus.WarnLevel, logLevel(model.LogLevelInfo, "warn"))
	assert.Equal(t, logrus.InfoLevel, logLevel(model.LogLevelInfo, "loud"))
}

func TestServices(t *testing.T) {
	image := filepath.Join(t.TempDir(), "vmserver.xml")
	require.NoError(t, os.WriteFile(image, []byte("<vmserver/>"), 0o600))

	a := newTestApp()
	require.NoError(t, a.LoadConfiguration(""))

	a.Config.Store.Kind = string(model.StoreKindMemory)
	a.Config.VMServer.BIOSImage = image

	repo, err := a.OpenStore()
	require.NoError(t, err)

	defer repo.Close()

	ctx := context.Background()

	s, err := a.Services(ctx, repo)
	require.NoError(t, err)

	defer s.Close()

	assert.NotNil(t, s.Director)
	assert.NotNil(t, s.API.Handler())

	ids, err := s.Director.ListAllBladeIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// a bad checksum keeps the stack from being built
	a.Config.VMServer.BIOSImageChecksum = "sha256:00"
	_, err = a.Services(ctx, repo)
	assert.Error(t, err)
}
