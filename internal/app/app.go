package app

import (
	"os"
	"os/signal"
	"syscall"

	runtime "github.com/banzaicloud/logrus-runtime-formatter"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// App holds attributes for the bladedirector application
type App struct {
	// Viper loads configuration parameters.
	v *viper.Viper
	// Director configuration.
	Config *Configuration
	// Kind is the application kind, a server or a client of the resource store.
	Kind model.AppKind
	// Logger is the app logger
	Logger *logrus.Logger
}

// New returns returns a new instance of the bladedirector app
//
// The returned channel receives SIGINT and SIGTERM.
func New(appKind model.AppKind, cfgFile string, loglevel int) (*App, <-chan os.Signal, error) {
	app := &App{
		v:      viper.New(),
		Config: &Configuration{},
		Kind:   appKind,
		Logger: logrus.New(),
	}

	if err := app.LoadConfiguration(cfgFile); err != nil {
		return nil, nil, err
	}

	app.Logger.Level = logLevel(loglevel, app.Config.LogLevel)

	app.Logger.SetFormatter(
		&runtime.Formatter{ChildFormatter: &logrus.JSONFormatter{}},
	)

	termCh := make(chan os.Signal, 1)

	// register for SIGINT, SIGTERM
	signal.Notify(termCh, syscall.SIGINT, syscall.SIGTERM)

	return app, termCh, nil
}

// logLevel returns the level set by the CLI flags, or the configured one when no flag was given.
func logLevel(flag int, configured string) logrus.Level {
	switch flag {
	case model.LogLevelDebug:
		return logrus.DebugLevel
	case model.LogLevelTrace:
		return logrus.TraceLevel
	}

	if level, err := logrus.ParseLevel(configured); err == nil {
		return level
	}

	return logrus.InfoLevel
}
