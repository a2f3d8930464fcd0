// Package bootmenu notifies the boot menu service when a blade changes hands,
// so the blade boots the menu of its new owner.
package bootmenu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	notifyRetryDelay    = 2 * time.Second
	notifyClientTimeout = 30 * time.Second
	notifyRetries       = 3

	ErrNotify = errors.New("boot menu notification error")
)

// Config is the boot menu service configuration, notifications are disabled when URL is empty.
type Config struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// Notifier posts ownership changes to the boot menu service.
type Notifier struct {
	base   *url.URL
	client *retryablehttp.Client
	logger *logrus.Logger
}

type ownerPayload struct {
	Owner string `json:"owner"`
}

// New returns a Notifier for the service at cfg.URL.
func New(cfg Config, logger *logrus.Logger) (*Notifier, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(ErrNotify, "invalid URL: "+err.Error())
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Wrap(ErrNotify, "invalid URL: "+cfg.URL)
	}

	client := retryablehttp.NewClient()
	client.RetryWaitMin = notifyRetryDelay
	client.RetryMax = notifyRetries
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   notifyClientTimeout,
	}

	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	if cfg.Retries > 0 {
		client.RetryMax = cfg.Retries
	}

	return &Notifier{base: base, client: client, logger: logger}, nil
}

// Notify tells the boot menu service that owner now holds the blade.
//
// A service without an endpoint for the blade answers 404, which is not an error.
func (n *Notifier) Notify(ctx context.Context, bladeIP, owner string) error {
	body, err := json.Marshal(ownerPayload{Owner: owner})
	if err != nil {
		return errors.Wrap(ErrNotify, err.Error())
	}

	endpoint := n.base.JoinPath("blades", bladeIP, "owner")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(ErrNotify, err.Error())
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrNotify, err.Error())
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		n.logger.WithFields(logrus.Fields{
			"blade":    bladeIP,
			"endpoint": endpoint.String(),
		}).Debug("boot menu service has no endpoint for blade")

		return nil
	case resp.StatusCode >= http.StatusBadRequest:
		return errors.Wrap(ErrNotify, fmt.Sprintf("URL: %s, status code %s", endpoint.String(), resp.Status))
	}

	n.logger.WithFields(logrus.Fields{
		"blade": bladeIP,
		"owner": owner,
	}).Debug("boot menu notified")

	return nil
}

// Noop is used when no boot menu service is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) error { return nil }
