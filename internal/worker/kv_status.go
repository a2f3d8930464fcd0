//nolint:gomnd //useless opinions
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/types"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"go.hollow.sh/toolbox/events"
	"go.hollow.sh/toolbox/events/pkg/kv"
	"go.hollow.sh/toolbox/events/registry"
)

var (
	statusKVName  = "bladedirector-status"
	defaultKVOpts = []kv.Option{
		kv.WithReplicas(3),
		kv.WithDescription("bladedirector operation status tracking"),
		kv.WithTTL(10 * 24 * time.Hour),
	}

	ErrStatusKV = errors.New("status KV error")
)

// statusKVPublisher writes operation status values to a NATS KV bucket keyed by <kind>.<target>.
type statusKVPublisher struct {
	kv       nats.KeyValue
	workerID string
	log      *logrus.Logger

	mu   sync.Mutex
	revs map[string]uint64
}

// Publish implements the model.StatusPublisher interface.
func (s *statusKVPublisher) Publish(_ context.Context, status *model.OpStatus) {
	key := statusKey(status)
	payload := s.statusValue(status).MustBytes()

	s.mu.Lock()
	defer s.mu.Unlock()

	lastRev := s.revs[key]

	var err error
	var rev uint64
	if lastRev == 0 {
		rev, err = s.kv.Put(key, payload)
	} else {
		rev, err = s.kv.Update(key, payload, lastRev)
	}

	if err == nil {
		s.revs[key] = rev
		return
	}

	s.log.WithError(err).WithFields(logrus.Fields{
		"op_id":    status.ID.String(),
		"key":      key,
		"last_rev": lastRev,
	}).Warn("unable to write operation status")

	// the next publish starts a fresh revision chain
	delete(s.revs, key)
}

// statusKey returns the KV key for an operation, dots in IP addresses are valid key tokens.
func statusKey(status *model.OpStatus) string {
	return fmt.Sprintf("%s.%s", status.Kind, status.Target)
}

type statusInfo struct {
	OpID   string `json:"opID"`
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

func (s *statusKVPublisher) statusValue(status *model.OpStatus) *types.StatusValue {
	info, err := json.Marshal(statusInfo{
		OpID:   status.ID.String(),
		Result: string(status.Result),
		Detail: status.Detail,
	})
	if err != nil {
		panic("unable to serialize status info: " + err.Error())
	}

	updated := status.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	return &types.StatusValue{
		UpdatedAt: updated,
		WorkerID:  s.workerID,
		Target:    status.Target,
		TraceID:   status.TraceID,
		SpanID:    status.SpanID,
		State:     status.State,
		Status:    info,
	}
}

// NewStatusKVPublisher returns a publisher writing to the bladedirector status bucket,
// the bucket is created when it does not exist. opts are applied over the defaults.
func NewStatusKVPublisher(s events.Stream, log *logrus.Logger, opts ...kv.Option) (model.StatusPublisher, error) {
	js, ok := s.(*events.NatsJetstream)
	if !ok {
		return nil, errors.Wrap(ErrStatusKV, "status-kv publisher is only supported on NATS")
	}

	kvOpts := append(append([]kv.Option{}, defaultKVOpts...), opts...)

	statusKV, err := kv.CreateOrBindKVBucket(js, statusKVName, kvOpts...)
	if err != nil {
		return nil, errors.Wrap(ErrStatusKV, "unable to bind status KV bucket: "+err.Error())
	}

	return &statusKVPublisher{
		kv:       statusKV,
		workerID: registry.GetID(model.AppName).String(),
		log:      log,
		revs:     map[string]uint64{},
	}, nil
}
