package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsEndpoint = "0.0.0.0:9090"
)

var (
	LeaseTransitionCounter *prometheus.CounterVec
	ForcedReleaseCounter   *prometheus.CounterVec

	BIOSOperationCounter        *prometheus.CounterVec
	BIOSOperationRunTimeSummary *prometheus.SummaryVec

	VMProvisionCounter        *prometheus.CounterVec
	VMProvisionRunTimeSummary *prometheus.SummaryVec
	VMProvisionStepSummary    *prometheus.SummaryVec

	LockWaitSummary *prometheus.SummaryVec

	RemoteCommandCounter *prometheus.CounterVec
	TransferBytes        *prometheus.CounterVec

	StoreQueryErrorCount *prometheus.CounterVec
)

func init() {
	LeaseTransitionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bladedirector_lease_transitions",
			Help: "A counter metric to measure the total count of lease state transitions",
		},
		[]string{"kind", "from", "to"}, // kind is blade/vm
	)

	ForcedReleaseCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bladedirector_forced_releases",
			Help: "A counter metric to measure the total count of releases forced by keepalive expiry",
		},
		[]string{"kind"},
	)

	BIOSOperationCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bladedirector_bios_operations",
			Help: "A counter metric to measure the total count of BIOS read/write operations, by outcome",
		},
		[]string{"mode", "result"},
	)

	BIOSOperationRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bladedirector_bios_operation_duration_seconds",
			Help: "A summary metric to measure the total time spent in each BIOS operation",
		},
		[]string{"mode", "result"},
	)

	VMProvisionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bladedirector_vm_provisions",
			Help: "A counter metric to measure the total count of VM provisioning operations, by outcome",
		},
		[]string{"result"},
	)

	VMProvisionRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bladedirector_vm_provision_duration_seconds",
			Help: "A summary metric to measure the total time spent provisioning a VM",
		},
		[]string{"result"},
	)

	VMProvisionStepSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bladedirector_vm_provision_step_seconds",
			Help: "A summary metric to measure the time spent in each VM provisioning step",
		},
		[]string{"step", "state"},
	)

	LockWaitSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bladedirector_lock_wait_seconds",
			Help: "A summary metric to measure the time spent waiting for a capability lock bit",
		},
		[]string{"bit"},
	)

	RemoteCommandCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bladedirector_remote_commands",
			Help: "A counter metric to measure the total count of remote commands executed",
		},
		[]string{"status"},
	)

	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bladedirector_transfer_bytes",
			Help: "A counter metric to measure bytes copied to and from remote hosts",
		},
		[]string{"direction"},
	)

	StoreQueryErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_query_error_count",
			Help: "A counter metric to measure the total count of errors querying the resource store.",
		},
		[]string{"storeKind"},
	)
}

// ListenAndServe exposes prometheus metrics as /metrics
func ListenAndServe(endpoint string) {
	if endpoint == "" {
		endpoint = MetricsEndpoint
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              endpoint,
			Handler:           mux,
			ReadHeaderTimeout: 2 * time.Second, // nolint:gomnd // time duration value is clear as is.
		}

		if err := server.ListenAndServe(); err != nil {
			log.Println(err)
		}
	}()
}
