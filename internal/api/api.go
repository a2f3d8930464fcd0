// Package api is the HTTP/JSON adapter of the director boundary operations.
//
// Boundary results are protocol results, not transport errors: every call the director
// answered returns 200 with the result code in the body. Malformed requests get 400 and
// unexpected failures 500, both with a genericFail result.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/metal-toolbox/bladedirector/internal/bios"
	"github.com/metal-toolbox/bladedirector/internal/director"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	prefix = "/api/v1"

	// BIOS images are small XML documents
	maxBodyBytes = 16 << 20
)

var (
	ErrBadRequest = errors.New("bad request")
)

// Director is the set of boundary operations served over HTTP.
type Director interface {
	RequestAnyBlade(ctx context.Context, requestor string) (model.Result, string, error)
	RequestBlade(ctx context.Context, ip, requestor string) (model.Result, error)
	ReleaseResource(ctx context.Context, ip, requestor string, force bool) (model.Result, error)
	GetStatus(ctx context.Context, ip, requestor string) (model.ResourceStatus, error)
	KeepAlive(ctx context.Context, requestor string) error
	StartBIOSWrite(ctx context.Context, ip, requestor, image string, force bool) (model.Result, error)
	StartBIOSRead(ctx context.Context, ip, requestor string) (model.Result, error)
	PollBIOSWrite(ctx context.Context, ip string) model.Result
	PollBIOSRead(ctx context.Context, ip string) (model.Result, string)
	RequestVM(ctx context.Context, requestor string, hw model.VMHardwareSpec, sw model.VMSoftwareSpec) (model.Result, string, error)
	PollVMRequest(ctx context.Context, token string) (model.Result, string, error)
	SelectSnapshot(ctx context.Context, ip, requestor, snapshot string) (model.Result, error)
	ListAllBladeIDs(ctx context.Context) ([]string, error)
	ListAllVMIDs(ctx context.Context) ([]string, error)
	GetBladesOwnedBy(ctx context.Context, requestor string) ([]string, error)
	Blade(ctx context.Context, ip string) (*model.BladeRecord, error)
	VM(ctx context.Context, ip string) (*model.VMRecord, error)
}

// API serves the director over HTTP.
type API struct {
	director Director
	logger   *logrus.Logger
}

func New(d Director, logger *logrus.Logger) *API {
	return &API{director: d, logger: logger}
}

// Handler returns the router of the API, wrapped for tracing.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	a.RegisterRoutes(r)

	return otelhttp.NewHandler(r, "bladedirector")
}

// RegisterRoutes adds the API routes to r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route(prefix, func(r chi.Router) {
		r.Post("/keepalive", a.keepAlive)
		r.Get("/owners/{requestor}", a.ownedBy)

		r.Route("/blades", func(r chi.Router) {
			r.Get("/", a.listBlades)
			r.Post("/request", a.requestAnyBlade)
			r.Get("/{ip}", a.blade)
			r.Post("/{ip}/request", a.requestBlade)
			r.Post("/{ip}/bios/write", a.startBIOSWrite)
			r.Get("/{ip}/bios/write", a.pollBIOSWrite)
			r.Post("/{ip}/bios/read", a.startBIOSRead)
			r.Get("/{ip}/bios/read", a.pollBIOSRead)
		})

		r.Route("/vms", func(r chi.Router) {
			r.Get("/", a.listVMs)
			r.Post("/request", a.requestVM)
			r.Get("/requests/{token}", a.pollVMRequest)
			r.Get("/{ip}", a.vm)
		})

		r.Route("/resources/{ip}", func(r chi.Router) {
			r.Get("/status", a.status)
			r.Post("/release", a.release)
			r.Post("/snapshot", a.selectSnapshot)
		})
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		a.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"elapsed":   time.Since(start).String(),
			"requestID": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		a.fail(w, r, errors.Wrap(ErrBadRequest, err.Error()))
		return false
	}

	return true
}

func (a *API) write(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.WithError(err).Warn("unable to encode response")
	}
}

// fail answers an error returned by the director, invalid input is the client's fault.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, director.ErrRequestor),
		errors.Is(err, director.ErrSnapshot),
		errors.Is(err, model.ErrHardwareSpec),
		errors.Is(err, bios.ErrInvalidMode):
		code = http.StatusBadRequest
	default:
		a.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"requestID": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
	}

	a.write(w, code, ResultResponse{Result: model.ResultGenericFail, Error: err.Error()})
}
