package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/metal-toolbox/bladedirector/internal/director"
	"github.com/metal-toolbox/bladedirector/internal/fixtures"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDirector struct {
	mock.Mock
}

func (m *MockDirector) RequestAnyBlade(_ context.Context, requestor string) (model.Result, string, error) {
	args := m.Called(requestor)
	return args.Get(0).(model.Result), args.String(1), args.Error(2)
}

func (m *MockDirector) RequestBlade(_ context.Context, ip, requestor string) (model.Result, error) {
	args := m.Called(ip, requestor)
	return args.Get(0).(model.Result), args.Error(1)
}

func (m *MockDirector) ReleaseResource(_ context.Context, ip, requestor string, force bool) (model.Result, error) {
	args := m.Called(ip, requestor, force)
	return args.Get(0).(model.Result), args.Error(1)
}

func (m *MockDirector) GetStatus(_ context.Context, ip, requestor string) (model.ResourceStatus, error) {
	args := m.Called(ip, requestor)
	return args.Get(0).(model.ResourceStatus), args.Error(1)
}

func (m *MockDirector) KeepAlive(_ context.Context, requestor string) error {
	return m.Called(requestor).Error(0)
}

func (m *MockDirector) StartBIOSWrite(_ context.Context, ip, requestor, image string, force bool) (model.Result, error) {
	args := m.Called(ip, requestor, image, force)
	return args.Get(0).(model.Result), args.Error(1)
}

func (m *MockDirector) StartBIOSRead(_ context.Context, ip, requestor string) (model.Result, error) {
	args := m.Called(ip, requestor)
	return args.Get(0).(model.Result), args.Error(1)
}

func (m *MockDirector) PollBIOSWrite(_ context.Context, ip string) model.Result {
	return m.Called(ip).Get(0).(model.Result)
}

func (m *MockDirector) PollBIOSRead(_ context.Context, ip string) (model.Result, string) {
	args := m.Called(ip)
	return args.Get(0).(model.Result), args.String(1)
}

func (m *MockDirector) RequestVM(_ context.Context, requestor string, hw model.VMHardwareSpec, sw model.VMSoftwareSpec) (model.Result, string, error) {
	args := m.Called(requestor, hw, sw)
	return args.Get(0).(model.Result), args.String(1), args.Error(2)
}

func (m *MockDirector) PollVMRequest(_ context.Context, token string) (model.Result, string, error) {
	args := m.Called(token)
	return args.Get(0).(model.Result), args.String(1), args.Error(2)
}

func (m *MockDirector) SelectSnapshot(_ context.Context, ip, requestor, snapshot string) (model.Result, error) {
	args := m.Called(ip, requestor, snapshot)
	return args.Get(0).(model.Result), args.Error(1)
}

func (m *MockDirector) ListAllBladeIDs(context.Context) ([]string, error) {
	args := m.Called()
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirector) ListAllVMIDs(context.Context) ([]string, error) {
	args := m.Called()
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirector) GetBladesOwnedBy(_ context.Context, requestor string) ([]string, error) {
	args := m.Called(requestor)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirector) Blade(_ context.Context, ip string) (*model.BladeRecord, error) {
	args := m.Called(ip)

	b, _ := args.Get(0).(*model.BladeRecord)

	return b, args.Error(1)
}

func (m *MockDirector) VM(_ context.Context, ip string) (*model.VMRecord, error) {
	args := m.Called(ip)

	v, _ := args.Get(0).(*model.VMRecord)

	return v, args.Error(1)
}

func serve(t *testing.T, d Director, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	logger, _ := test.NewNullLogger()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}

	w := httptest.NewRecorder()
	New(d, logger).Handler().ServeHTTP(w, req)

	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) ResultResponse {
	t.Helper()

	var resp ResultResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	return resp
}

func TestBoundaryRoutes(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		setup    func(m *MockDirector)
		code     int
		expected ResultResponse
	}{
		{
			"request any blade",
			http.MethodPost, "/api/v1/blades/request", `{"requestor":"client1"}`,
			func(m *MockDirector) {
				m.On("RequestAnyBlade", "client1").Return(model.ResultSuccess, "10.0.0.1", nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultSuccess, ID: "10.0.0.1"},
		},
		{
			"request blade queued",
			http.MethodPost, "/api/v1/blades/10.0.0.1/request", `{"requestor":"client2"}`,
			func(m *MockDirector) {
				m.On("RequestBlade", "10.0.0.1", "client2").Return(model.ResultPending, nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultPending},
		},
		{
			"forced release",
			http.MethodPost, "/api/v1/resources/10.0.0.1/release", `{"requestor":"admin","force":true}`,
			func(m *MockDirector) {
				m.On("ReleaseResource", "10.0.0.1", "admin", true).Return(model.ResultSuccess, nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultSuccess},
		},
		{
			"keepalive",
			http.MethodPost, "/api/v1/keepalive", `{"requestor":"client1"}`,
			func(m *MockDirector) {
				m.On("KeepAlive", "client1").Return(nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultSuccess},
		},
		{
			"start BIOS write",
			http.MethodPost, "/api/v1/blades/10.0.0.1/bios/write", `{"requestor":"client1","image":"<bios/>"}`,
			func(m *MockDirector) {
				m.On("StartBIOSWrite", "10.0.0.1", "client1", "<bios/>", false).Return(model.ResultPending, nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultPending},
		},
		{
			"start forced BIOS write",
			http.MethodPost, "/api/v1/blades/10.0.0.1/bios/write", `{"requestor":"client1","image":"<bios/>","force":true}`,
			func(m *MockDirector) {
				m.On("StartBIOSWrite", "10.0.0.1", "client1", "<bios/>", true).Return(model.ResultPending, nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultPending},
		},
		{
			"start BIOS read",
			http.MethodPost, "/api/v1/blades/10.0.0.1/bios/read", `{"requestor":"client1"}`,
			func(m *MockDirector) {
				m.On("StartBIOSRead", "10.0.0.1", "client1").Return(model.ResultAlreadyInProgress, nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultAlreadyInProgress},
		},
		{
			"poll BIOS write",
			http.MethodGet, "/api/v1/blades/10.0.0.1/bios/write", "",
			func(m *MockDirector) {
				m.On("PollBIOSWrite", "10.0.0.1").Return(model.ResultCancelled)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultCancelled},
		},
		{
			"poll BIOS read",
			http.MethodGet, "/api/v1/blades/10.0.0.1/bios/read", "",
			func(m *MockDirector) {
				m.On("PollBIOSRead", "10.0.0.1").Return(model.ResultSuccess, "<current/>")
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultSuccess, Image: "<current/>"},
		},
		{
			"request VM",
			http.MethodPost, "/api/v1/vms/request",
			`{"requestor":"client1","hardware":{"memory_mb":4096,"cpu_count":2},"software":{"debugger_host":"10.9.0.1","debugger_port":50000,"debugger_key":"a.b.c.d"}}`,
			func(m *MockDirector) {
				m.On("RequestVM", "client1",
					model.VMHardwareSpec{MemoryMB: 4096, CPUCount: 2},
					model.VMSoftwareSpec{DebuggerHost: "10.9.0.1", DebuggerPort: 50000, DebuggerKey: "a.b.c.d"},
				).Return(model.ResultPending, "10.20.1.1", nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultPending, ID: "10.20.1.1"},
		},
		{
			"request VM with unaligned memory",
			http.MethodPost, "/api/v1/vms/request", `{"requestor":"client1","hardware":{"memory_mb":4095,"cpu_count":1}}`,
			func(m *MockDirector) {
				m.On("RequestVM", "client1", model.VMHardwareSpec{MemoryMB: 4095, CPUCount: 1}, model.VMSoftwareSpec{}).
					Return(model.ResultGenericFail, "", errors.Wrap(model.ErrHardwareSpec, "memory"))
			},
			http.StatusBadRequest,
			ResultResponse{Result: model.ResultGenericFail, Error: "memory: invalid VM hardware spec"},
		},
		{
			"poll VM request",
			http.MethodGet, "/api/v1/vms/requests/10.20.1.1", "",
			func(m *MockDirector) {
				m.On("PollVMRequest", "10.20.1.1").Return(model.ResultSuccess, "10.20.1.1", nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultSuccess, ID: "10.20.1.1"},
		},
		{
			"select snapshot",
			http.MethodPost, "/api/v1/resources/10.20.1.1/snapshot", `{"requestor":"client1","snapshot":"win11"}`,
			func(m *MockDirector) {
				m.On("SelectSnapshot", "10.20.1.1", "client1", "win11").Return(model.ResultSuccess, nil)
			},
			http.StatusOK,
			ResultResponse{Result: model.ResultSuccess},
		},
		{
			"invalid requestor",
			http.MethodPost, "/api/v1/blades/10.0.0.1/request", `{"requestor":""}`,
			func(m *MockDirector) {
				m.On("RequestBlade", "10.0.0.1", "").Return(model.ResultGenericFail, errors.Wrap(director.ErrRequestor, `""`))
			},
			http.StatusBadRequest,
			ResultResponse{Result: model.ResultGenericFail, Error: `"": invalid requestor`},
		},
		{
			"store failure",
			http.MethodPost, "/api/v1/resources/10.0.0.1/release", `{"requestor":"client1"}`,
			func(m *MockDirector) {
				m.On("ReleaseResource", "10.0.0.1", "client1", false).Return(model.ResultGenericFail, errors.New("disk I/O error"))
			},
			http.StatusInternalServerError,
			ResultResponse{Result: model.ResultGenericFail, Error: "disk I/O error"},
		},
		{
			"malformed body",
			http.MethodPost, "/api/v1/keepalive", `{"requestor":`,
			func(*MockDirector) {},
			http.StatusBadRequest,
			ResultResponse{Result: model.ResultGenericFail, Error: "unexpected EOF: bad request"},
		},
		{
			"unknown field",
			http.MethodPost, "/api/v1/keepalive", `{"requestor":"client1","owner":"client2"}`,
			func(*MockDirector) {},
			http.StatusBadRequest,
			ResultResponse{Result: model.ResultGenericFail, Error: `json: unknown field "owner": bad request`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockDirector)
			tt.setup(m)

			w := serve(t, m, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, tt.expected, decodeResult(t, w))

			m.AssertExpectations(t)
		})
	}
}

func TestStatusRoute(t *testing.T) {
	m := new(MockDirector)
	m.On("GetStatus", "10.0.0.1", "client1").Return(model.StatusReleasePending, nil)

	w := serve(t, m, http.MethodGet, "/api/v1/resources/10.0.0.1/status?requestor=client1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, model.StatusReleasePending, resp.Status)
}

func TestListRoutes(t *testing.T) {
	m := new(MockDirector)
	m.On("ListAllBladeIDs").Return([]string{"10.0.0.1", "10.0.0.2"}, nil)
	m.On("ListAllVMIDs").Return([]string{}, nil)
	m.On("GetBladesOwnedBy", "client1").Return([]string{"10.0.0.2", "10.20.1.1"}, nil)

	expected := map[string][]string{
		"/api/v1/blades":         {"10.0.0.1", "10.0.0.2"},
		"/api/v1/vms":            {},
		"/api/v1/owners/client1": {"10.0.0.2", "10.20.1.1"},
	}

	for path, ids := range expected {
		w := serve(t, m, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp IDsResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, ids, resp.IDs, path)
	}
}

func TestRecordRoutes(t *testing.T) {
	blade := fixtures.OwnedBlade("10.0.0.1", 1, "client1")
	blade.CurrentlyBeingVMServer = true
	blade.VMDeployState = model.VMDeployReadyForDeployment

	vm := &model.VMRecord{
		LeaseFields:   model.LeaseFields{State: model.LeaseInUse, CurrentOwner: "client1", LastKeepAlive: fixtures.Epoch},
		IP:            "10.20.1.1",
		ParentBladeIP: "10.0.0.1",
		EthMAC:        "00:50:56:00:01:00",
		DisplayName:   "bladedirector-1-0",
		Hardware:      model.VMHardwareSpec{MemoryMB: 4096, CPUCount: 2},
	}

	m := new(MockDirector)
	m.On("Blade", "10.0.0.1").Return(blade, nil)
	m.On("Blade", "10.0.0.9").Return(nil, store.ErrNotFound)
	m.On("VM", "10.20.1.1").Return(vm, nil)

	w := serve(t, m, http.MethodGet, "/api/v1/blades/10.0.0.1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var b BladeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
	assert.Equal(t, "10.0.0.1", b.IP)
	assert.Equal(t, "inUse", b.State)
	assert.Equal(t, "client1", b.CurrentOwner)
	assert.Equal(t, "readyForDeployment", b.VMDeployState)
	assert.True(t, b.CurrentlyBeingVMServer)
	assert.Equal(t, 8192, b.MaxVMMemoryMB)
	assert.True(t, fixtures.Epoch.Equal(b.LastKeepAlive))

	w = serve(t, m, http.MethodGet, "/api/v1/blades/10.0.0.9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ResultNotFound, decodeResult(t, w).Result)

	w = serve(t, m, http.MethodGet, "/api/v1/vms/10.20.1.1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var v VMResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	assert.Equal(t, "10.20.1.1", v.IP)
	assert.Equal(t, "10.0.0.1", v.ParentBladeIP)
	assert.Equal(t, "inUse", v.State)
	assert.Equal(t, HardwareSpec{MemoryMB: 4096, CPUCount: 2}, v.Hardware)
}
