package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/pkg/errors"
)

func (a *API) result(w http.ResponseWriter, r *http.Request, result model.Result, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, ResultResponse{Result: result})
}

func (a *API) ids(w http.ResponseWriter, r *http.Request, ids []string, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, IDsResponse{IDs: ids})
}

func (a *API) requestAnyBlade(w http.ResponseWriter, r *http.Request) {
	var req RequestorRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, ip, err := a.director.RequestAnyBlade(r.Context(), req.Requestor)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, ResultResponse{Result: result, ID: ip})
}

func (a *API) requestBlade(w http.ResponseWriter, r *http.Request) {
	var req RequestorRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, err := a.director.RequestBlade(r.Context(), chi.URLParam(r, "ip"), req.Requestor)
	a.result(w, r, result, err)
}

func (a *API) release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, err := a.director.ReleaseResource(r.Context(), chi.URLParam(r, "ip"), req.Requestor, req.Force)
	a.result(w, r, result, err)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	status, err := a.director.GetStatus(r.Context(), chi.URLParam(r, "ip"), r.URL.Query().Get("requestor"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, StatusResponse{Status: status})
}

func (a *API) keepAlive(w http.ResponseWriter, r *http.Request) {
	var req RequestorRequest
	if !a.decode(w, r, &req) {
		return
	}

	a.result(w, r, model.ResultSuccess, a.director.KeepAlive(r.Context(), req.Requestor))
}

func (a *API) startBIOSWrite(w http.ResponseWriter, r *http.Request) {
	var req BIOSWriteRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, err := a.director.StartBIOSWrite(r.Context(), chi.URLParam(r, "ip"), req.Requestor, req.Image, req.Force)
	a.result(w, r, result, err)
}

func (a *API) startBIOSRead(w http.ResponseWriter, r *http.Request) {
	var req RequestorRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, err := a.director.StartBIOSRead(r.Context(), chi.URLParam(r, "ip"), req.Requestor)
	a.result(w, r, result, err)
}

func (a *API) pollBIOSWrite(w http.ResponseWriter, r *http.Request) {
	a.write(w, http.StatusOK, ResultResponse{Result: a.director.PollBIOSWrite(r.Context(), chi.URLParam(r, "ip"))})
}

func (a *API) pollBIOSRead(w http.ResponseWriter, r *http.Request) {
	result, image := a.director.PollBIOSRead(r.Context(), chi.URLParam(r, "ip"))
	a.write(w, http.StatusOK, ResultResponse{Result: result, Image: image})
}

func (a *API) requestVM(w http.ResponseWriter, r *http.Request) {
	var req VMRequest
	if !a.decode(w, r, &req) {
		return
	}

	hw, sw, err := req.specs()
	if err != nil {
		a.fail(w, r, errors.Wrap(ErrBadRequest, err.Error()))
		return
	}

	result, token, err := a.director.RequestVM(r.Context(), req.Requestor, hw, sw)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, ResultResponse{Result: result, ID: token})
}

func (a *API) pollVMRequest(w http.ResponseWriter, r *http.Request) {
	result, vm, err := a.director.PollVMRequest(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, ResultResponse{Result: result, ID: vm})
}

func (a *API) selectSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if !a.decode(w, r, &req) {
		return
	}

	result, err := a.director.SelectSnapshot(r.Context(), chi.URLParam(r, "ip"), req.Requestor, req.Snapshot)
	a.result(w, r, result, err)
}

func (a *API) listBlades(w http.ResponseWriter, r *http.Request) {
	ids, err := a.director.ListAllBladeIDs(r.Context())
	a.ids(w, r, ids, err)
}

func (a *API) listVMs(w http.ResponseWriter, r *http.Request) {
	ids, err := a.director.ListAllVMIDs(r.Context())
	a.ids(w, r, ids, err)
}

func (a *API) ownedBy(w http.ResponseWriter, r *http.Request) {
	ids, err := a.director.GetBladesOwnedBy(r.Context(), chi.URLParam(r, "requestor"))
	a.ids(w, r, ids, err)
}

func (a *API) blade(w http.ResponseWriter, r *http.Request) {
	b, err := a.director.Blade(r.Context(), chi.URLParam(r, "ip"))
	if errors.Is(err, store.ErrNotFound) {
		a.write(w, http.StatusNotFound, ResultResponse{Result: model.ResultNotFound})
		return
	}

	if err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := bladeResponse(b)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, resp)
}

func (a *API) vm(w http.ResponseWriter, r *http.Request) {
	v, err := a.director.VM(r.Context(), chi.URLParam(r, "ip"))
	if errors.Is(err, store.ErrNotFound) {
		a.write(w, http.StatusNotFound, ResultResponse{Result: model.ResultNotFound})
		return
	}

	if err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := vmResponse(v)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.write(w, http.StatusOK, resp)
}
