package testutils

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut03"
	"github.com/elnosh/nutvault/cashu/nuts/nut04"
	"github.com/elnosh/nutvault/cashu/nuts/nut05"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut09"
	"github.com/elnosh/nutvault/wallet/client"
	"github.com/gorilla/mux"
)

// Handler serves the mint over HTTP. Connection faults are answered
// with 503 so that clients see them as connection errors.
func (m *FakeMint) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/info", m.handle(func(r *http.Request) (any, error) {
		return m.GetMintInfo(r.Context(), "")
	})).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", m.handle(func(r *http.Request) (any, error) {
		return m.GetActiveKeysets(r.Context(), "")
	})).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", m.handle(func(r *http.Request) (any, error) {
		return m.GetKeysetById(r.Context(), "", mux.Vars(r)["id"])
	})).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", m.handle(func(r *http.Request) (any, error) {
		return m.GetAllKeysets(r.Context(), "")
	})).Methods(http.MethodGet)

	r.HandleFunc("/v1/mint/quote/bolt11", m.handle(func(r *http.Request) (any, error) {
		var req nut04.PostMintQuoteBolt11Request
		if err := decodeJsonReqBody(r, &req); err != nil {
			return nil, err
		}
		return m.PostMintQuoteBolt11(r.Context(), "", req)
	})).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", m.handle(func(r *http.Request) (any, error) {
		return m.GetMintQuoteState(r.Context(), "", mux.Vars(r)["quote_id"])
	})).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", m.handle(func(r *http.Request) (any, error) {
		var req nut04.PostMintBolt11Request
		if err := decodeJsonReqBody(r, &req); err != nil {
			return nil, err
		}
		return m.PostMintBolt11(r.Context(), "", req)
	})).Methods(http.MethodPost)

	r.HandleFunc("/v1/swap", m.handle(func(r *http.Request) (any, error) {
		var req nut03.PostSwapRequest
		if err := decodeJsonReqBody(r, &req); err != nil {
			return nil, err
		}
		return m.PostSwap(r.Context(), "", req)
	})).Methods(http.MethodPost)

	r.HandleFunc("/v1/melt/quote/bolt11", m.handle(func(r *http.Request) (any, error) {
		var req nut05.PostMeltQuoteBolt11Request
		if err := decodeJsonReqBody(r, &req); err != nil {
			return nil, err
		}
		return m.PostMeltQuoteBolt11(r.Context(), "", req)
	})).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", m.handle(func(r *http.Request) (any, error) {
		return m.GetMeltQuoteState(r.Context(), "", mux.Vars(r)["quote_id"])
	})).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", m.handle(func(r *http.Request) (any, error) {
		var req nut05.PostMeltBolt11Request
		if err := decodeJsonReqBody(r, &req); err != nil {
			return nil, err
		}
		return m.PostMeltBolt11(r.Context(), "", req)
	})).Methods(http.MethodPost)

	r.HandleFunc("/v1/checkstate", m.handle(func(r *http.Request) (any, error) {
		var req nut07.PostCheckStateRequest
		if err := decodeJsonReqBody(r, &req); err != nil {
			return nil, err
		}
		return m.PostCheckProofState(r.Context(), "", req)
	})).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", m.handle(func(r *http.Request) (any, error) {
		var req nut09.PostRestoreRequest
		if err := decodeJsonReqBody(r, &req); err != nil {
			return nil, err
		}
		return m.PostRestore(r.Context(), "", req)
	})).Methods(http.MethodPost)

	r.HandleFunc("/v1/ws", m.serveWS)

	return r
}

func (m *FakeMint) handle(f func(*http.Request) (any, error)) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		response, err := f(req)
		if err != nil {
			writeErr(rw, req, err)
			return
		}
		writeResponse(rw, req, response)
	}
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return cashu.Error{Detail: "bad request: " + err.Error(), Code: cashu.StandardErrCode}
	}
	return nil
}

func writeResponse(rw http.ResponseWriter, req *http.Request, response any) {
	rw.Header().Set("Content-Type", "application/json")
	jsonResponse, err := json.Marshal(response)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Write(jsonResponse)
}

func writeErr(rw http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, client.ErrConnection) {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) {
		cashuErr = cashu.StandardErr
	}
	slog.Debug("fake mint returning error", slog.String("path", req.URL.Path), slog.String("error", cashuErr.Detail))

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}
