// Copyright © 2018 One Concern

package web

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/oneconcern/buildfarm/pkg/action"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/scheduler/status"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/transfer"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// HeaderUploadOffset carries the offset at which an upload continues
	HeaderUploadOffset = "X-Upload-Offset"

	maxActionSize = 1 << 20
)

// ExecuteResponse is the JSON reply to an execution request
type ExecuteResponse struct {
	ActionDigest digest.Digest  `json:"actionDigest"`
	Outcome      string         `json:"outcome"`
	CacheHit     bool           `json:"cacheHit,omitempty"`
	Result       *action.Result `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func httpStatus(err error) int {
	switch status.Code(err) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.OutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Aborted, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Canceled:
		return 499
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		s.l.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Code: status.Code(err).String(), Error: err.Error()})
}

func urlDigest(r *http.Request) (digest.Digest, error) {
	return digest.FromParts(chi.URLParam(r, "hash"), chi.URLParam(r, "size"))
}

func parseOffset(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, digest.ErrInvalidDigest.WrapMessage("invalid offset %q", value)
	}
	return n, nil
}

// HandleHealthz reports the process is alive
func (s *Server) HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}
}

// HandleReadyz checks the stores answer
func (s *Server) HandleReadyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, store := range []storage.Store{s.params.CAS, s.params.ActionCache} {
			if store == nil {
				continue
			}
			if err := storage.CheckHealth(r.Context(), store); err != nil {
				s.l.Warn("store is not ready", zap.Stringer("store", store), zap.Error(err))
				http.Error(w, store.String()+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("OK"))
	}
}

// HandleStatus dumps the scheduler state
func (s *Server) HandleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.params.Scheduler.Stats())
	}
}

// HandleExecute runs the action in the request body and replies with its result.
//
// A command exiting with a non-zero code is a successful request.
func (s *Server) HandleExecute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxActionSize))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		a, err := action.Unmarshal(data)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		start := time.Now()
		resp, err := s.params.Scheduler.Execute(r.Context(), a)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.l.Debug("executed", zap.Stringer("action", resp.ActionDigest), zap.Stringer("outcome", resp.Outcome),
			zap.Bool("cacheHit", resp.CacheHit), zap.Duration("elapsed", time.Since(start)))

		out := ExecuteResponse{
			ActionDigest: resp.ActionDigest,
			Outcome:      resp.Outcome.String(),
			CacheHit:     resp.CacheHit,
			Result:       resp.Result,
		}
		code := http.StatusOK
		if resp.Err != nil {
			out.Error = resp.Err.Error()
			code = httpStatus(resp.Err)
		}
		writeJSON(w, code, out)
	}
}

// HandleDownload streams a blob from the offset query parameter to its end
func (s *Server) HandleDownload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := urlDigest(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		offset, err := parseOffset(r.URL.Query().Get("offset"))
		if err != nil {
			s.fail(w, r, err)
			return
		}

		rdr, err := s.params.Transfer.OpenDownload(r.Context(), d, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		defer rdr.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(d.Size-offset, 10))
		w.WriteHeader(http.StatusOK)
		if _, err = io.Copy(w, rdr); err != nil {
			// headers are gone: the client sees a short body
			s.l.Warn("download interrupted", zap.Stringer("digest", d), zap.Error(err))
		}
	}
}

// HandleQueryUpload tells where an upload resumes
func (s *Server) HandleQueryUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.params.Transfer.QueryUpload(chi.URLParam(r, "uploadID"))
		if err != nil {
			w.WriteHeader(httpStatus(err))
			return
		}
		w.Header().Set(HeaderUploadOffset, strconv.FormatInt(st.Offset, 10))
		if st.Committed {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HandleUpload appends the request body to an upload.
//
// The body must start at the offset the service holds for the upload, announced by the client
// in the X-Upload-Offset header. The reply carries the new offset: 201 once the blob is
// committed, 202 while more data is expected and 409 when the client is out of sync.
func (s *Server) HandleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := urlDigest(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		offset, err := parseOffset(r.Header.Get(HeaderUploadOffset))
		if err != nil {
			s.fail(w, r, err)
			return
		}

		wr, err := s.params.Transfer.OpenUpload(r.Context(), chi.URLParam(r, "uploadID"), d)
		switch {
		case errors.Is(err, transfer.ErrUploadBusy), errors.Is(err, transfer.ErrUploadMismatch):
			writeJSON(w, http.StatusConflict, errorResponse{Code: codes.Aborted.String(), Error: err.Error()})
			return
		case err != nil:
			s.fail(w, r, err)
			return
		}

		if !wr.Committed() && wr.Offset() != offset {
			_ = wr.Close()
			w.Header().Set(HeaderUploadOffset, strconv.FormatInt(wr.Offset(), 10))
			w.WriteHeader(http.StatusConflict)
			return
		}
		if !wr.Committed() {
			if _, err = io.Copy(wr, r.Body); err != nil {
				_ = wr.Close()
				s.fail(w, r, err)
				return
			}
		}
		if err = wr.Close(); err != nil {
			s.fail(w, r, err)
			return
		}

		w.Header().Set(HeaderUploadOffset, strconv.FormatInt(wr.Offset(), 10))
		if wr.Committed() {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
