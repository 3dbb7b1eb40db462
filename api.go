package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/spf13/cast"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

// maxUploadSize bounds multipart request bodies.
const maxUploadSize = 100 << 20

// maxTxnRetries bounds how many times a mutating handler replays its
// engine call after a store conflict.
const maxTxnRetries = 5

func (s *Server) Handler() http.Handler {
	m := chi.NewMux()
	m.Use(middleware.Recoverer)
	m.Use(middleware.RealIP)
	m.Use(requestLogger)
	m.Use(middleware.Heartbeat("/hc"))
	m.Use(cors.AllowAll().Handler)
	m.Use(handleAuth(s.verifier, s.cfg))

	m.Post("/postoperation", s.postOperation)
	m.Post("/respondtooperation", s.respondToOperation)
	m.Post("/getoperationbyidx", s.getOperationByIdx)
	m.Post("/markoperationprocessed", s.markOperationProcessed)
	m.Post("/bumpaddressindices", s.bumpAddressIndices)
	m.Post("/getfile", s.getFile)
	m.Get("/getlastprocessedopidx", s.getLastProcessedOpIdx)
	m.Get("/getcurrentaddressindices", s.getCurrentAddressIndices)
	m.Get("/info", s.info)

	return m
}

func requestLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		start := time.Now()
		next.ServeHTTP(ww, r)

		slog.Info("request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
		)
	}

	return http.HandlerFunc(fn)
}

func renderJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)

	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
	Code  uint16 `json:"code"`
	Name  string `json:"name"`
}

// renderErr writes the error envelope wallet clients dispatch on:
// {"error": ..., "code": <http status>, "name": <failure name>}.
func renderErr(w http.ResponseWriter, err error) {
	status, name, msg := errors.HTTPInfo(err)

	slog.Error("api error", "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(apiError{
		Error: msg,
		Code:  uint16(status),
		Name:  name,
	})
}

// retryConflict replays fn while the store reports a serialization
// conflict. Every attempt re-evaluates its preconditions inside a fresh
// transaction, so a replayed call observes the state left by the writer
// that won.
func retryConflict(fn func() error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		if err = fn(); !isConflict(err) {
			return err
		}
	}

	return errors.Wrap(errors.ErrStore, "too many transaction conflicts")
}

func (s *Server) postOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := IdentityFrom(ctx)
	if !ok {
		renderErr(w, errors.Wrap(errors.ErrUnauthorized, "unauthenticated"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	form, err := r.MultipartReader()
	if err != nil {
		renderErr(w, errors.Wrap(errors.ErrInvalidRequest, "failed to parse multipart"))
		return
	}

	var (
		typ     OperationType
		typeSet bool
		files   []File
	)

	for {
		part, err := form.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			renderErr(w, errors.Wrap(errors.ErrInvalidRequest, "failed to parse multipart"))
			return
		}

		name := part.FormName()
		switch {
		case name == "operation_type":
			b, err := io.ReadAll(part)
			if err != nil {
				renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "failed to read field: %v", err))
				return
			}

			typ = OperationType(cast.ToUint8(strings.TrimSpace(string(b))))
			typeSet = true
		case strings.HasPrefix(name, "file_"):
			ft, ok := fileTypeFromField(strings.TrimPrefix(name, "file_"))
			if !ok {
				renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "invalid file type %q", name))
				return
			}

			id, err := s.blobs.Save(part)
			if err != nil {
				renderErr(w, err)
				return
			}

			files = append(files, File{ID: id, Type: ft})
		default:
			renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "unexpected field %q", name))
			return
		}
	}

	if !typeSet {
		renderErr(w, errors.Wrap(errors.ErrInvalidRequest, "operation type not provided"))
		return
	}

	var op *Operation
	err = retryConflict(func() error {
		var err error
		op, err = s.engine.Propose(user.XPub, typ, files)
		return err
	})
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]uint64{"operation_idx": op.Index})
}

type respondRequest struct {
	OperationIdx uint64 `json:"operation_idx"`
	Ack          bool   `json:"ack"`
}

func (s *Server) respondToOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := IdentityFrom(ctx)
	if !ok {
		renderErr(w, errors.Wrap(errors.ErrUnauthorized, "unauthenticated"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	form, err := r.MultipartReader()
	if err != nil {
		renderErr(w, errors.Wrap(errors.ErrInvalidRequest, "failed to parse multipart"))
		return
	}

	var (
		req  *respondRequest
		psbt string
	)

	for {
		part, err := form.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			renderErr(w, errors.Wrap(errors.ErrInvalidRequest, "failed to parse multipart"))
			return
		}

		name := part.FormName()
		switch name {
		case "request":
			var body respondRequest
			if err := json.NewDecoder(part).Decode(&body); err != nil {
				renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse JSON: %v", err))
				return
			}

			req = &body
		case "file_psbt":
			if psbt != "" {
				renderErr(w, errors.Wrap(errors.ErrInvalidRequest, "more than one PSBT provided"))
				return
			}

			id, err := s.blobs.Save(part)
			if err != nil {
				renderErr(w, err)
				return
			}

			psbt = id
		default:
			renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "unexpected field %q", name))
			return
		}
	}

	if req == nil {
		renderErr(w, errors.Wrap(errors.ErrInvalidRequest, "missing request body"))
		return
	}

	err = retryConflict(func() error {
		_, err := s.engine.Respond(user.XPub, req.OperationIdx, req.Ack, psbt)
		return err
	})
	if err != nil {
		renderErr(w, err)
		return
	}

	view, err := s.engine.GetOperation(req.OperationIdx, user.XPub)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, view)
}

func (s *Server) getOperationByIdx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := IdentityFrom(ctx)
	if !ok {
		renderErr(w, errors.Wrap(errors.ErrUnauthorized, "unauthenticated"))
		return
	}

	var body struct {
		OperationIdx uint64 `json:"operation_idx"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse JSON: %v", err))
		return
	}

	view, err := s.engine.GetOperation(body.OperationIdx, user.XPub)
	if err != nil {
		// an unknown index answers null, not an error
		if errors.ErrNotFound.Is(err) {
			renderJSON(w, nil)
			return
		}

		renderErr(w, err)
		return
	}

	renderJSON(w, view)
}

func (s *Server) markOperationProcessed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := IdentityFrom(ctx)
	if !ok {
		renderErr(w, errors.Wrap(errors.ErrUnauthorized, "unauthenticated"))
		return
	}

	var body struct {
		OperationIdx uint64 `json:"operation_idx"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse JSON: %v", err))
		return
	}

	err := retryConflict(func() error {
		return s.engine.MarkProcessed(user.XPub, body.OperationIdx)
	})
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, struct{}{})
}

func (s *Server) bumpAddressIndices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := IdentityFrom(ctx)
	if !ok {
		renderErr(w, errors.Wrap(errors.ErrUnauthorized, "unauthenticated"))
		return
	}

	var body struct {
		Count    uint8 `json:"count"`
		Internal bool  `json:"internal"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse JSON: %v", err))
		return
	}

	var first uint32
	err := retryConflict(func() error {
		var err error
		first, err = s.engine.BumpAddressIndices(user.XPub, body.Count, body.Internal)
		return err
	})
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]uint32{"first": first})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileID string `json:"file_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderErr(w, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse JSON: %v", err))
		return
	}

	f, err := s.blobs.Open(body.FileID)
	if err != nil {
		renderErr(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		renderErr(w, errors.Wrap(errors.ErrStore, "stat file"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(200)

	_, _ = io.Copy(w, f)
}

func (s *Server) getLastProcessedOpIdx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := IdentityFrom(ctx)
	if !ok {
		renderErr(w, errors.Wrap(errors.ErrUnauthorized, "unauthenticated"))
		return
	}

	xpub, err := s.queriedXPub(r, user)
	if err != nil {
		renderErr(w, err)
		return
	}

	idx, err := s.engine.LastProcessedIndex(xpub)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]uint64{"operation_idx": idx})
}

func (s *Server) getCurrentAddressIndices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := IdentityFrom(ctx)
	if !ok {
		renderErr(w, errors.Wrap(errors.ErrUnauthorized, "unauthenticated"))
		return
	}

	xpub, err := s.queriedXPub(r, user)
	if err != nil {
		renderErr(w, err)
		return
	}

	next, err := s.engine.CurrentAddressIndices(xpub)
	if err != nil {
		renderErr(w, err)
		return
	}

	// counters store the next unused index; the current one is a step
	// behind, or null when nothing was handed out yet
	var resp struct {
		Internal *uint32 `json:"internal"`
		External *uint32 `json:"external"`
	}

	if next.Internal > 0 {
		v := next.Internal - 1
		resp.Internal = &v
	}
	if next.External > 0 {
		v := next.External - 1
		resp.External = &v
	}

	renderJSON(w, resp)
}

type infoResponse struct {
	MinRGBLibVersion string  `json:"min_rgb_lib_version"`
	MaxRGBLibVersion string  `json:"max_rgb_lib_version"`
	RGBLibVersion    string  `json:"rgb_lib_version"`
	ThresholdColored uint8   `json:"threshold_colored"`
	ThresholdVanilla uint8   `json:"threshold_vanilla"`
	LastOperationIdx *uint64 `json:"last_operation_idx"`
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	last, err := s.engine.LastOperationIndex()
	if err != nil {
		renderErr(w, err)
		return
	}

	resp := infoResponse{
		MinRGBLibVersion: MinRGBLibVersion,
		MaxRGBLibVersion: MaxRGBLibVersion,
		RGBLibVersion:    s.cfg.RGBLibVersion,
		ThresholdColored: s.cfg.ThresholdColored,
		ThresholdVanilla: s.cfg.ThresholdVanilla,
	}
	if last > 0 {
		resp.LastOperationIdx = &last
	}

	renderJSON(w, resp)
}

// queriedXPub resolves which cosigner's records a read targets: a
// cosigner always reads its own, a watch-only caller names one with the
// xpub query parameter.
func (s *Server) queriedXPub(r *http.Request, user *Identity) (string, error) {
	if user.Cosigner() {
		return user.XPub, nil
	}

	xpub := r.URL.Query().Get("xpub")
	if xpub == "" {
		return "", errors.Wrap(errors.ErrInvalidRequest, "missing xpub query parameter")
	}
	if !s.cfg.IsCosigner(xpub) {
		return "", errors.Wrap(errors.ErrInvalidRequest, "unknown cosigner xpub")
	}

	return xpub, nil
}

func fileTypeFromField(suffix string) (FileType, bool) {
	switch suffix {
	case "psbt":
		return FileTypePSBT, true
	case "media":
		return FileTypeMedia, true
	case "operation_data":
		return FileTypeOperationData, true
	case "consignment":
		return FileTypeConsignment, true
	default:
		return 0, false
	}
}
