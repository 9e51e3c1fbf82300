package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/Brownie44l1/skin-api/internal/model"
)

// Predictor runs the forward pass on a decoded image. *model.Server satisfies it.
type Predictor interface {
	Predict(in *model.Input) (model.DetectionSet, error)
	Device() string
}

// Options bounds what a single request may cost. Zero values fall back to
// the defaults.
type Options struct {
	MaxBodyBytes int64
	MaxPixels    int64
}

type Handler struct {
	predictor    Predictor
	metrics      *Metrics
	logger       *slog.Logger
	maxBodyBytes int64
	maxPixels    int64
}

func NewHandler(predictor Predictor, logger *slog.Logger, opts Options) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = model.DefaultMaxPixels
	}
	return &Handler{
		predictor:    predictor,
		metrics:      &Metrics{},
		logger:       logger,
		maxBodyBytes: opts.MaxBodyBytes,
		maxPixels:    opts.MaxPixels,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ping", h.Ping)
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/metrics", h.Metrics)
	mux.HandleFunc("/invocations", h.Invocations)
	mux.HandleFunc("/predict/image", h.PredictFromImage)
}

// Ping is the container health check: 200 once the model is loaded.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.predictor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "model not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"device": h.predictor.Device(),
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", MetricsContentType)
	if err := h.metrics.WriteText(w); err != nil {
		h.logger.Warn("metrics_write_failed", "error", err.Error())
	}
}

// Invocations takes the raw image as the request body and answers in the
// type named by Accept.
func (h *Handler) Invocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	h.serve(w, r, body, r.Header.Get("Content-Type"))
}

// PredictFromImage accepts a multipart upload in the "image" field.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := r.ParseMultipartForm(h.maxBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	h.logger.Debug("image_upload_received",
		"request_id", RequestID(r.Context()),
		"filename", header.Filename,
		"size", header.Size,
	)
	h.serve(w, r, body, header.Header.Get("Content-Type"))
}

// serve runs decode, predict and encode in order. Each stage's failure ends
// the request with its own status; nothing is retried.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, body []byte, contentType string) {
	reqID := RequestID(r.Context())
	contentType = normalizeMediaType(contentType)
	accept := negotiateAccept(r.Header.Get("Accept"))

	h.metrics.RecordRequestStart()
	start := time.Now()
	detections := 0
	var failure error
	defer func() {
		h.metrics.RecordRequestDone(time.Since(start), detections, failure)
	}()

	fail := func(status int, stage string, err error) {
		failure = err
		h.logger.Warn("invocation_failed",
			"request_id", reqID,
			"stage", stage,
			"status", status,
			"content_type", contentType,
			"accept", accept,
			"error", err.Error(),
		)
		writeError(w, status, err.Error())
	}

	input, err := model.DecodeWithLimit(body, contentType, h.maxPixels)
	if err != nil {
		if errors.Is(err, model.ErrUnsupportedMedia) {
			fail(http.StatusUnsupportedMediaType, "decode", err)
			return
		}
		fail(http.StatusBadRequest, "decode", err)
		return
	}

	inferStart := time.Now()
	set, err := h.predictor.Predict(input)
	h.metrics.RecordInference(time.Since(inferStart))
	if err != nil {
		fail(http.StatusInternalServerError, "predict", err)
		return
	}

	payload, err := model.Encode(set, accept)
	if err != nil {
		if errors.Is(err, model.ErrUnsupportedMedia) {
			fail(http.StatusNotAcceptable, "encode", err)
			return
		}
		fail(http.StatusInternalServerError, "encode", err)
		return
	}
	detections = len(set)

	h.logger.Info("invocation_done",
		"request_id", reqID,
		"width", input.Width,
		"height", input.Height,
		"raw_detections", len(set),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", model.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// normalizeMediaType lowercases the media type and drops its parameters, so
// "Image/JPEG; charset=binary" reaches the decoder as "image/jpeg". A value
// that does not parse is passed through and rejected downstream.
func normalizeMediaType(value string) string {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return mediaType
}

// negotiateAccept picks JSON, the only type the encoder produces, when the
// Accept header is absent or any of its entries admits it. Otherwise the
// first entry is returned for the encoder to reject.
func negotiateAccept(accept string) string {
	if strings.TrimSpace(accept) == "" {
		return model.ContentTypeJSON
	}
	entries := strings.Split(accept, ",")
	for _, entry := range entries {
		switch normalizeMediaType(entry) {
		case model.ContentTypeJSON, "application/*", "*/*":
			return model.ContentTypeJSON
		}
	}
	return normalizeMediaType(entries[0])
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", model.ContentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
