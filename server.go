package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/annotate"
	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/media"
	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/model"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/video"
)

type AppState struct {
	cfg        config.Config
	handle     *model.Handle
	dispatcher *media.Dispatcher
	filter     media.Postprocessor
	annotation annotate.Options
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger
}

type UploadResponse struct {
	Success   bool                    `json:"success"`
	Type      models.MediaType        `json:"type"`
	Filename  string                  `json:"filename"`
	ResultURL string                  `json:"result_url"`
	Message   string                  `json:"message"`
	Data      *models.DetectionReport `json:"data"`
}

type FrameResponse struct {
	Success    bool                `json:"success"`
	Detections models.DetectionSet `json:"detections"`
	Count      int                 `json:"count"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func newAppState(cfg config.Config, handle *model.Handle, opener video.Opener, logger *zap.SugaredLogger, m *metrics.Metrics) *AppState {
	opts := media.Options{
		MinConfidence: cfg.Conf,
		Stride:        cfg.Stride,
		Annotation:    annotate.DefaultOptions(),
		Debug:         cfg.Debug,
	}
	images := media.NewImagePipeline(handle, opts, logger.Named("image"), m)
	videos := media.NewVideoPipeline(handle, opener, opts, logger.Named("video"), m)

	return &AppState{
		cfg:        cfg,
		handle:     handle,
		dispatcher: media.NewDispatcher(images, videos, cfg.ResultsDir, logger.Named("dispatch"), m),
		filter:     media.NewScoreFilter(cfg.Conf),
		annotation: opts.Annotation,
		metrics:    m,
		logger:     logger,
	}
}

func (s *AppState) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/upload", s.handleUpload).Methods("POST")
	r.HandleFunc("/results/{filename}", s.handleResult).Methods("GET")
	r.HandleFunc("/detect_frame", s.handleDetectFrame).Methods("POST")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *AppState) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendErrorResponse(w, "file_too_large", "Upload exceeds the size limit", http.StatusRequestEntityTooLarge)
			return
		}
		sendErrorResponse(w, "missing_file", "No file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "." || filename == string(filepath.Separator) {
		sendErrorResponse(w, "missing_file", "No file selected", http.StatusBadRequest)
		return
	}
	if _, err := media.Classify(filename); err != nil {
		sendErrorResponse(w, models.KindUnsupportedMedia.String(), MsgUnsupported, http.StatusBadRequest)
		return
	}

	uploadPath := filepath.Join(s.cfg.UploadDir, uuid.NewString()[:8]+"_"+filename)
	if err := saveUpload(uploadPath, file); err != nil {
		s.logger.Errorw("saving upload", "path", uploadPath, "error", err)
		sendErrorResponse(w, "upload_error", "Failed to store upload", http.StatusInternalServerError)
		return
	}

	report, err := s.dispatcher.Dispatch(r.Context(), uploadPath, filename)
	if err != nil {
		s.sendError(w, err)
		return
	}

	name := filepath.Base(report.OutputPath)
	writeJSON(w, http.StatusOK, UploadResponse{
		Success:   true,
		Type:      report.MediaType,
		Filename:  name,
		ResultURL: "/results/" + name,
		Message:   summaryMessage(report),
		Data:      report,
	})
}

func saveUpload(path string, src io.Reader) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	_, err = io.Copy(f, src)
	return err
}

func (s *AppState) handleResult(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		sendErrorResponse(w, "not_found", "No such result", http.StatusNotFound)
		return
	}
	path := filepath.Join(s.cfg.ResultsDir, name)
	if _, err := os.Stat(path); err != nil {
		sendErrorResponse(w, "not_found", "No such result", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *AppState) handleDetectFrame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())

	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	data := req.Image
	// browsers send data URLs
	if _, payload, found := strings.Cut(data, ","); found {
		data = payload
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		sendErrorResponse(w, "invalid_request", "image is not valid base64", http.StatusBadRequest)
		return
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		s.sendError(w, models.NewError(models.KindDecode, err, "failed to decode image"))
		return
	}

	m, err := s.handle.Acquire(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	predictions, err := s.handle.Infer(r.Context(), img)
	if err != nil {
		s.sendError(w, err)
		return
	}
	set := annotate.New(m.Classes(), s.annotation).Normalize(s.filter(predictions))
	s.metrics.Request("frame", "success")
	s.metrics.Detections(set.Counts())

	writeJSON(w, http.StatusOK, FrameResponse{Success: true, Detections: set, Count: len(set)})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":       "ok",
		"model_loaded": s.handle.Loaded(),
		"model_loads":  s.handle.Loads(),
	}
	if stats, ok := s.poolStats(); ok {
		health["sessions"] = map[string]interface{}{
			"size":        stats.Size,
			"live":        stats.Live,
			"in_use":      stats.InUse,
			"discarded":   stats.Discarded,
			"last_errors": stats.LastErrors,
		}
		if stats.Live < stats.Size {
			health["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// poolStats reads the session pool of the cached model. It never loads one.
func (s *AppState) poolStats() (metrics.PoolStats, bool) {
	m, ok := s.handle.Cached()
	if !ok {
		return metrics.PoolStats{}, false
	}
	d, ok := m.(*detections.Detector)
	if !ok {
		return metrics.PoolStats{}, false
	}
	pm := d.PoolMetrics()
	errs := d.PoolErrors()
	last := make([]string, len(errs))
	for i, err := range errs {
		last[i] = err.Error()
	}
	return metrics.PoolStats{
		Size:            d.PoolSize(),
		Live:            d.PoolLive(),
		InUse:           pm.InUse,
		AcquireFailures: pm.AcquireFailures,
		Discarded:       pm.Discarded,
		LastErrors:      last,
	}, true
}

// statusFor maps a pipeline failure to its HTTP status.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindUnsupportedMedia, models.KindDecode:
		return http.StatusBadRequest
	case models.KindEmptyStream:
		return http.StatusUnprocessableEntity
	case models.KindModelLoad:
		return http.StatusServiceUnavailable
	case models.KindAborted:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *AppState) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "error", err)
	}
	message := err.Error()
	var typed *models.Error
	if errors.As(err, &typed) {
		message = typed.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    models.KindOf(err).String(),
		Message: message,
		Details: err.Error(),
	})
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
