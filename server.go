package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tutortoise/objdetect/detector"
	"github.com/Tutortoise/objdetect/models"
)

const maxUploadBytes = 10 << 20

// Classifier is the part of the detector the HTTP API drives.
type Classifier interface {
	Classify(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (models.Result, error)
	Status() detector.Status
}

// History serves recorded results.
type History interface {
	Recent(ctx context.Context, limit int) ([]models.Result, error)
	Counts(ctx context.Context) (map[models.Label]int, error)
}

type AppState struct {
	Detector Classifier
	History  History
	Preview  http.Handler
	Logger   *zap.SugaredLogger
}

type DetectResponse struct {
	models.Result
	Message string `json:"message"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", handleDetect(s)).Methods("POST")
	s.addMonitoringRoutes(r)
	if s.History != nil {
		r.HandleFunc("/history", s.handleHistory).Methods("GET")
	}
	if s.Preview != nil {
		r.Handle("/preview.png", s.Preview).Methods("GET")
	}
	return r
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Handler:      handler,
		Addr:         addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

func handleDetect(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		requestID := fmt.Sprintf("%d", time.Now().UnixNano())
		timings := &models.ProcessingTimings{RequestID: requestID}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		var imgBytes []byte
		var err error

		switch mediaType {
		case "application/json":
			imgBytes, err = handleJSONRequest(r)
		case "multipart/form-data":
			imgBytes, err = handleMultipartRequest(r)
		default:
			imgBytes, err = handleRawRequest(r)
		}

		if err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		decodeStart := time.Now()
		img, err := decodeImage(imgBytes)
		timings.ImageDecode = time.Since(decodeStart)
		if err != nil {
			sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
			return
		}

		result, err := state.Detector.Classify(r.Context(), img, timings)
		if err != nil {
			state.Logger.Warnw("classification failed", "request_id", requestID, "error", err)
			sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
			return
		}
		state.Logger.Debugw("classified", "request_id", requestID, "label", result.Label, "total", time.Since(startTotal))

		writeJSON(w, DetectResponse{
			Result:  result,
			Message: getDetectionMessage(result.Label),
		})
	}
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	st := s.Detector.Status()
	response := map[string]interface{}{
		"interpreters_in_use": st.Lease.InUse,
		"total_acquired":      st.Lease.TotalAcquired,
		"total_released":      st.Lease.TotalReleased,
		"acquire_failures":    st.Lease.AcquireFailures,
		"cycles":              st.Stats.Cycles,
		"capture_failures":    st.Stats.CaptureFailures,
		"invoke_failures":     st.Stats.InvokeFailures,
		"classified":          st.Stats.Classified,
		"arena_used":          st.ArenaUsed,
	}
	writeJSON(w, response)
}

func (s *AppState) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Detector.Status())
}

func (s *AppState) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendErrorResponse(w, "invalid_request", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	results, err := s.History.Recent(r.Context(), limit)
	if err != nil {
		sendErrorResponse(w, "history_error", err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := s.History.Counts(r.Context())
	if err != nil {
		sendErrorResponse(w, "history_error", err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []models.Result{}
	}
	writeJSON(w, map[string]interface{}{
		"results": results,
		"counts":  counts,
	})
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
