// Package api serves the upload endpoint that accepts an audio file and its
// lyrics for later classification.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// InvalidFileTypeMessage is the error returned for audio parts that are not
// MP3 or WAV.
const InvalidFileTypeMessage = "Invalid file type. Only MP3 and WAV are supported."

// AllowedAudioTypes lists the accepted Content-Type values of the audio part.
var AllowedAudioTypes = []string{"audio/mpeg", "audio/wav"}

const (
	audioField  = "audio"
	lyricsField = "lyrics"

	// DefaultMaxUploadBytes bounds the request body.
	DefaultMaxUploadBytes = 32 << 20
)

// Server handles upload requests.
type Server struct {
	logger   *slog.Logger
	maxBytes int64
}

// NewServer registers the API routes on router.
func NewServer(router *mux.Router, logger *slog.Logger, maxBytes int64) *Server {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	s := &Server{logger: logger, maxBytes: maxBytes}
	router.Use(s.requestLogger)
	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/upload/", s.handleUpload).Methods(http.MethodPost)
	return s
}

// Handler returns a router with all routes registered.
func Handler(logger *slog.Logger, maxBytes int64) http.Handler {
	r := mux.NewRouter()
	NewServer(r, logger, maxBytes)
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"Hello": "World"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Upload exceeds %s.", humanize.IBytes(uint64(s.maxBytes))))
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(audioField)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing file field %q.", audioField))
		return
	}
	file.Close()

	lyrics, ok := r.MultipartForm.Value[lyricsField]
	if !ok || len(lyrics) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing form field %q.", lyricsField))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !slices.Contains(AllowedAudioTypes, contentType) {
		s.logger.Info("upload rejected",
			"filename", header.Filename,
			"content_type", contentType,
		)
		writeError(w, http.StatusBadRequest, InvalidFileTypeMessage)
		return
	}

	s.logger.Info("upload received",
		"filename", header.Filename,
		"content_type", contentType,
		"size", humanize.IBytes(uint64(header.Size)),
		"lyrics_chars", utf8.RuneCountInString(lyrics[0]),
	)
	writeJSON(w, http.StatusOK, map[string]string{"message": "File Received"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger tags each request with an id and logs its outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
