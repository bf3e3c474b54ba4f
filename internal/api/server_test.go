package api

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crimson-sun/cadence/internal/logging"
)

type part struct {
	field       string
	filename    string
	contentType string
	body        string
}

func uploadRequest(t *testing.T, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disp := fmt.Sprintf(`form-data; name="%s"`, p.field)
		if p.filename != "" {
			disp += fmt.Sprintf(`; filename="%s"`, p.filename)
		}
		h.Set("Content-Disposition", disp)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write([]byte(p.body))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoot(t *testing.T) {
	h := Handler(logging.Discard(), 0)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"Hello":"World"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUploadAcceptsAudio(t *testing.T) {
	h := Handler(logging.Discard(), 0)
	for _, ct := range []string{"audio/mpeg", "audio/wav"} {
		t.Run(ct, func(t *testing.T) {
			req := uploadRequest(t,
				part{field: "audio", filename: "song", contentType: ct, body: "RIFF....WAVE"},
				part{field: "lyrics", body: "[Chorus]\nla la la"},
			)
			rec := serve(h, req)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, `{"message":"File Received"}`, rec.Body.String())
		})
	}
}

func TestUploadRejectsOtherTypes(t *testing.T) {
	h := Handler(logging.Discard(), 0)
	for _, ct := range []string{"text/plain", "audio/ogg", "audio/x-wav", "application/octet-stream", ""} {
		t.Run(ct, func(t *testing.T) {
			req := uploadRequest(t,
				part{field: "audio", filename: "notes.txt", contentType: ct, body: "hello"},
				part{field: "lyrics", body: "words"},
			)
			rec := serve(h, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, `{"error":"Invalid file type. Only MP3 and WAV are supported."}`, rec.Body.String())
		})
	}
}

func TestUploadMalformed(t *testing.T) {
	h := Handler(logging.Discard(), 0)

	t.Run("missing audio", func(t *testing.T) {
		rec := serve(h, uploadRequest(t, part{field: "lyrics", body: "words"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), `"error"`)
	})

	t.Run("missing lyrics", func(t *testing.T) {
		rec := serve(h, uploadRequest(t, part{field: "audio", filename: "a.mp3", contentType: "audio/mpeg", body: "ID3"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "lyrics")
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/upload/", strings.NewReader(`{"lyrics":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := serve(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadTooLarge(t *testing.T) {
	h := Handler(logging.Discard(), 1024)
	req := uploadRequest(t,
		part{field: "audio", filename: "big.wav", contentType: "audio/wav", body: strings.Repeat("x", 4096)},
		part{field: "lyrics", body: "words"},
	)
	rec := serve(h, req)
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.NotContains(t, rec.Body.String(), "File Received")
}

func TestMethodNotAllowed(t *testing.T) {
	h := Handler(logging.Discard(), 0)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/upload/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
