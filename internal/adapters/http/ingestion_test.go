package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/log"
)

func newTestIngestion(url string, maxPayload int64) *Ingestion {
	return NewIngestion(Config{
		ServiceURL:           url,
		AuthKey:              "secret",
		InstallID:            "install-1",
		Hostname:             "host-a",
		MaxPayloadBytes:      maxPayload,
		RetryMaxElapsed:      500 * time.Millisecond,
		RetryInitialInterval: time.Millisecond,
	}, http.DefaultClient, log.NewNoopLogger())
}

func sampleLog() domain.ErrorLog {
	return domain.NewErrorLog(domain.ErrorReport{
		ID:           "r1",
		Kind:         domain.KindPanic,
		AppErrorTime: time.Unix(1700000000, 0).UTC(),
		Exception:    domain.Exception{Type: "panic", Message: "boom"},
	})
}

func TestSend_ErrorLogAsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, errorsEndpoint, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "install-1", r.Header.Get("X-Install-Id"))
		assert.Equal(t, "host-a", r.Header.Get("X-Agent-Hostname"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, newTestIngestion(srv.URL, 0).Send(context.Background(), sampleLog()))
	assert.Equal(t, "managedError", got["type"])
	assert.Equal(t, "r1", got["id"])
	report, ok := got["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "r1", report["id"])
}

func TestSend_AttachmentAsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, attachmentsEndpoint, r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var m attachmentManifest
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("manifest")), &m))
		assert.Equal(t, "r1", m.ErrorID)
		assert.Equal(t, "notes.txt", m.Filename)
		assert.Equal(t, "text/plain", m.ContentType)

		f, hdr, err := r.FormFile("data")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "notes.txt", hdr.Filename)
		assert.Equal(t, "hello", string(data))
	}))
	defer srv.Close()

	att := domain.NewTextAttachment("hello", "notes.txt").ForReport("r1")
	require.NoError(t, newTestIngestion(srv.URL, 0).Send(context.Background(), att))
}

func TestSend_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newTestIngestion(srv.URL, 0).Send(context.Background(), sampleLog()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
		single    bool
	}{
		{"request timeout", http.StatusRequestTimeout, false, false},
		{"too many requests", http.StatusTooManyRequests, false, false},
		{"bad gateway", http.StatusBadGateway, false, false},
		{"payload too large", http.StatusRequestEntityTooLarge, true, true},
		{"bad request", http.StatusBadRequest, true, true},
		{"unauthorized", http.StatusUnauthorized, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := newTestIngestion(srv.URL, 0).Send(context.Background(), sampleLog())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, domain.ErrPermanentDelivery))
			assert.Equal(t, !tt.permanent, errors.Is(err, domain.ErrTransientDelivery))
			if tt.single {
				assert.Equal(t, int32(1), calls.Load(), "permanent failures are not retried")
			} else {
				assert.Greater(t, calls.Load(), int32(1))
			}
		})
	}
}

func TestSend_OversizePayloadNeverSent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	err := newTestIngestion(srv.URL, 16).Send(context.Background(), sampleLog())
	assert.True(t, errors.Is(err, domain.ErrPermanentDelivery))
	assert.Zero(t, calls.Load())
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := newTestIngestion(url, 0).Send(context.Background(), sampleLog())
	assert.True(t, errors.Is(err, domain.ErrTransientDelivery))
}
