package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
)

const (
	errorsEndpoint      = "/v1/ingest/errors"
	attachmentsEndpoint = "/v1/ingest/attachments"
)

// Config holds the ingestion endpoint and retry budget.
type Config struct {
	ServiceURL string
	AuthKey    string
	InstallID  string
	Hostname   string

	// MaxPayloadBytes rejects larger request bodies before sending.
	MaxPayloadBytes int64

	// RetryMaxElapsed bounds the time spent retrying transient failures.
	RetryMaxElapsed time.Duration

	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration
}

// Ingestion implements ports.Ingestion over HTTP.
type Ingestion struct {
	cfg    Config
	client ports.HTTPClient
	logger ports.Logger
}

var _ ports.Ingestion = (*Ingestion)(nil)

// NewIngestion creates a new HTTP ingestion client.
func NewIngestion(cfg Config, client ports.HTTPClient, logger ports.Logger) *Ingestion {
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 2 * time.Minute
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	return &Ingestion{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// Send uploads one log, retrying transient failures with exponential
// backoff until the retry budget is spent.
func (s *Ingestion) Send(ctx context.Context, l domain.Log) error {
	body, contentType, endpoint, err := s.encode(l)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPermanentDelivery, err)
	}
	if s.cfg.MaxPayloadBytes > 0 && int64(len(body)) > s.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit of %d",
			domain.ErrPermanentDelivery, len(body), s.cfg.MaxPayloadBytes)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.RetryInitialInterval
	eb.MaxInterval = 30 * time.Second

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := s.post(ctx, endpoint, contentType, body)
		if err != nil && !errors.Is(err, domain.ErrPermanentDelivery) {
			s.logger.Debug("upload attempt failed",
				ports.String("type", l.LogType()),
				ports.String("id", l.Base().ID),
				ports.Int("attempt", attempt),
				ports.Err(err))
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(s.cfg.RetryMaxElapsed),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrPermanentDelivery) || errors.Is(err, domain.ErrTransientDelivery) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
}

// errorPayload is the JSON body of an error upload.
type errorPayload struct {
	Type string `json:"type"`
	domain.ErrorLog
}

// attachmentManifest describes the file part of an attachment upload.
type attachmentManifest struct {
	Type        string            `json:"type"`
	ID          string            `json:"id"`
	ErrorID     string            `json:"error_id"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	Timestamp   time.Time         `json:"timestamp"`
	Properties  map[string]string `json:"properties,omitempty"`
}

func (s *Ingestion) encode(l domain.Log) ([]byte, string, string, error) {
	switch v := l.(type) {
	case domain.ErrorLog:
		b, err := json.Marshal(errorPayload{Type: v.LogType(), ErrorLog: v})
		if err != nil {
			return nil, "", "", fmt.Errorf("marshal report: %w", err)
		}
		return b, "application/json", errorsEndpoint, nil

	case domain.ErrorAttachmentLog:
		if err := v.Validate(); err != nil {
			return nil, "", "", err
		}
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)

		manifestJSON, err := json.Marshal(attachmentManifest{
			Type:        v.LogType(),
			ID:          v.ID,
			ErrorID:     v.ErrorID,
			Filename:    v.Filename,
			ContentType: v.ContentType,
			Timestamp:   v.Timestamp,
			Properties:  v.Properties,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("marshal manifest: %w", err)
		}
		manifestPart, err := writer.CreateFormField("manifest")
		if err != nil {
			return nil, "", "", fmt.Errorf("create manifest field: %w", err)
		}
		if _, err := manifestPart.Write(manifestJSON); err != nil {
			return nil, "", "", fmt.Errorf("write manifest: %w", err)
		}

		dataPart, err := writer.CreateFormFile("data", v.Filename)
		if err != nil {
			return nil, "", "", fmt.Errorf("create data field: %w", err)
		}
		if _, err := dataPart.Write(v.Data); err != nil {
			return nil, "", "", fmt.Errorf("write attachment data: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, "", "", fmt.Errorf("finalize multipart: %w", err)
		}
		return body.Bytes(), writer.FormDataContentType(), attachmentsEndpoint, nil

	default:
		return nil, "", "", fmt.Errorf("unsupported log type %T", l)
	}
}

func (s *Ingestion) post(ctx context.Context, endpoint, contentType string, body []byte) error {
	url := s.cfg.ServiceURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: create request: %v", domain.ErrPermanentDelivery, err))
	}

	req.Header.Set("Authorization", "Bearer "+s.cfg.AuthKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Install-Id", s.cfg.InstallID)
	req.Header.Set("X-Agent-Hostname", s.cfg.Hostname)
	req.Header.Set("X-Agent-OSArch", runtime.GOOS+"/"+runtime.GOARCH)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send request: %v", domain.ErrTransientDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			s.logger.Debug("backend asked to retry later", ports.Int("seconds", secs))
			return backoff.RetryAfter(secs)
		}
		return fmt.Errorf("%w: %v", domain.ErrTransientDelivery, statusErr)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %v", domain.ErrTransientDelivery, statusErr)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrPermanentDelivery, statusErr))
	}
}
