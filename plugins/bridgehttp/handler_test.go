package bridgehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/log"
)

type fakeHost struct {
	tracked   []domain.WrapperException
	props     []map[string]string
	reports   map[string]domain.ErrorReport
	deleted   []string
	confirmed []domain.UserConfirmation
	atts      map[string][]domain.ErrorAttachmentLog
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		reports: map[string]domain.ErrorReport{},
		atts:    map[string][]domain.ErrorAttachmentLog{},
	}
}

func (f *fakeHost) TrackModelException(_ context.Context, exc domain.WrapperException, props map[string]string, _ []domain.ErrorAttachmentLog) (string, error) {
	if err := exc.Validate(); err != nil {
		return "", err
	}
	id := fmt.Sprintf("r%d", len(f.tracked)+1)
	f.tracked = append(f.tracked, exc)
	f.props = append(f.props, props)
	f.reports[id] = domain.ErrorReport{ID: id, Handled: true, Exception: domain.Exception{Type: exc.Type}}
	return id, nil
}

func (f *fakeHost) BuildReport(_ context.Context, id string) (domain.ErrorReport, error) {
	r, ok := f.reports[id]
	if !ok {
		return domain.ErrorReport{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeHost) DeleteException(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeHost) UnprocessedReports(context.Context) ([]domain.ErrorReport, error) {
	var out []domain.ErrorReport
	for _, r := range f.reports {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeHost) Confirm(_ context.Context, c domain.UserConfirmation) (int, error) {
	f.confirmed = append(f.confirmed, c)
	return len(f.reports), nil
}

func (f *fakeHost) SendErrorAttachments(_ context.Context, id string, atts []domain.ErrorAttachmentLog) error {
	if id == "uploading" {
		return domain.ErrReportInFlight
	}
	if _, ok := f.reports[id]; !ok {
		return domain.ErrNotFound
	}
	f.atts[id] = append(f.atts[id], atts...)
	return nil
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func TestHandler_TrackAndFetch(t *testing.T) {
	host := newFakeHost()
	h := NewHandler(host, nil, log.NewNoopLogger())

	w := serve(h, http.MethodPost, "/v1/exceptions",
		`{"exception":{"type":"System.Exception","message":"boom"},"properties":{"k":"v"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("track status = %d, body %s", w.Code, w.Body)
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created["id"] != "r1" {
		t.Errorf("id = %q, want r1", created["id"])
	}
	if host.props[0]["k"] != "v" {
		t.Errorf("properties not forwarded: %v", host.props[0])
	}

	w = serve(h, http.MethodGet, "/v1/exceptions/r1/report", "")
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d", w.Code)
	}
	var report domain.ErrorReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.ID != "r1" || !report.Handled {
		t.Errorf("report = %+v", report)
	}
}

func TestHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid exception", http.MethodPost, "/v1/exceptions", `{"exception":{}}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/v1/exceptions", `{`, http.StatusBadRequest},
		{"missing report", http.MethodGet, "/v1/exceptions/nope/report", "", http.StatusNotFound},
		{"delete", http.MethodDelete, "/v1/exceptions/r1", "", http.StatusNoContent},
		{"attachments for missing report", http.MethodPost, "/v1/reports/nope/attachments", `{"attachments":[{"filename":"a.txt","data":"aGk="}]}`, http.StatusNotFound},
		{"attachments while uploading", http.MethodPost, "/v1/reports/uploading/attachments", `{"attachments":[{"filename":"a.txt","data":"aGk="}]}`, http.StatusConflict},
		{"bad confirmation", http.MethodPost, "/v1/confirmation", `{"confirmation":"maybe"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/v1/exceptions", "", http.StatusMethodNotAllowed},
		{"no metrics without gatherer", http.MethodGet, "/metrics", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(newFakeHost(), nil, log.NewNoopLogger())
			if w := serve(h, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestHandler_AttachmentsAndConfirm(t *testing.T) {
	host := newFakeHost()
	host.reports["r9"] = domain.ErrorReport{ID: "r9"}
	h := NewHandler(host, nil, log.NewNoopLogger())

	w := serve(h, http.MethodPost, "/v1/reports/r9/attachments",
		`{"attachments":[{"filename":"a.txt","data":"aGk="},{"filename":"b.bin","content_type":"application/octet-stream","data":"AAE="}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("attachments status = %d, body %s", w.Code, w.Body)
	}
	atts := host.atts["r9"]
	if len(atts) != 2 {
		t.Fatalf("stored %d attachments, want 2", len(atts))
	}
	if !bytes.Equal(atts[0].Data, []byte("hi")) || atts[0].ContentType != "text/plain" {
		t.Errorf("first attachment = %+v", atts[0])
	}

	w = serve(h, http.MethodPost, "/v1/confirmation", `{"confirmation":"always"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d", w.Code)
	}
	if len(host.confirmed) != 1 || host.confirmed[0] != domain.ConfirmAlways {
		t.Errorf("confirmed = %v", host.confirmed)
	}

	w = serve(h, http.MethodGet, "/v1/reports/unprocessed", "")
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || list.Count != 1 {
		t.Errorf("unprocessed = %s (%v)", w.Body, err)
	}
}

func TestHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "crashship_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := NewHandler(newFakeHost(), reg, log.NewNoopLogger())
	w := serve(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "crashship_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", w.Body)
	}
}
