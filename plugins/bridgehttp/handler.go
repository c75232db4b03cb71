package bridgehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/pkg/log"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 16 << 20

// Host is the pipeline surface served over HTTP.
type Host interface {
	TrackModelException(ctx context.Context, exc domain.WrapperException, props map[string]string, atts []domain.ErrorAttachmentLog) (string, error)
	BuildReport(ctx context.Context, id string) (domain.ErrorReport, error)
	DeleteException(ctx context.Context, id string) error
	UnprocessedReports(ctx context.Context) ([]domain.ErrorReport, error)
	Confirm(ctx context.Context, c domain.UserConfirmation) (int, error)
	SendErrorAttachments(ctx context.Context, reportID string, atts []domain.ErrorAttachmentLog) error
}

// Handler serves the bridge routes.
type Handler struct {
	host     Host
	gatherer prometheus.Gatherer
	logger   log.Logger
}

// NewHandler creates a Handler. gatherer may be nil to omit /metrics.
func NewHandler(host Host, gatherer prometheus.Gatherer, logger log.Logger) *Handler {
	return &Handler{host: host, gatherer: gatherer, logger: logger}
}

// RegisterRoutes registers the bridge routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/exceptions", h.TrackException).Methods(http.MethodPost)
	r.HandleFunc("/v1/exceptions/{id}/report", h.GetReport).Methods(http.MethodGet)
	r.HandleFunc("/v1/exceptions/{id}", h.DeleteException).Methods(http.MethodDelete)
	r.HandleFunc("/v1/reports/unprocessed", h.ListUnprocessed).Methods(http.MethodGet)
	r.HandleFunc("/v1/reports/{id}/attachments", h.AddAttachments).Methods(http.MethodPost)
	r.HandleFunc("/v1/confirmation", h.Confirm).Methods(http.MethodPost)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Router returns a router with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

func (a attachmentRequest) log() domain.ErrorAttachmentLog {
	if a.ContentType == "" {
		a.ContentType = "text/plain"
	}
	return domain.NewBinaryAttachment(a.Data, a.Filename, a.ContentType)
}

func attachmentLogs(in []attachmentRequest) []domain.ErrorAttachmentLog {
	out := make([]domain.ErrorAttachmentLog, 0, len(in))
	for _, a := range in {
		out = append(out, a.log())
	}
	return out
}

type trackRequest struct {
	Exception   domain.WrapperException `json:"exception"`
	Properties  map[string]string       `json:"properties,omitempty"`
	Attachments []attachmentRequest     `json:"attachments,omitempty"`
}

// TrackException records a handled wrapper exception.
func (h *Handler) TrackException(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.host.TrackModelException(r.Context(), req.Exception, req.Properties, attachmentLogs(req.Attachments))
	if err != nil {
		h.fail(w, "track exception", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// GetReport returns the report of an exception, wrapper metadata included.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.host.BuildReport(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "build report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// DeleteException removes the wrapper metadata of a report.
func (h *Handler) DeleteException(w http.ResponseWriter, r *http.Request) {
	if err := h.host.DeleteException(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, "delete exception", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListUnprocessed returns the reports neither sent nor discarded.
func (h *Handler) ListUnprocessed(w http.ResponseWriter, r *http.Request) {
	reports, err := h.host.UnprocessedReports(r.Context())
	if err != nil {
		h.fail(w, "list unprocessed", err)
		return
	}
	if reports == nil {
		reports = []domain.ErrorReport{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

type attachmentsRequest struct {
	Attachments []attachmentRequest `json:"attachments"`
}

// AddAttachments stores attachments for a pending report.
func (h *Handler) AddAttachments(w http.ResponseWriter, r *http.Request) {
	var req attachmentsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.host.SendErrorAttachments(r.Context(), mux.Vars(r)["id"], attachmentLogs(req.Attachments)); err != nil {
		h.fail(w, "add attachments", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type confirmRequest struct {
	Confirmation string `json:"confirmation"`
}

// Confirm applies the user's answer to the reports awaiting consent.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := domain.ParseUserConfirmation(req.Confirmation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.host.Confirm(r.Context(), c)
	if err != nil {
		h.fail(w, "confirm", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps pipeline errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrBridgeMisuse), errors.Is(err, domain.ErrInvalidAttachment):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrReportInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrCorruptRecord):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("bridge request failed", log.String("op", op), log.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
