// Package studies exposes imports, row edits, child-study provisioning and
// job status over HTTP.
package studies

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"studycore/internal/identity"
	"studycore/internal/importer"
	"studycore/internal/jobs"
	"studycore/internal/provision"
	"studycore/internal/schema"
	"studycore/pkg/domain"
)

// Importer runs imports and row edits.
type Importer interface {
	Import(ctx context.Context, req importer.Request) (domain.ImportOutcome, error)
	UpdateRow(ctx context.Context, req importer.UpdateRequest) (domain.ImportOutcome, error)
	DeleteRows(ctx context.Context, studyID string, ref schema.DatasetRef, ids []domain.Identity) (domain.ImportOutcome, error)
	ResolveDataset(ctx context.Context, studyID string, ref schema.DatasetRef) (int, error)
}

// Provisioner derives child studies.
type Provisioner interface {
	Provision(ctx context.Context, req domain.ChildStudyRequest) (provision.Ack, error)
	ListIncomplete(ctx context.Context) ([]domain.Study, error)
}

// JobStatus reports job records.
type JobStatus interface {
	Get(id string) (jobs.Job, bool)
}

// Handler routes /api/v1 requests.
type Handler struct {
	Importer    Importer
	Provisioner Provisioner
	Jobs        JobStatus
	Locks       *importer.Locker
	Log         *zap.SugaredLogger
}

// NewHandler constructs a handler. Nil collaborators answer 404.
func NewHandler(imp Importer, prov Provisioner, js JobStatus, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{Importer: imp, Provisioner: prov, Jobs: js, Locks: &importer.Locker{}, Log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/child-studies" && h.Provisioner != nil:
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleProvision(w, r)
	case path == "/api/v1/child-studies/incomplete" && h.Provisioner != nil:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleIncomplete(w, r)
	case strings.HasPrefix(path, "/api/v1/jobs/") && h.Jobs != nil:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		job, ok := h.Jobs.Get(strings.TrimPrefix(path, "/api/v1/jobs/"))
		if !ok {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	case strings.HasPrefix(path, "/api/v1/studies/") && h.Importer != nil:
		h.handleDataset(w, r, strings.TrimPrefix(path, "/api/v1/studies/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req domain.ChildStudyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ack, err := h.Provisioner.Provision(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) handleIncomplete(w http.ResponseWriter, r *http.Request) {
	studies, err := h.Provisioner.ListIncomplete(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"studies": studies})
}

// handleDataset serves {studyID}/datasets/{dataset}/{import|rows}. dataset
// is a numeric id or a name.
func (h *Handler) handleDataset(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	if len(segments) != 4 || segments[1] != "datasets" || segments[0] == "" {
		writeError(w, http.StatusNotFound, "dataset endpoint not found")
		return
	}
	studyID := segments[0]
	ref := schema.DatasetRef{Name: segments[2]}
	if id, err := strconv.Atoi(segments[2]); err == nil {
		ref = schema.DatasetRef{ID: id}
	}

	switch {
	case segments[3] == "import" && r.Method == http.MethodPost:
		h.handleImport(w, r, studyID, ref)
	case segments[3] == "rows" && r.Method == http.MethodPut:
		h.handleUpdateRow(w, r, studyID, ref)
	case segments[3] == "rows" && r.Method == http.MethodDelete:
		h.handleDeleteRows(w, r, studyID, ref)
	case segments[3] == "import" || segments[3] == "rows":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "dataset endpoint not found")
	}
}

type importBody struct {
	TSV       string            `json:"tsv"`
	ColumnMap map[string]string `json:"columnMap"`
	Policy    string            `json:"policy"`
	QCState   *string           `json:"qcState"`
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request, studyID string, ref schema.DatasetRef) {
	var body importBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	policy, err := identity.ParsePolicy(body.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.locked(w, r, studyID, ref, func(ctx context.Context) (domain.ImportOutcome, error) {
		return h.Importer.Import(ctx, importer.Request{
			StudyID:   studyID,
			Dataset:   ref,
			Data:      strings.NewReader(body.TSV),
			ColumnMap: body.ColumnMap,
			Policy:    policy,
			QCStateID: body.QCState,
		})
	})
}

type updateBody struct {
	Identity domain.Identity `json:"identity"`
	Values   map[string]any  `json:"values"`
}

func (h *Handler) handleUpdateRow(w http.ResponseWriter, r *http.Request, studyID string, ref schema.DatasetRef) {
	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.locked(w, r, studyID, ref, func(ctx context.Context) (domain.ImportOutcome, error) {
		return h.Importer.UpdateRow(ctx, importer.UpdateRequest{StudyID: studyID, Dataset: ref, Identity: body.Identity, Values: body.Values})
	})
}

type deleteBody struct {
	Identities []domain.Identity `json:"identities"`
}

func (h *Handler) handleDeleteRows(w http.ResponseWriter, r *http.Request, studyID string, ref schema.DatasetRef) {
	var body deleteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.locked(w, r, studyID, ref, func(ctx context.Context) (domain.ImportOutcome, error) {
		return h.Importer.DeleteRows(ctx, studyID, ref, body.Identities)
	})
}

// locked runs fn holding the dataset lock. The ref is resolved to its id
// first, so requests by id and by name share one lock.
func (h *Handler) locked(w http.ResponseWriter, r *http.Request, studyID string, ref schema.DatasetRef, fn func(context.Context) (domain.ImportOutcome, error)) {
	datasetID, err := h.Importer.ResolveDataset(r.Context(), studyID, ref)
	if err != nil {
		h.fail(w, err)
		return
	}
	release, err := h.Locks.Lock(r.Context(), studyID, datasetID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "dataset busy")
		return
	}
	defer release()
	outcome, err := fn(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if outcome.Messages == nil {
		outcome.Messages = []string{}
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrStudyNotFound), errors.Is(err, domain.ErrDefinitionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.Log.Errorw("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
