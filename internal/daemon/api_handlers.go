package daemon

import (
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services"
)

type createJobRequest struct {
	ID              string   `json:"id,omitempty"`
	Identity        string   `json:"identity"`
	Name            string   `json:"name"`
	ContentType     string   `json:"contentType,omitempty"`
	LanguageSource  string   `json:"languageSource,omitempty"`
	LanguageTargets []string `json:"languageTargets,omitempty"`
}

type addItemRequest struct {
	ID      string            `json:"id,omitempty"`
	Type    jobstore.ItemType `json:"type,omitempty"`
	Order   int               `json:"order"`
	Input   string            `json:"input"`
	ModelID string            `json:"modelId,omitempty"`
}

type generateRequest struct {
	ModelID string `json:"modelId,omitempty"`
}

// regenerable lists the item statuses a client may mark for generation.
var regenerable = []jobstore.ItemStatus{
	jobstore.ItemCompleted,
	jobstore.ItemUpdated,
	jobstore.ItemFailed,
	jobstore.ItemFailedUnrecognised,
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.daemon.running.Load(),
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	s.createJob(w, r, jobstore.KindTranslation)
}

func (s *apiServer) handleCreateReadableJob(w http.ResponseWriter, r *http.Request) {
	s.createJob(w, r, jobstore.KindReadable)
}

func (s *apiServer) createJob(w http.ResponseWriter, r *http.Request, kind jobstore.Kind) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	job, err := s.daemon.deps.Store.CreateJob(r.Context(), jobstore.NewJob{
		ID:              req.ID,
		Kind:            kind,
		Identity:        req.Identity,
		Name:            req.Name,
		ContentType:     req.ContentType,
		LanguageSource:  req.LanguageSource,
		LanguageTargets: req.LanguageTargets,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.daemon.deps.Relay.Notify()
	writeJSON(w, http.StatusCreated, job)
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobstore.JobFilter{
		Kind:     jobstore.Kind(strings.TrimSpace(query.Get("kind"))),
		Identity: strings.TrimSpace(query.Get("identity")),
	}
	for _, value := range query["status"] {
		if value = strings.TrimSpace(value); value != "" {
			filter.Statuses = append(filter.Statuses, jobstore.Status(strings.ToUpper(value)))
		}
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	jobs, err := s.daemon.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.deps.Store.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleUpload stores the request body as the job's document. The object
// store emits object.created, which moves the job along.
func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.deps.Store.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job.Status != jobstore.StatusSubmitted {
		writeError(w, http.StatusConflict, "job "+job.ID+" already has content")
		return
	}
	if r.ContentLength > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "document exceeds the upload limit")
		return
	}
	name := path.Base(strings.TrimSpace(r.URL.Query().Get("name")))
	if name == "" || name == "." || name == "/" {
		name = path.Base(job.Name)
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = job.ContentType
	}
	key := keyparse.UploadKey(job.Identity, job.ID, name)
	info, err := s.daemon.deps.Objects.Put(r.Context(), key, io.LimitReader(r.Body, maxUploadBytes), r.ContentLength, contentType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *apiServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.daemon.deps.Store.Items(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *apiServer) handleAddItem(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req addItemRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.daemon.deps.Store.Job(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job.Kind != jobstore.KindReadable {
		writeError(w, http.StatusBadRequest, "job "+job.ID+" is not a readable job")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	item, created, err := s.daemon.deps.Store.CreateItem(r.Context(), jobstore.NewItem{
		JobID:   job.ID,
		ItemID:  req.ID,
		Type:    req.Type,
		Order:   req.Order,
		Input:   req.Input,
		ModelID: req.ModelID,
		Status:  jobstore.ItemUpdated,
		Owner:   job.Identity,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.daemon.deps.Relay.Notify()
	}
	writeJSON(w, status, item)
}

// handleGenerateItem marks an item for generation. The item change event
// starts the readable pipeline.
func (s *apiServer) handleGenerateItem(w http.ResponseWriter, r *http.Request) {
	jobID, itemID := chi.URLParam(r, "id"), chi.URLParam(r, "item")
	var req generateRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	current, err := s.daemon.deps.Store.Item(r.Context(), jobID, itemID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if current.Type == jobstore.ItemMetadata {
		writeError(w, http.StatusBadRequest, "metadata items are not generated")
		return
	}
	generate := jobstore.ItemGenerate
	update := jobstore.ItemUpdate{Status: &generate, Expect: regenerable}
	if modelID := strings.TrimSpace(req.ModelID); modelID != "" {
		update.ModelID = &modelID
	}
	item, err := s.daemon.deps.Store.UpdateItem(r.Context(), jobID, itemID, update)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.daemon.deps.Relay.Notify()
	writeJSON(w, http.StatusAccepted, item)
}

func (s *apiServer) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if err := objectstore.ValidateKey(key); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.daemon.deps.Objects.DeleteWithReason(r.Context(), key, "client"); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExternalEvent accepts an external.completed notification from a
// service that finished asynchronous work.
func (s *apiServer) handleExternalEvent(w http.ResponseWriter, r *http.Request) {
	var completion events.Completion
	if err := decodeBody(r, &completion); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.daemon.resume.Deliver(r.Context(), completion); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.fail(w, r, services.Wrap(services.ErrValidation, "api", "read callback", "", err))
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := s.daemon.deps.Engine.Resume(r.Context(), chi.URLParam(r, "token"), body); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobstore.ExecutionFilter{JobID: strings.TrimSpace(query.Get("job"))}
	for _, value := range query["status"] {
		if value = strings.TrimSpace(value); value != "" {
			filter.Statuses = append(filter.Statuses, jobstore.ExecutionStatus(strings.ToUpper(value)))
		}
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	executions, err := s.daemon.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"live":       s.daemon.deps.Engine.Live(),
	})
}

func (s *apiServer) handleAbortExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.deps.Engine.Abort(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
