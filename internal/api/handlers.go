package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
	"github.com/LeventeLantos/whatsapp-delivery/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-delivery/internal/service"
)

// Deps are the collaborators the HTTP surface routes into. Realtime and
// Metrics may be nil, in which case their routes are not mounted.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Admission   *service.Admission
	Queue       repo.QueueRepository
	Reconciler  *service.Reconciler
	Ingester    *service.Ingester
	Inbox       *service.Inbox
	VerifyToken string
	AppSecret   string
	Realtime    http.Handler
	Metrics     http.Handler
	Logger      *slog.Logger
}

type Handler struct {
	sched       *scheduler.Scheduler
	admission   *service.Admission
	queue       repo.QueueRepository
	reconciler  *service.Reconciler
	ingester    *service.Ingester
	inbox       *service.Inbox
	verifyToken string
	appSecret   string
	realtime    http.Handler
	metrics     http.Handler
	log         *slog.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sched:       d.Scheduler,
		admission:   d.Admission,
		queue:       d.Queue,
		reconciler:  d.Reconciler,
		ingester:    d.Ingester,
		inbox:       d.Inbox,
		verifyToken: d.VerifyToken,
		appSecret:   d.AppSecret,
		realtime:    d.Realtime,
		metrics:     d.Metrics,
		log:         log.With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SendTemplate(w http.ResponseWriter, r *http.Request) {
	var req service.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	id, err := h.admission.Admit(r.Context(), req, provenanceOf(r))
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": verr.Error(),
			"field": verr.Field,
		})
		return
	case err != nil:
		h.log.Error("admission failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": model.QueuePending})
}

func (h *Handler) GetQueueEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	e, err := h.queue.GetEntry(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.QueueStatus(q.Get("status"))
	switch status {
	case "", model.QueuePending, model.QueueProcessing, model.QueueSent, model.QueueFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	items, err := h.queue.ListEntries(r.Context(), repo.QueueFilter{
		Status: status,
		Limit:  parseInt(q.Get("limit"), 50),
		Offset: parseInt(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []model.QueueEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m, err := h.inbox.MarkRead(r.Context(), id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return
	case errors.Is(err, service.ErrNotIncoming):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := h.inbox.Delete(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	c, err := h.inbox.Contact(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// provenanceOf records who submitted a request. The credential is masked
// by admission before it is stored.
func provenanceOf(r *http.Request) service.Provenance {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	cred := r.Header.Get("X-API-Key")
	if auth := r.Header.Get("Authorization"); cred == "" && auth != "" {
		cred = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}

	return service.Provenance{IP: ip, Credential: cred, UserAgent: r.UserAgent()}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
