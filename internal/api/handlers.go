package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"wanotify/internal/model"
	"wanotify/internal/pairing"
	"wanotify/internal/repo"
	"wanotify/internal/scheduler"
	"wanotify/internal/service"
)

type Handler struct {
	enqueuer   *service.Enqueuer
	dispatcher *service.Dispatcher
	sched      *scheduler.Scheduler
	repo       repo.MessageRepository
	pairing    *pairing.Manager
}

func NewHandler(
	enqueuer *service.Enqueuer,
	dispatcher *service.Dispatcher,
	sched *scheduler.Scheduler,
	r repo.MessageRepository,
	pm *pairing.Manager,
) *Handler {
	return &Handler{
		enqueuer:   enqueuer,
		dispatcher: dispatcher,
		sched:      sched,
		repo:       r,
		pairing:    pm,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type enqueueRequest struct {
	To        string `json:"to"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	DedupeKey string `json:"dedupe_key"`
}

func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Content == "" {
		http.Error(w, "to and content are required", http.StatusBadRequest)
		return
	}

	id, created, err := h.enqueuer.Enqueue(r.Context(), model.NewMessage{
		ToNumber:   req.To,
		FromNumber: req.From,
		Content:    req.Content,
		Kind:       req.Kind,
		DedupeKey:  req.DedupeKey,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"id": id, "created": created})
}

type messageResponse struct {
	ID          uuid.UUID `json:"id"`
	To          string    `json:"to"`
	From        string    `json:"from"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
	CreatedAt   string    `json:"created_at"`
	SentAt      *string   `json:"sent_at,omitempty"`
}

func toMessageResponse(m model.Message) messageResponse {
	resp := messageResponse{
		ID:          m.ID,
		To:          m.ToNumber,
		From:        m.FromNumber,
		Content:     m.Content,
		Kind:        m.Kind,
		Status:      string(m.Status),
		ErrorDetail: m.ErrorDetail,
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.SentAt != nil {
		s := m.SentAt.UTC().Format(time.RFC3339)
		resp.SentAt = &s
	}
	return resp
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	m, err := h.repo.GetMessage(r.Context(), id)
	if errors.Is(err, repo.ErrMessageNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toMessageResponse(m))
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = model.StatusSent
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.repo.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]messageResponse, 0, len(items))
	for _, m := range items {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type dispatchRequest struct {
	MessageID string `json:"message_id"`
}

// RunDispatch triggers a cycle on demand, or a targeted send when a
// message id is supplied.
func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.MessageID == "" {
		sum := h.dispatcher.RunCycle(r.Context())
		writeJSON(w, http.StatusOK, sum)
		return
	}

	id, err := uuid.Parse(req.MessageID)
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	sum, err := h.dispatcher.DispatchOne(r.Context(), id)
	if errors.Is(err, service.ErrNotClaimable) {
		http.Error(w, "message not pending", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
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

func (h *Handler) PairingStart(w http.ResponseWriter, r *http.Request) {
	phone := r.PathValue("phone")
	if phone == "" {
		http.Error(w, "phone is required", http.StatusBadRequest)
		return
	}

	snap, err := h.pairing.Start(r.Context(), phone)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) PairingStop(w http.ResponseWriter, r *http.Request) {
	phone := r.PathValue("phone")
	h.pairing.Stop(phone)
	writeJSON(w, http.StatusOK, h.pairing.Status(phone))
}

func (h *Handler) PairingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pairing.Status(r.PathValue("phone")))
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
