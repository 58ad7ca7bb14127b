package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/repositories"
	"github.com/storegrid/tillsync/internal/services"
)

// Service interfaces the handlers depend on, satisfied by the services
// package and by test fakes.
type RegistryService interface {
	Register(ctx context.Context, req services.RegisterRequest) (*services.RegistrationResult, error)
	Heartbeat(ctx context.Context, deviceID string) error
	ListAll(ctx context.Context) ([]*models.Device, error)
}

type SyncService interface {
	Push(ctx context.Context, deviceID string, change *models.ChangeRecord) (*services.PushResult, error)
	Pull(ctx context.Context, deviceID string, since int64) (*services.PullResult, error)
	Status(ctx context.Context, deviceID string) (*models.SyncState, error)
}

type ElectionService interface {
	Trigger(ctx context.Context, reason models.ElectionReason, initiatedBy string) (*models.ElectionLogEntry, error)
}

type TokenIssuer interface {
	IssueToken(deviceID, enrollSecret string) (string, error)
}

type Handlers struct {
	registry  RegistryService
	sync      SyncService
	elections ElectionService
	tokens    TokenIssuer

	electionLog repositories.ElectionLogRepository
	audit       repositories.AuditRepository
}

func NewHandlers(
	registry RegistryService,
	sync SyncService,
	elections ElectionService,
	tokens TokenIssuer,
	electionLog repositories.ElectionLogRepository,
	audit repositories.AuditRepository,
) *Handlers {
	return &Handlers{
		registry:    registry,
		sync:        sync,
		elections:   elections,
		tokens:      tokens,
		electionLog: electionLog,
		audit:       audit,
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	DeviceID     string `json:"device_id"`
	EnrollSecret string `json:"enroll_secret"`
}

func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	token, err := h.tokens.IssueToken(req.DeviceID, req.EnrollSecret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	result, err := h.registry.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type heartbeatRequest struct {
	DeviceID string `json:"device_id"`
}

func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = AuthedDevice(r)
	}
	if err := h.registry.Heartbeat(r.Context(), req.DeviceID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) DeviceRoles(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.ListAll(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type pushRequest struct {
	DeviceID        string          `json:"device_id"`
	RecordKey       string          `json:"record_key"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	OriginTimestamp time.Time       `json:"origin_timestamp"`
}

func (h *Handlers) PushChange(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = AuthedDevice(r)
	}
	if req.OriginTimestamp.IsZero() {
		req.OriginTimestamp = time.Now().UTC()
	}

	change := &models.ChangeRecord{
		RecordKey:       req.RecordKey,
		Operation:       models.ChangeOperation(req.Operation),
		Payload:         req.Payload,
		OriginDeviceID:  req.DeviceID,
		OriginTimestamp: req.OriginTimestamp,
	}
	result, err := h.sync.Push(r.Context(), req.DeviceID, change)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) PullChanges(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since_sequence_id"), 10, 64)
	if err != nil && r.URL.Query().Get("since_sequence_id") != "" {
		writeError(w, http.StatusBadRequest, "validation_error", "since_sequence_id must be an integer")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = AuthedDevice(r)
	}

	result, err := h.sync.Pull(r.Context(), deviceID, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = AuthedDevice(r)
	}
	state, err := h.sync.Status(r.Context(), deviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handlers) ElectionHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.electionLog.List(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"elections": entries})
}

type electionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) TriggerElection(w http.ResponseWriter, r *http.Request) {
	var req electionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	reason := models.ElectionReason(req.Reason)
	if reason == "" {
		reason = models.ReasonManual
	}
	entry, err := h.elections.Trigger(r.Context(), reason, AuthedDevice(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		DeviceID:      r.URL.Query().Get("device_id"),
		OperationType: r.URL.Query().Get("operation_type"),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "to must be RFC3339")
			return
		}
		filter.To = t
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
