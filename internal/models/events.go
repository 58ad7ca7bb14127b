package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates every message that may travel over the event
// channel. The set is closed: Envelope.Decode rejects anything else, so a
// handler switching on the concrete payload type covers the whole wire
// surface.
type EventType string

const (
	EventDeviceOnline   EventType = "device_online"
	EventDeviceOffline  EventType = "device_offline"
	EventDeviceShutdown EventType = "device_shutdown"
	EventMasterElection EventType = "master_election"
	EventMasterElected  EventType = "master_elected"
	EventRoleChange     EventType = "role_change"
	EventSyncRequest    EventType = "sync_request"
	EventSyncResponse   EventType = "sync_response"
	EventSyncComplete   EventType = "sync_complete"
	EventSyncConflict   EventType = "sync_conflict"
	EventSyncError      EventType = "sync_error"
	EventDataUpdate     EventType = "data_update"
	EventDataRequest    EventType = "data_request"
	EventDataResponse   EventType = "data_response"
	EventHeartbeat      EventType = "heartbeat"
	EventHeartbeatAck   EventType = "heartbeat_ack"
)

// EventPayload is implemented by every concrete event body.
type EventPayload interface {
	EventType() EventType
}

type DeviceOnline struct {
	DeviceID string     `json:"device_id"`
	Role     DeviceRole `json:"role"`
	Priority int        `json:"priority"`
}

type DeviceOffline struct {
	DeviceID string `json:"device_id"`
}

type DeviceShutdown struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

type MasterElection struct {
	Reason      ElectionReason `json:"reason"`
	InitiatedBy string         `json:"initiated_by"`
}

type MasterElected struct {
	PreviousMasterID *string        `json:"previous_master_id,omitempty"`
	NewMasterID      string         `json:"new_master_id"`
	Reason           ElectionReason `json:"reason"`
	Timestamp        time.Time      `json:"timestamp"`
	ParticipantCount int            `json:"participant_count"`
}

type RoleChange struct {
	DeviceID string     `json:"device_id"`
	NewRole  DeviceRole `json:"new_role"`
	Reason   string     `json:"reason"`
}

type SyncRequest struct {
	DeviceID        string `json:"device_id"`
	SinceSequenceID int64  `json:"since_sequence_id"`
}

type SyncResponse struct {
	Changes        []*ChangeRecord `json:"changes"`
	MasterDeviceID string          `json:"master_device_id"`
}

type SyncComplete struct {
	DeviceID     string `json:"device_id"`
	ChangesCount int    `json:"changes_count"`
}

type SyncConflict struct {
	RecordKey  string `json:"record_key"`
	Resolution string `json:"resolution"`
}

type SyncError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type DataUpdate struct {
	DeviceID        string          `json:"device_id"`
	RecordKey       string          `json:"record_key"`
	Operation       ChangeOperation `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	OriginTimestamp time.Time       `json:"origin_timestamp"`
}

type DataRequest struct {
	DeviceID  string `json:"device_id"`
	RecordKey string `json:"record_key"`
}

type DataResponse struct {
	RecordKey string          `json:"record_key"`
	Payload   json.RawMessage `json:"payload"`
}

type Heartbeat struct {
	DeviceID string `json:"device_id"`
}

type HeartbeatAck struct {
	DeviceID string `json:"device_id"`
}

func (DeviceOnline) EventType() EventType   { return EventDeviceOnline }
func (DeviceOffline) EventType() EventType  { return EventDeviceOffline }
func (DeviceShutdown) EventType() EventType { return EventDeviceShutdown }
func (MasterElection) EventType() EventType { return EventMasterElection }
func (MasterElected) EventType() EventType  { return EventMasterElected }
func (RoleChange) EventType() EventType     { return EventRoleChange }
func (SyncRequest) EventType() EventType    { return EventSyncRequest }
func (SyncResponse) EventType() EventType   { return EventSyncResponse }
func (SyncComplete) EventType() EventType   { return EventSyncComplete }
func (SyncConflict) EventType() EventType   { return EventSyncConflict }
func (SyncError) EventType() EventType      { return EventSyncError }
func (DataUpdate) EventType() EventType     { return EventDataUpdate }
func (DataRequest) EventType() EventType    { return EventDataRequest }
func (DataResponse) EventType() EventType   { return EventDataResponse }
func (Heartbeat) EventType() EventType      { return EventHeartbeat }
func (HeartbeatAck) EventType() EventType   { return EventHeartbeatAck }

// Envelope is the wire frame for every event channel message.
type Envelope struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload into a wire frame with a fresh message id.
func NewEnvelope(p EventPayload) (*Envelope, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.EventType(), err)
	}
	return &Envelope{
		Type:      p.EventType(),
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}, nil
}

// Decode returns the typed payload for the envelope. Unknown event types
// are an error so malformed or future frames never reach handlers
// half-parsed.
func (e *Envelope) Decode() (EventPayload, error) {
	var p EventPayload
	switch e.Type {
	case EventDeviceOnline:
		p = &DeviceOnline{}
	case EventDeviceOffline:
		p = &DeviceOffline{}
	case EventDeviceShutdown:
		p = &DeviceShutdown{}
	case EventMasterElection:
		p = &MasterElection{}
	case EventMasterElected:
		p = &MasterElected{}
	case EventRoleChange:
		p = &RoleChange{}
	case EventSyncRequest:
		p = &SyncRequest{}
	case EventSyncResponse:
		p = &SyncResponse{}
	case EventSyncComplete:
		p = &SyncComplete{}
	case EventSyncConflict:
		p = &SyncConflict{}
	case EventSyncError:
		p = &SyncError{}
	case EventDataUpdate:
		p = &DataUpdate{}
	case EventDataRequest:
		p = &DataRequest{}
	case EventDataResponse:
		p = &DataResponse{}
	case EventHeartbeat:
		p = &Heartbeat{}
	case EventHeartbeatAck:
		p = &HeartbeatAck{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return p, nil
}
