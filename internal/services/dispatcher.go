package services

import (
	"context"
	"encoding/json"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
)

// Dispatcher routes inbound event channel messages to the owning
// component and collects the replies sent back to the originating device.
// The hub invokes it serially per connection, so two events from the same
// device never interleave; events from different devices run
// concurrently.
type Dispatcher struct {
	registry    *Registry
	coordinator *SyncCoordinator
	elector     *ElectionManager
	log         *logger.Logger
}

func NewDispatcher(registry *Registry, coordinator *SyncCoordinator, elector *ElectionManager, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		coordinator: coordinator,
		elector:     elector,
		log:         log,
	}
}

// HandleEvent processes one decoded event from a device and returns the
// payloads to send back on the same connection.
func (d *Dispatcher) HandleEvent(ctx context.Context, fromDevice string, p models.EventPayload) ([]models.EventPayload, error) {
	switch ev := p.(type) {
	case *models.Heartbeat:
		if err := d.registry.Heartbeat(ctx, ev.DeviceID); err != nil {
			return nil, err
		}
		return []models.EventPayload{models.HeartbeatAck{DeviceID: ev.DeviceID}}, nil

	case *models.DeviceOnline:
		_, err := d.registry.Register(ctx, RegisterRequest{
			DeviceID:     ev.DeviceID,
			DeclaredRole: string(ev.Role),
			Priority:     ev.Priority,
		})
		if err != nil {
			return d.errorReply("registration_failed", err), nil
		}
		return nil, nil

	case *models.DeviceShutdown:
		wasMaster, err := d.registry.MarkOffline(ctx, ev.DeviceID, ev.Reason)
		if err != nil {
			return nil, err
		}
		if wasMaster {
			// Graceful handover: the master told us it is leaving.
			if _, err := d.elector.Trigger(ctx, models.ReasonShutdown, ev.DeviceID); err != nil {
				d.log.Error().Err(err).Msg("election after shutdown failed")
			}
		}
		return nil, nil

	case *models.DeviceOffline:
		wasMaster, err := d.registry.MarkOffline(ctx, ev.DeviceID, "offline")
		if err != nil {
			return nil, err
		}
		if wasMaster {
			if _, err := d.elector.Trigger(ctx, models.ReasonFailure, ev.DeviceID); err != nil {
				d.log.Error().Err(err).Msg("election after offline failed")
			}
		}
		return nil, nil

	case *models.MasterElection:
		if _, err := d.elector.Trigger(ctx, ev.Reason, ev.InitiatedBy); err != nil {
			return d.errorReply("election_failed", err), nil
		}
		return nil, nil

	case *models.SyncRequest:
		result, err := d.coordinator.Pull(ctx, ev.DeviceID, ev.SinceSequenceID)
		if err != nil {
			return d.errorReply("pull_failed", err), nil
		}
		return []models.EventPayload{
			models.SyncResponse{Changes: result.Changes, MasterDeviceID: result.MasterDeviceID},
			models.SyncComplete{DeviceID: ev.DeviceID, ChangesCount: len(result.Changes)},
		}, nil

	case *models.DataUpdate:
		change := &models.ChangeRecord{
			RecordKey:       ev.RecordKey,
			Operation:       ev.Operation,
			Payload:         ev.Payload,
			OriginDeviceID:  ev.DeviceID,
			OriginTimestamp: ev.OriginTimestamp,
		}
		result, err := d.coordinator.Push(ctx, ev.DeviceID, change)
		if err != nil {
			return d.errorReply("push_failed", err), nil
		}
		replies := []models.EventPayload{
			models.SyncComplete{DeviceID: ev.DeviceID, ChangesCount: 1},
		}
		if result.Conflict != nil {
			replies = append(replies, models.SyncConflict{
				RecordKey:  result.Conflict.RecordKey,
				Resolution: result.Conflict.Method,
			})
		}
		return replies, nil

	case *models.DataRequest:
		record, err := d.coordinator.changes.LatestForKey(ctx, ev.RecordKey)
		if err != nil {
			return d.errorReply("record_not_found", err), nil
		}
		return []models.EventPayload{
			models.DataResponse{RecordKey: ev.RecordKey, Payload: json.RawMessage(record.Payload)},
		}, nil

	case *models.HeartbeatAck, *models.SyncResponse, *models.SyncComplete,
		*models.SyncConflict, *models.SyncError, *models.MasterElected,
		*models.RoleChange, *models.DataResponse:
		// Reply-only payloads; nothing for the authoritative side to do.
		return nil, nil

	default:
		d.log.Warn().Str("peer_device", fromDevice).Str("event", string(p.EventType())).Msg("unhandled event")
		return nil, nil
	}
}

func (d *Dispatcher) errorReply(code string, err error) []models.EventPayload {
	return []models.EventPayload{models.SyncError{ErrorCode: code, Message: err.Error()}}
}
