package services

import "github.com/storegrid/tillsync/internal/models"

// Notifier fans an event out to every connected device. Delivery is
// best-effort: a disconnected client learns the news on its next
// reconnect or pull, so implementations must not block or fail the
// caller.
type Notifier interface {
	Broadcast(p models.EventPayload)
}

// NopNotifier drops everything. Used in tests and in REST-only
// deployments without a socket hub.
type NopNotifier struct{}

func (NopNotifier) Broadcast(models.EventPayload) {}
