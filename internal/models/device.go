package models

import (
	"time"
)

// DeviceRole is the synchronization role assigned by the system. It is
// distinct from the business role a terminal declares at registration
// (admin, manager, ...), which is informational only.
type DeviceRole string

const (
	RoleMaster DeviceRole = "master"
	RoleClient DeviceRole = "client"
)

// ValidRole reports whether s is an assignable synchronization role.
func ValidRole(s string) bool {
	return s == string(RoleMaster) || s == string(RoleClient)
}

type Device struct {
	DeviceID    string     `json:"device_id"`
	Role        DeviceRole `json:"role"`
	DisplayRole string     `json:"display_role,omitempty"`
	Priority    int        `json:"priority"`
	LastSeen    time.Time  `json:"last_seen"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}
