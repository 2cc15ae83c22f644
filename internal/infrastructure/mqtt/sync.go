package mqtt

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus is published retained on Topics.SyncStatus after every sync run.
type SyncStatus struct {
	Database   string    `json:"database"`
	Status     string    `json:"status"` // "ok" or "failed"
	PingID     string    `json:"ping_id,omitempty"`
	Started    time.Time `json:"started"`
	TookMS     int64     `json:"took_ms"`
	Applied    int       `json:"applied"`
	Reconciled int       `json:"reconciled"`
	Failed     int       `json:"failed"`
	Sent       int       `json:"sent"`
	Error      string    `json:"error,omitempty"`
}

// Sync status values.
const (
	SyncStatusOK     = "ok"
	SyncStatusFailed = "failed"
)

// SyncCommand is a request received on Topics.SyncCommand.
type SyncCommand struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// ActionSync is the only command action.
const ActionSync = "sync"

// ParseSyncCommand decodes a command payload. An empty payload means
// ActionSync.
func ParseSyncCommand(payload []byte) (SyncCommand, error) {
	if len(payload) == 0 {
		return SyncCommand{Action: ActionSync}, nil
	}
	var cmd SyncCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return SyncCommand{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.Action == "" {
		cmd.Action = ActionSync
	}
	if cmd.Action != ActionSync {
		return SyncCommand{}, fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
	}
	return cmd, nil
}

// PublishSyncStatus publishes s retained on the database's status topic.
func (c *Client) PublishSyncStatus(s SyncStatus) error {
	return c.PublishJSON(Topics{}.SyncStatus(s.Database), s, true)
}

// OnSyncCommand subscribes fn to sync commands for database. Malformed
// commands are rejected with an error, which the client logs.
func (c *Client) OnSyncCommand(database string, fn func(SyncCommand)) error {
	return c.Subscribe(Topics{}.SyncCommand(database), c.QoS(), func(_ string, payload []byte) error {
		cmd, err := ParseSyncCommand(payload)
		if err != nil {
			return err
		}
		fn(cmd)
		return nil
	})
}
