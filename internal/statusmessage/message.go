// Package statusmessage announces every status change of a permission
// request to outbound connectors.
package statusmessage

import (
	"context"
	"time"

	"consentflow/internal/permission/models"
	id "consentflow/pkg/domain"
)

// DefaultTopic carries connection status messages.
const DefaultTopic = "status-messages"

// Message is the outbound view of one status change.
type Message struct {
	ConnectionID id.ConnectionID              `json:"connection_id"`
	PermissionID id.PermissionID              `json:"permission_id"`
	DataNeedID   id.DataNeedID                `json:"data_need_id"`
	DataSource   models.DataSourceInformation `json:"data_source"`
	Status       models.Status                `json:"status"`
	Message      string                       `json:"message,omitempty"`
	Timestamp    time.Time                    `json:"timestamp"`
}

// NewMessage combines a status event with the request it belongs to. The
// status and timestamp come from the event since the view may already have
// moved on.
func NewMessage(pr models.PermissionRequest, e models.Event) Message {
	msg := e.Message
	if msg == "" && len(e.Errors) > 0 {
		msg = e.Errors[0].Name + ": " + e.Errors[0].Message
	}
	return Message{
		ConnectionID: pr.ConnectionID,
		PermissionID: e.PermissionID,
		DataNeedID:   pr.DataNeedID,
		DataSource:   pr.DataSource,
		Status:       e.Status,
		Message:      msg,
		Timestamp:    e.Timestamp,
	}
}

// Publisher delivers status messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
