package handler

import (
	"time"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/service"
	id "consentflow/pkg/domain"
)

type createRequest struct {
	ConnectionID               string `json:"connection_id"`
	DataNeedID                 string `json:"data_need_id"`
	RegionConnectorID          string `json:"region_connector_id"`
	PermissionAdministratorID  string `json:"permission_administrator_id"`
	MeteredDataAdministratorID string `json:"metered_data_administrator_id"`
	Start                      string `json:"start"`
	End                        string `json:"end"`
	Granularity                string `json:"granularity"`
}

func (r createRequest) toService() service.CreateRequest {
	return service.CreateRequest{
		ConnectionID:               id.ConnectionID(r.ConnectionID),
		DataNeedID:                 id.DataNeedID(r.DataNeedID),
		RegionConnectorID:          id.RegionConnectorID(r.RegionConnectorID),
		PermissionAdministratorID:  r.PermissionAdministratorID,
		MeteredDataAdministratorID: r.MeteredDataAdministratorID,
		Start:                      r.Start,
		End:                        r.End,
		Granularity:                r.Granularity,
	}
}

type transitionRequest struct {
	Reason string `json:"reason"`
	// Succeeded answers an external termination request.
	Succeeded bool `json:"succeeded"`
}

type transitionResponse struct {
	PermissionID id.PermissionID `json:"permission_id"`
	Status       models.Status   `json:"status"`
}

type permissionResponse struct {
	PermissionID        id.PermissionID              `json:"permission_id"`
	ConnectionID        id.ConnectionID              `json:"connection_id"`
	DataNeedID          id.DataNeedID                `json:"data_need_id"`
	DataSource          models.DataSourceInformation `json:"data_source"`
	Status              models.Status                `json:"status"`
	Window              *models.Window               `json:"window,omitempty"`
	LastObservedDataEnd *time.Time                   `json:"last_observed_data_end,omitempty"`
	Errors              []models.AttributeError      `json:"errors,omitempty"`
	Message             string                       `json:"message,omitempty"`
	Created             time.Time                    `json:"created"`
	StatusChanged       time.Time                    `json:"status_changed"`
}

func toResponse(pr *models.PermissionRequest) permissionResponse {
	return permissionResponse{
		PermissionID:        pr.PermissionID,
		ConnectionID:        pr.ConnectionID,
		DataNeedID:          pr.DataNeedID,
		DataSource:          pr.DataSource,
		Status:              pr.Status,
		Window:              pr.Window,
		LastObservedDataEnd: pr.LastObservedDataEnd,
		Errors:              pr.Errors,
		Message:             pr.Message,
		Created:             pr.Created,
		StatusChanged:       pr.StatusChanged,
	}
}

type listResponse struct {
	PermissionRequests []permissionResponse `json:"permission_requests"`
}

type eventResponse struct {
	Sequence  int64                   `json:"sequence"`
	Kind      models.EventKind        `json:"kind"`
	Status    models.Status           `json:"status,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Message   string                  `json:"message,omitempty"`
	Errors    []models.AttributeError `json:"errors,omitempty"`
	DataEnd   *time.Time              `json:"data_end,omitempty"`
}

func toEventResponse(e models.Event) eventResponse {
	return eventResponse{
		Sequence:  e.Sequence,
		Kind:      e.Kind,
		Status:    e.Status,
		Timestamp: e.Timestamp,
		Message:   e.Message,
		Errors:    e.Errors,
		DataEnd:   e.DataEnd,
	}
}

type historyResponse struct {
	Events []eventResponse `json:"events"`
}
