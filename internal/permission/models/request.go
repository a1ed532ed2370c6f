package models

import (
	"time"

	id "consentflow/pkg/domain"
)

// DataSourceInformation identifies where the metering data of a request
// comes from.
type DataSourceInformation struct {
	CountryCode                string               `json:"country_code"`
	RegionConnectorID          id.RegionConnectorID `json:"region_connector_id"`
	PermissionAdministratorID  string               `json:"permission_administrator_id"`
	MeteredDataAdministratorID string               `json:"metered_data_administrator_id"`
}

// AttributeError describes one invalid input field of a malformed request.
type AttributeError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// PermissionRequest is the current view of a request, derived entirely from
// its event history.
type PermissionRequest struct {
	PermissionID        id.PermissionID       `json:"permission_id"`
	ConnectionID        id.ConnectionID       `json:"connection_id"`
	DataNeedID          id.DataNeedID         `json:"data_need_id"`
	DataSource          DataSourceInformation `json:"data_source"`
	Status              Status                `json:"status"`
	Window              *Window               `json:"window,omitempty"`
	LastObservedDataEnd *time.Time            `json:"last_observed_data_end,omitempty"`
	Created             time.Time             `json:"created"`
	StatusChanged       time.Time             `json:"status_changed"`
	Errors              []AttributeError      `json:"errors,omitempty"`
	Message             string                `json:"message,omitempty"`
	Version             int64                 `json:"version"`
}

func (r *PermissionRequest) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *PermissionRequest) Clone() *PermissionRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Window != nil {
		w := *r.Window
		if r.Window.End != nil {
			e := *r.Window.End
			w.End = &e
		}
		c.Window = &w
	}
	if r.LastObservedDataEnd != nil {
		t := *r.LastObservedDataEnd
		c.LastObservedDataEnd = &t
	}
	if r.Errors != nil {
		c.Errors = append([]AttributeError(nil), r.Errors...)
	}
	return &c
}

// WatermarkAdvancedBy reports whether dataEnd lies strictly after the last
// observed data end. A request without a watermark accepts any value.
func (r *PermissionRequest) WatermarkAdvancedBy(dataEnd time.Time) bool {
	if r.LastObservedDataEnd == nil {
		return true
	}
	return dataEnd.After(*r.LastObservedDataEnd)
}
