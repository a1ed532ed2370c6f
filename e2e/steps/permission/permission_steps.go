package permission

import (
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// TestContext is the part of the suite context the permission steps use.
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	ResponseField(field string) (any, error)
	Status() int
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &permissionSteps{tc: tc}

	ctx.Step(`^I create a permission request for connector "([^"]*)" with granularity "([^"]*)"$`, steps.create)
	ctx.Step(`^I create a permission request for connector "([^"]*)" ending before it starts$`, steps.createInverted)
	ctx.Step(`^I mark the permission request as (sent|accept|reject|revoke|terminate)$`, steps.transition)
	ctx.Step(`^I fetch the permission request$`, steps.fetch)
	ctx.Step(`^I fetch the permission request history$`, steps.history)
	ctx.Step(`^the history should contain (\d+) events$`, steps.historyLength)
}

type permissionSteps struct {
	tc           TestContext
	permissionID string
}

func (s *permissionSteps) create(connector, granularity string) error {
	start := time.Now().UTC().AddDate(0, 0, -30)
	return s.createWindow(connector, granularity, start, start.AddDate(0, 0, 10))
}

func (s *permissionSteps) createInverted(connector string) error {
	start := time.Now().UTC().AddDate(0, 0, -10)
	return s.createWindow(connector, "P1D", start, start.AddDate(0, 0, -5))
}

func (s *permissionSteps) createWindow(connector, granularity string, start, end time.Time) error {
	err := s.tc.POST("/permission-requests", map[string]any{
		"connection_id":       "e2e-connection",
		"data_need_id":        "e2e-data-need",
		"region_connector_id": connector,
		"start":               start.Format(time.DateOnly),
		"end":                 end.Format(time.DateOnly),
		"granularity":         granularity,
	})
	if err != nil {
		return err
	}
	if pid, err := s.tc.ResponseField("permission_id"); err == nil {
		s.permissionID = fmt.Sprint(pid)
	}
	return nil
}

func (s *permissionSteps) transition(action string) error {
	if s.permissionID == "" {
		return fmt.Errorf("no permission request created in this scenario")
	}
	return s.tc.POST(fmt.Sprintf("/permission-requests/%s/%s", s.permissionID, action), map[string]any{
		"reason": "e2e",
	})
}

func (s *permissionSteps) fetch() error {
	return s.tc.GET("/permission-requests/" + s.permissionID)
}

func (s *permissionSteps) history() error {
	return s.tc.GET("/permission-requests/" + s.permissionID + "/events")
}

func (s *permissionSteps) historyLength(want int) error {
	raw, err := s.tc.ResponseField("events")
	if err != nil {
		return err
	}
	events, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("events is %T, not a list", raw)
	}
	if len(events) != want {
		return fmt.Errorf("expected %d events, got %d", want, len(events))
	}
	return nil
}
