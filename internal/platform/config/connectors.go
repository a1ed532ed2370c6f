package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"consentflow/internal/permission/statemachine"
	id "consentflow/pkg/domain"
	platformstrings "consentflow/pkg/platform/strings"
)

// Connector describes one region connector in the capability file:
//
//	connectors:
//	  dk-energinet:
//	    country_code: DK
//	    external_termination: true
//	    disabled_actions: [terminate]
//	    fetch_url: http://energinet-gateway:8080
type Connector struct {
	CountryCode         string   `yaml:"country_code"`
	ExternalTermination bool     `yaml:"external_termination"`
	DisabledActions     []string `yaml:"disabled_actions"`
	PollCron            string   `yaml:"poll_cron"`
	// FetchURL is the base URL of the connector's data gateway; without it
	// the connector is not polled.
	FetchURL string `yaml:"fetch_url"`
}

// Capabilities returns the lifecycle graph the connector supports.
func (c Connector) Capabilities() (statemachine.Capabilities, error) {
	actions := make([]statemachine.Action, 0, len(c.DisabledActions))
	for _, raw := range platformstrings.DedupeAndTrim(c.DisabledActions) {
		a, err := statemachine.ParseAction(raw)
		if err != nil {
			return statemachine.Capabilities{}, err
		}
		actions = append(actions, a)
	}
	return statemachine.DefaultCapabilities().Without(actions...), nil
}

type connectorsFile struct {
	Connectors map[id.RegionConnectorID]Connector `yaml:"connectors"`
}

// LoadConnectors reads the capability file at path. An empty path yields
// no connectors.
func LoadConnectors(path string) (map[id.RegionConnectorID]Connector, error) {
	if path == "" {
		return map[id.RegionConnectorID]Connector{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connectors file: %w", err)
	}
	return ParseConnectors(raw)
}

func ParseConnectors(raw []byte) (map[id.RegionConnectorID]Connector, error) {
	var f connectorsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse connectors file: %w", err)
	}
	for connectorID, c := range f.Connectors {
		if _, err := c.Capabilities(); err != nil {
			return nil, fmt.Errorf("connector %s: %w", connectorID, err)
		}
	}
	if f.Connectors == nil {
		f.Connectors = map[id.RegionConnectorID]Connector{}
	}
	return f.Connectors, nil
}
