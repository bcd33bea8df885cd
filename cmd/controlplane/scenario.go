package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
	"github.com/fkie-cad/wattson-controlplane/controlplane/simulator"
)

// scenarioFile is the on-disk description of a grid and network topology to
// load at startup: grid elements and their initial values, plus nodes and
// links for the network simulator. Simulator-specific LoadScenario methods
// stay no-ops (§4.6) because the concrete shape of a scenario file is a
// deployment concern, not part of each simulator's own contract; this loader
// is where that shape is decided.
type scenarioFile struct {
	Grid    []scenarioGridElement `yaml:"grid"`
	Network scenarioNetwork       `yaml:"network"`
}

type scenarioGridElement struct {
	Type   string               `yaml:"type"`
	Index  int                  `yaml:"index"`
	Values []scenarioGridValue  `yaml:"values"`
}

type scenarioGridValue struct {
	Context protocol.GridValueContext `yaml:"context"`
	Name    string                    `yaml:"name"`
	Initial any                       `yaml:"initial"`
	Unit    string                    `yaml:"unit"`
}

type scenarioNetwork struct {
	Nodes []scenarioNode `yaml:"nodes"`
	Links []scenarioLink `yaml:"links"`
}

type scenarioNode struct {
	EntityID string            `yaml:"entity_id"`
	Kind     protocol.NodeKind `yaml:"kind"`
	Roles    map[string]bool   `yaml:"roles"`
}

type scenarioLink struct {
	EntityID     string `yaml:"entity_id"`
	InterfaceAID string `yaml:"interface_a_id"`
	InterfaceBID string `yaml:"interface_b_id"`
}

// loadScenario parses path and populates model and network directly through
// their public APIs. It does not call Simulator.LoadScenario, since that
// hook exists for parity with the Simulator Interface but the scenario file
// format itself is defined here.
func loadScenario(path string, model *simulator.GridModel, network *simulator.NetworkSimulator) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario %s: %w", path, err)
	}

	var sc scenarioFile
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return fmt.Errorf("parse scenario %s: %w", path, err)
	}

	for _, el := range sc.Grid {
		for _, v := range el.Values {
			model.DefineValue(el.Type, el.Index, v.Context, v.Name, v.Initial, v.Unit)
		}
	}

	for _, n := range sc.Network.Nodes {
		network.AddNode(&protocol.Node{EntityID: n.EntityID, Kind: n.Kind, Roles: n.Roles})
	}
	for _, l := range sc.Network.Links {
		if err := network.AddLink(&protocol.Link{EntityID: l.EntityID, InterfaceAID: l.InterfaceAID, InterfaceBID: l.InterfaceBID, Up: true}); err != nil {
			return fmt.Errorf("add link %s: %w", l.EntityID, err)
		}
	}

	return nil
}
