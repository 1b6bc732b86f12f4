package schemas

import "strings"

// -- VNF Capability Templates --

// ControlPortLabel is the port label marking control-plane ports in VNF
// capability templates.
const ControlPortLabel = "control"

// VNFTemplate is the capability/port schema a VNF references through its
// Template location. The service layer only cares about the declared port
// labels; resource requirements are the orchestrator's business.
type VNFTemplate struct {
	Name  string         `json:"name"`
	URI   string         `json:"uri,omitempty"`
	Ports []TemplatePort `json:"ports"`
}

// TemplatePort declares a group of ports available on a VNF. Label uses the
// same "<label>" or "<label>:<range>" convention as graph port IDs.
type TemplatePort struct {
	Label    string `json:"label"`
	Min      int    `json:"min,omitempty"`
	Max      int    `json:"max,omitempty"`
	Position string `json:"position,omitempty"`
}

// ControlPort returns the control-labeled port declaration, or nil when the
// template declares none.
func (t *VNFTemplate) ControlPort() *TemplatePort {
	for i := range t.Ports {
		if strings.SplitN(t.Ports[i].Label, ":", 2)[0] == ControlPortLabel {
			return &t.Ports[i]
		}
	}
	return nil
}
