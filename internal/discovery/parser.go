// Package discovery consumes the domain-description feed: administrative
// domains publish their name, type and interface inventory in an
// openconfig-flavored JSON document. The parser reduces that document to the
// flat DomainInfo model the rest of the service works with; everything else
// only ever sees parsed values.
package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
)

// Wire layout of one domain announcement. Only the fields the service layer
// consumes are mapped; unknown branches of the document are ignored.
type wireEnvelope struct {
	Informations *wireDomain `json:"netgroup-domain:informations"`
}

type wireDomain struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Manager wireManagerInfo `json:"netgroup-network-manager:informations"`
}

type wireManagerInfo struct {
	Interfaces *wireInterfaces `json:"openconfig-interfaces:interfaces"`
}

type wireInterfaces struct {
	Interface []wireInterface `json:"openconfig-interfaces:interface"`
}

type wireInterface struct {
	Name          string             `json:"name"`
	Config        wireIfConfig       `json:"config"`
	Subinterfaces *wireSubinterfaces `json:"openconfig-interfaces:subinterfaces"`
	Ethernet      wireEthernet       `json:"openconfig-if-ethernet:ethernet"`
}

type wireIfConfig struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type wireSubinterfaces struct {
	Subinterface []wireSubinterface `json:"openconfig-interfaces:subinterface"`
}

type wireSubinterface struct {
	Config struct {
		Name string `json:"name"`
	} `json:"config"`
	Capabilities struct {
		GRE bool `json:"gre"`
	} `json:"capabilities"`
	GRE []wireGre `json:"netgroup-if-gre:gre"`
}

type wireGre struct {
	Config struct {
		Name string `json:"name"`
	} `json:"config"`
	Options struct {
		LocalIP  string `json:"local_ip"`
		RemoteIP string `json:"remote_ip"`
		Key      string `json:"key"`
	} `json:"options"`
}

type wireEthernet struct {
	Neighbors []wireNeighbor `json:"netgroup-neighbor:neighbor"`
	VLAN      *wireVlan      `json:"openconfig-vlan:vlan"`
}

type wireNeighbor struct {
	Domain    string `json:"domain"`
	Interface string `json:"interface"`
}

type wireVlan struct {
	Config *wireVlanConfig `json:"openconfig-vlan:config"`
}

type wireVlanConfig struct {
	InterfaceMode string   `json:"interface-mode"`
	TrunkVLANs    []string `json:"trunk-vlans"`
}

// ParseAnnouncement reduces one published announcement to a DomainInfo.
// Disabled interfaces are dropped; subinterfaces only contribute their GRE
// capability.
func ParseAnnouncement(data []byte) (*schemas.DomainInfo, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed domain announcement: %w", err)
	}
	if env.Informations == nil || env.Informations.Name == "" {
		return nil, fmt.Errorf("domain announcement carries no domain name")
	}

	info := &schemas.DomainInfo{
		Name: env.Informations.Name,
		Type: env.Informations.Type,
	}
	if env.Informations.Manager.Interfaces == nil {
		return info, nil
	}

	for _, w := range env.Informations.Manager.Interfaces.Interface {
		if !w.Config.Enabled {
			continue
		}
		iface, err := parseInterface(w)
		if err != nil {
			return nil, err
		}
		info.Interfaces = append(info.Interfaces, *iface)
	}
	return info, nil
}

func parseInterface(w wireInterface) (*schemas.DomainInterface, error) {
	// Interface identifiers are "<node>/<interface>".
	node, name, ok := strings.Cut(w.Name, "/")
	if !ok {
		return nil, fmt.Errorf("interface name %q is not <node>/<interface>", w.Name)
	}

	iface := &schemas.DomainInterface{
		Node:    node,
		Name:    name,
		Type:    w.Config.Type,
		Enabled: true,
	}

	if w.Subinterfaces != nil {
		for _, sub := range w.Subinterfaces.Subinterface {
			if sub.Config.Name != name || !sub.Capabilities.GRE {
				continue
			}
			iface.GRE = true
			for _, g := range sub.GRE {
				iface.GRETunnels = append(iface.GRETunnels, schemas.GreTunnel{
					Name:     g.Config.Name,
					LocalIP:  g.Options.LocalIP,
					RemoteIP: g.Options.RemoteIP,
					Key:      g.Options.Key,
				})
			}
		}
	}

	for _, n := range w.Ethernet.Neighbors {
		neighbor := schemas.Neighbor{Domain: n.Domain}
		if n.Interface != "" {
			nNode, nIface, ok := strings.Cut(n.Interface, "/")
			if !ok {
				return nil, fmt.Errorf("neighbor interface %q is not <node>/<interface>", n.Interface)
			}
			neighbor.Node = nNode
			neighbor.Interface = nIface
		}
		iface.Neighbors = append(iface.Neighbors, neighbor)
	}

	if w.Ethernet.VLAN != nil {
		iface.VLAN = true
		if cfg := w.Ethernet.VLAN.Config; cfg != nil && cfg.InterfaceMode == "TRUNK" {
			iface.FreeVLANs = append(iface.FreeVLANs, cfg.TrunkVLANs...)
		}
	}
	return iface, nil
}
