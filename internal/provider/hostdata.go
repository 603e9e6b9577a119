package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/lattice/internal/links"
)

// HostData is handed to a provider process on stdin at launch so it can join
// the lattice and configure existing links.
type HostData struct {
	LatticeID  string            `json:"lattice_id"`
	HostID     string            `json:"host_id"`
	ProviderID string            `json:"provider_key"`
	LinkName   string            `json:"link_name"`
	Contract   string            `json:"contract_id"`
	BusAddr    string            `json:"bus_addr,omitempty"`
	Links      []LinkData        `json:"link_definitions"`
	Config     map[string]string `json:"config,omitempty"`
}

// LinkData is one link definition addressed to the provider.
type LinkData struct {
	ActorID    string            `json:"actor_id"`
	ProviderID string            `json:"provider_id"`
	LinkName   string            `json:"link_name"`
	Contract   string            `json:"contract_id"`
	Values     map[string]string `json:"values"`
}

func linkData(defs []links.Definition, linkName string) []LinkData {
	out := make([]LinkData, 0, len(defs))
	for _, d := range defs {
		if links.NormalizeLinkName(d.LinkName) != linkName {
			continue
		}
		out = append(out, LinkData{
			ActorID:    d.Source.String(),
			ProviderID: d.Target.String(),
			LinkName:   links.NormalizeLinkName(d.LinkName),
			Contract:   d.Contract,
			Values:     d.Config,
		})
	}
	return out
}

// Encode returns the base64 JSON form written to the provider's stdin.
func (h HostData) Encode() (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("provider: encode host data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHostData parses the stdin line a provider receives.
func DecodeHostData(line string) (HostData, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return HostData{}, fmt.Errorf("provider: host data base64: %w", err)
	}
	var h HostData
	if err := json.Unmarshal(raw, &h); err != nil {
		return HostData{}, fmt.Errorf("provider: host data json: %w", err)
	}
	return h, nil
}
