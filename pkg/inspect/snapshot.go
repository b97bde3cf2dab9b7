package inspect

import (
	"time"

	"github.com/meridianhq/mcppool/pkg/mcp"
)

// Snapshot is the recorded capability surface of one server: everything it
// listed, when it was asked, and a rough token cost for feeding the listing
// to a language model.
type Snapshot struct {
	Server        string         `json:"server"`
	Tools         []mcp.Tool     `json:"tools"`
	Resources     []mcp.Resource `json:"resources"`
	Prompts       []mcp.Prompt   `json:"prompts"`
	TokenEstimate int            `json:"tokenEstimate"`
	InspectedAt   time.Time      `json:"inspectedAt"`

	// Error is set when the inspection pass failed partway; the listings
	// captured before the failure are kept.
	Error string `json:"error,omitempty"`
}

// Counts reports how many tools, resources, and prompts the server listed.
func (s *Snapshot) Counts() (tools, resources, prompts int) {
	return len(s.Tools), len(s.Resources), len(s.Prompts)
}

// estimateTokens approximates the token cost of a capability listing at four
// characters per token, each field rounded up on its own. It is a relative
// measure for comparing servers, not an authoritative count.
func estimateTokens(s *Snapshot) int {
	var tokens int
	for _, t := range s.Tools {
		tokens += fieldTokens(t.Name) + fieldTokens(t.Description) + fieldTokens(string(t.InputSchema))
	}
	for _, r := range s.Resources {
		tokens += fieldTokens(r.Name) + fieldTokens(r.Description) + fieldTokens(r.URI)
	}
	for _, p := range s.Prompts {
		tokens += fieldTokens(p.Name) + fieldTokens(p.Description)
	}
	return tokens
}

func fieldTokens(field string) int {
	return (len(field) + 3) / 4
}
