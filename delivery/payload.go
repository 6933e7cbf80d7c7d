package delivery

import (
	"encoding/json"

	"github.com/itskum47/MechForge/agentrunner"
)

// ArtifactRef points at agent-produced content already on IPFS.
type ArtifactRef struct {
	CID   string `json:"cid"`
	Topic string `json:"topic"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Payload is the JSON object uploaded to IPFS and referenced on-chain
// by its digest.
type Payload struct {
	RequestID   string               `json:"requestId"`
	Result      string               `json:"result"`
	Telemetry   agentrunner.Telemetry `json:"telemetry"`
	FinalStatus string               `json:"finalStatus"`
	Artifacts   []ArtifactRef        `json:"artifacts,omitempty"`
	Recognition json.RawMessage      `json:"recognition,omitempty"`
	Reflection  json.RawMessage      `json:"reflection,omitempty"`
}

// BuildPayload assembles the delivery payload from an agent result.
func BuildPayload(requestID string, result agentrunner.Result) Payload {
	payload := Payload{
		RequestID:   requestID,
		Result:      result.Output,
		Telemetry:   result.Telemetry,
		FinalStatus: result.FinalStatus,
		Recognition: result.Recognition,
		Reflection:  result.Reflection,
	}
	for _, artifact := range result.Artifacts {
		payload.Artifacts = append(payload.Artifacts, ArtifactRef{
			CID:   artifact.CID,
			Topic: artifact.Topic,
			Name:  artifact.Name,
			Type:  artifact.Type,
		})
	}
	return payload
}
