// Package ingest turns resource lifecycle messages into stored events.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/chronostat/chronostat/pkg/types"
)

// Envelope is the wire form of one lifecycle message. Payload carries the
// parsed resource document and is ignored for removals.
type Envelope struct {
	ResourceID   string          `json:"resourceId"`
	Timestamp    int64           `json:"timestamp"`
	ResourceType string          `json:"resourceType"`
	Removed      bool            `json:"removed"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type organization struct {
	OrgPath *string `json:"orgPath"`
}

type publishedResource struct {
	Publisher *organization `json:"publisher"`
}

type datasetResource struct {
	Publisher                  *organization `json:"publisher"`
	IsRelatedToTransportportal *bool         `json:"isRelatedToTransportportal"`
}

type eventResource struct {
	Catalog *struct {
		Publisher *organization `json:"publisher"`
	} `json:"catalog"`
}

type serviceResource struct {
	OwnedBy               []organization `json:"ownedBy"`
	HasCompetentAuthority []organization `json:"hasCompetentAuthority"`
}

// DecodeMessage parses a JSON envelope and decodes it.
func DecodeMessage(data []byte) (types.ResourceEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.ResourceEvent{}, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return Decode(env)
}

// Decode builds the resource event described by env.
func Decode(env Envelope) (types.ResourceEvent, error) {
	resourceType, err := types.ParseResourceType(env.ResourceType)
	if err != nil {
		return types.ResourceEvent{}, err
	}
	if env.ResourceID == "" {
		return types.ResourceEvent{}, fmt.Errorf("resourceId is required")
	}

	if env.Removed {
		return types.NewTombstone(env.ResourceID, env.Timestamp, resourceType), nil
	}

	event := types.NewResourceEvent(env.ResourceID, env.Timestamp, resourceType)
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return event, nil
	}

	orgPath, transport, err := decodePayload(resourceType, env.Payload)
	if err != nil {
		return types.ResourceEvent{}, fmt.Errorf("failed to decode %s payload for %s: %w", resourceType, env.ResourceID, err)
	}
	if orgPath != nil {
		event = event.WithOrgPath(*orgPath)
	}
	event.Transport = transport
	return event, nil
}

func decodePayload(resourceType types.ResourceType, payload json.RawMessage) (*string, bool, error) {
	switch resourceType {
	case types.ResourceDataset:
		var r datasetResource
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, false, err
		}
		transport := r.IsRelatedToTransportportal != nil && *r.IsRelatedToTransportportal
		return r.Publisher.path(), transport, nil

	case types.ResourceTypeEvent:
		var r eventResource
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, false, err
		}
		if r.Catalog == nil {
			return nil, false, nil
		}
		return r.Catalog.Publisher.path(), false, nil

	case types.ResourceService:
		var r serviceResource
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, false, err
		}
		// Competent authority takes precedence over the owner
		if len(r.HasCompetentAuthority) > 0 {
			return r.HasCompetentAuthority[0].OrgPath, false, nil
		}
		if len(r.OwnedBy) > 0 {
			return r.OwnedBy[0].OrgPath, false, nil
		}
		return nil, false, nil

	default:
		var r publishedResource
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, false, err
		}
		return r.Publisher.path(), false, nil
	}
}

func (o *organization) path() *string {
	if o == nil {
		return nil
	}
	return o.OrgPath
}
