package types

import (
	"fmt"
	"strings"
)

// ResourceType is a stable token naming a kind of tracked resource.
type ResourceType string

const (
	ResourceConcept          ResourceType = "CONCEPT"
	ResourceDataService      ResourceType = "DATA_SERVICE"
	ResourceDataset          ResourceType = "DATASET"
	ResourceTypeEvent        ResourceType = "EVENT"
	ResourceInformationModel ResourceType = "INFORMATION_MODEL"
	ResourceService          ResourceType = "SERVICE"
)

// resourceTypes lists every known kind. New kinds are added here.
var resourceTypes = []ResourceType{
	ResourceConcept,
	ResourceDataService,
	ResourceDataset,
	ResourceTypeEvent,
	ResourceInformationModel,
	ResourceService,
}

// ResourceTypes returns the known resource kinds in declaration order.
func ResourceTypes() []ResourceType {
	out := make([]ResourceType, len(resourceTypes))
	copy(out, resourceTypes)
	return out
}

// Valid reports whether r is a known resource kind.
func (r ResourceType) Valid() bool {
	for _, t := range resourceTypes {
		if t == r {
			return true
		}
	}
	return false
}

// ParseResourceType accepts a known token, case-insensitively.
func ParseResourceType(s string) (ResourceType, error) {
	r := ResourceType(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown resource type %q", s)
	}
	return r, nil
}

// ResourceEvent is one observed state transition of a resource.
type ResourceEvent struct {
	// EventID is derived from ResourceID and Timestamp, see EventIDFor.
	EventID string `json:"eventId"`

	ResourceID string `json:"resourceId"`

	// Timestamp is event time in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`

	// Removed marks a tombstone: the resource no longer exists as of Timestamp.
	Removed bool `json:"removed"`

	ResourceType ResourceType `json:"resourceType"`

	// OrgPath is the hierarchical owner path, nil when unknown.
	OrgPath *string `json:"orgPath,omitempty"`

	Transport bool `json:"transport"`
}

// EventIDFor returns the deterministic event id for a resource at a timestamp.
func EventIDFor(resourceID string, timestamp int64) string {
	return fmt.Sprintf("%s-%d", resourceID, timestamp)
}

// NewResourceEvent builds a non-removed event with its id filled in.
func NewResourceEvent(resourceID string, timestamp int64, resourceType ResourceType) ResourceEvent {
	return ResourceEvent{
		EventID:      EventIDFor(resourceID, timestamp),
		ResourceID:   resourceID,
		Timestamp:    timestamp,
		ResourceType: resourceType,
	}
}

// NewTombstone builds a removal event for a resource.
func NewTombstone(resourceID string, timestamp int64, resourceType ResourceType) ResourceEvent {
	e := NewResourceEvent(resourceID, timestamp, resourceType)
	e.Removed = true
	return e
}

// WithOrgPath returns a copy of e with OrgPath set; an empty path clears it.
func (e ResourceEvent) WithOrgPath(path string) ResourceEvent {
	if path == "" {
		e.OrgPath = nil
		return e
	}
	e.OrgPath = &path
	return e
}

// Normalize fills a missing EventID and checks the required fields.
func (e *ResourceEvent) Normalize() error {
	if e.ResourceID == "" {
		return fmt.Errorf("resourceId is required")
	}
	if e.Timestamp < 0 {
		return fmt.Errorf("timestamp must not be negative, got %d", e.Timestamp)
	}
	if !e.ResourceType.Valid() {
		return fmt.Errorf("unknown resource type %q", e.ResourceType)
	}
	expected := EventIDFor(e.ResourceID, e.Timestamp)
	if e.EventID == "" {
		e.EventID = expected
	} else if e.EventID != expected {
		return fmt.Errorf("eventId %q does not match resource and timestamp (want %q)", e.EventID, expected)
	}
	if e.OrgPath != nil && *e.OrgPath == "" {
		e.OrgPath = nil
	}
	return nil
}

// SnapshotEntry records which event was the latest for a resource at a date boundary.
type SnapshotEntry struct {
	ResourceID string `json:"resourceId"`
	AsOfDate   Date   `json:"asOfDate"`
	EventID    string `json:"eventId"`
}
