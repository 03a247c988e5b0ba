package ingest

import (
	"testing"

	"github.com/chronostat/chronostat/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		wantType  types.ResourceType
		wantPath  string
		transport bool
		removed   bool
	}{
		{
			name:     "concept publisher",
			msg:      `{"resourceId":"c1","timestamp":100,"resourceType":"CONCEPT","payload":{"publisher":{"orgPath":"/STAT/1"}}}`,
			wantType: types.ResourceConcept,
			wantPath: "/STAT/1",
		},
		{
			name:     "information model lower case type",
			msg:      `{"resourceId":"m1","timestamp":100,"resourceType":"information_model","payload":{"publisher":{"orgPath":"/KOMMUNE/2"}}}`,
			wantType: types.ResourceInformationModel,
			wantPath: "/KOMMUNE/2",
		},
		{
			name:      "dataset transport",
			msg:       `{"resourceId":"d1","timestamp":100,"resourceType":"DATASET","payload":{"publisher":{"orgPath":"/STAT/3"},"isRelatedToTransportportal":true}}`,
			wantType:  types.ResourceDataset,
			wantPath:  "/STAT/3",
			transport: true,
		},
		{
			name:     "dataset transport omitted",
			msg:      `{"resourceId":"d2","timestamp":100,"resourceType":"DATASET","payload":{}}`,
			wantType: types.ResourceDataset,
		},
		{
			name:     "event catalog publisher",
			msg:      `{"resourceId":"e1","timestamp":100,"resourceType":"EVENT","payload":{"catalog":{"publisher":{"orgPath":"/STAT/4"}}}}`,
			wantType: types.ResourceTypeEvent,
			wantPath: "/STAT/4",
		},
		{
			name:     "service competent authority first",
			msg:      `{"resourceId":"s1","timestamp":100,"resourceType":"SERVICE","payload":{"ownedBy":[{"orgPath":"/OWNER"}],"hasCompetentAuthority":[{"orgPath":"/AUTH"},{"orgPath":"/OTHER"}]}}`,
			wantType: types.ResourceService,
			wantPath: "/AUTH",
		},
		{
			name:     "service falls back to owner",
			msg:      `{"resourceId":"s2","timestamp":100,"resourceType":"SERVICE","payload":{"ownedBy":[{"orgPath":"/OWNER"}],"hasCompetentAuthority":[]}}`,
			wantType: types.ResourceService,
			wantPath: "/OWNER",
		},
		{
			name:     "removal ignores payload",
			msg:      `{"resourceId":"c1","timestamp":200,"resourceType":"CONCEPT","removed":true,"payload":{"publisher":{"orgPath":"/STAT/1"}}}`,
			wantType: types.ResourceConcept,
			removed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := DecodeMessage([]byte(tt.msg))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, event.ResourceType)
			assert.Equal(t, tt.removed, event.Removed)
			assert.Equal(t, tt.transport, event.Transport)
			assert.Equal(t, types.EventIDFor(event.ResourceID, event.Timestamp), event.EventID)
			if tt.wantPath == "" {
				assert.Nil(t, event.OrgPath)
			} else {
				require.NotNil(t, event.OrgPath)
				assert.Equal(t, tt.wantPath, *event.OrgPath)
			}
		})
	}
}

func TestDecodeMessage_Rejects(t *testing.T) {
	for name, msg := range map[string]string{
		"not json":          `{`,
		"unknown type":      `{"resourceId":"x","timestamp":1,"resourceType":"PODCAST"}`,
		"missing id":        `{"timestamp":1,"resourceType":"CONCEPT"}`,
		"malformed payload": `{"resourceId":"x","timestamp":1,"resourceType":"SERVICE","payload":{"ownedBy":"nope"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(msg))
			assert.Error(t, err)
		})
	}
}
