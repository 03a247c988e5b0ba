package cache

import (
	"github.com/chronostat/chronostat/pkg/types"
	"github.com/google/uuid"
)

// keyNamespace scopes cache keys so they never collide with other name-based UUIDs.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chronostat:timeseries"))

// KeyFor returns the cache key of a validated query: a name-based UUID of its
// canonical form. Equal queries map to equal keys.
func KeyFor(q types.ValidatedQuery) string {
	return uuid.NewMD5(keyNamespace, []byte(q.Canonical())).String()
}
