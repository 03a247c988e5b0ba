package storage

import (
	"strings"

	"github.com/chronostat/chronostat/pkg/types"
)

// SnapshotPrefix holds one object per archived snapshot date.
const SnapshotPrefix = "snapshots/"

const snapshotSuffix = ".ndjson.sz"

// SnapshotKey returns the object path of the snapshot archived for date.
func SnapshotKey(date types.Date) string {
	return SnapshotPrefix + date.String() + snapshotSuffix
}

// SnapshotDate parses an object path produced by SnapshotKey.
func SnapshotDate(key string) (types.Date, bool) {
	if !strings.HasPrefix(key, SnapshotPrefix) || !strings.HasSuffix(key, snapshotSuffix) {
		return types.Date{}, false
	}
	d, err := types.ParseDate(strings.TrimSuffix(strings.TrimPrefix(key, SnapshotPrefix), snapshotSuffix))
	if err != nil {
		return types.Date{}, false
	}
	return d, true
}

// joinKey prefixes objectPath with a bucket namespace.
func joinKey(namespace, objectPath string) string {
	if namespace == "" {
		return objectPath
	}
	return strings.TrimSuffix(namespace, "/") + "/" + strings.TrimPrefix(objectPath, "/")
}
