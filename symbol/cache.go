// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbol // import "go.opentelemetry.io/perfsession/symbol"

import (
	"sync/atomic"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/perfsession/metrics"
)

const (
	tableCacheSize     = 256
	tableCacheLifetime = 10 * time.Minute
)

// hashString is the LRU hash for string keys.
func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// tableCache holds the parsed symbol tables of ELF files by path, shared
// by all sessions of the process.
var tableCache, _ = freelru.NewSynced[string, *Table](tableCacheSize, hashString)

var cacheHits, cacheMisses atomic.Uint64

func cachedTable(path string) (*Table, bool) {
	t, ok := tableCache.Get(path)
	if ok {
		cacheHits.Add(1)
	} else {
		cacheMisses.Add(1)
	}
	return t, ok
}

func cacheTable(path string, t *Table) {
	tableCache.AddWithLifetime(path, t, tableCacheLifetime)
}

// PurgeCache drops all cached symbol tables.
func PurgeCache() {
	tableCache.Purge()
}

// CacheMetrics returns the cache hits and misses since the last call.
func CacheMetrics() []metrics.Metric {
	return []metrics.Metric{
		{ID: metrics.IDDSOCacheHit, Value: metrics.MetricValue(cacheHits.Swap(0))},
		{ID: metrics.IDDSOCacheMiss, Value: metrics.MetricValue(cacheMisses.Swap(0))},
	}
}
