package badger

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Key layout. Timestamps are big endian so prefix scans run in time order.
//
//	ev/<source>/[ts 8][xxhash(natural key) 8] -> event JSON
//	ix/<source>/<natural key>                 -> event key
//	cur/<source>                              -> cursor JSON
//	hs/[hour 8][xxhash(group) 8]              -> hourly row JSON
var (
	eventPrefix  = []byte("ev/")
	indexPrefix  = []byte("ix/")
	cursorPrefix = []byte("cur/")
	hourlyPrefix = []byte("hs/")
)

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func be(ts time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ts.UTC().UnixNano()))
	return b
}

func hash(s string) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, xxhash.Sum64String(s))
	return b
}

func eventSourcePrefix(src traffic.SourceType) []byte {
	return join(eventPrefix, []byte(src), []byte("/"))
}

func eventKey(e traffic.Event) []byte {
	return join(eventSourcePrefix(e.Source), be(e.OccurredAt), hash(e.Key()))
}

func indexKey(src traffic.SourceType, naturalKey string) []byte {
	return join(indexPrefix, []byte(src), []byte("/"), []byte(naturalKey))
}

func cursorKey(src traffic.SourceType) []byte {
	return join(cursorPrefix, []byte(src))
}

func hourPrefix(hour time.Time) []byte {
	return join(hourlyPrefix, be(hour))
}

func hourlyKey(h traffic.HourlyStat) []byte {
	return join(hourPrefix(h.Hour), hash(h.Group().String()))
}

// timeAfter reads the 8 byte timestamp that follows prefix in key.
func timeAfter(key []byte, prefixLen int) time.Time {
	if len(key) < prefixLen+8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[prefixLen:prefixLen+8]))).UTC()
}

// seekFrom returns the first key of prefix at or after start.
func seekFrom(prefix []byte, start time.Time) []byte {
	if start.IsZero() {
		return prefix
	}
	return join(prefix, be(start))
}
