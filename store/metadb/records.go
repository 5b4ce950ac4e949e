package metadb

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind names a record type stored per tenant.
type Kind string

const (
	// KindStats holds the latest directory statistics snapshot.
	KindStats Kind = "stats"
	// KindHistory holds the hourly size history.
	KindHistory Kind = "history"
)

// knownKinds is the allow-list of storable kinds.
var knownKinds = map[Kind]bool{
	KindStats:   true,
	KindHistory: true,
}

// Valid reports whether k is an allow-listed kind.
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// Record is a persisted value with a stable tagged wire schema.
// Unknown fields are skipped on decode so older binaries can read newer records.
type Record interface {
	Kind() Kind
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

// ExtensionStat aggregates entries sharing a file extension.
type ExtensionStat struct {
	Ext   string
	Count int64
	Size  int64
}

// StatsRecord is the persisted form of a statistics snapshot.
type StatsRecord struct {
	Count      int64
	TotalSize  int64
	Expired    int64
	Extensions []ExtensionStat
	DiskTotal  uint64
	DiskFree   uint64
	CapturedAt time.Time
}

const (
	statsCount      protowire.Number = 1
	statsTotalSize  protowire.Number = 2
	statsExpired    protowire.Number = 3
	statsExtension  protowire.Number = 4
	statsDiskTotal  protowire.Number = 5
	statsDiskFree   protowire.Number = 6
	statsCapturedAt protowire.Number = 7

	extName  protowire.Number = 1
	extCount protowire.Number = 2
	extSize  protowire.Number = 3
)

// Kind implements Record.
func (r *StatsRecord) Kind() Kind { return KindStats }

// MarshalWire implements Record.
func (r *StatsRecord) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, statsCount, uint64(r.Count))
	b = appendVarint(b, statsTotalSize, uint64(r.TotalSize))
	b = appendVarint(b, statsExpired, uint64(r.Expired))
	for _, e := range r.Extensions {
		var m []byte
		m = protowire.AppendTag(m, extName, protowire.BytesType)
		m = protowire.AppendString(m, e.Ext)
		m = appendVarint(m, extCount, uint64(e.Count))
		m = appendVarint(m, extSize, uint64(e.Size))
		b = protowire.AppendTag(b, statsExtension, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	b = appendVarint(b, statsDiskTotal, r.DiskTotal)
	b = appendVarint(b, statsDiskFree, r.DiskFree)
	b = appendTime(b, statsCapturedAt, r.CapturedAt)
	return b
}

// UnmarshalWire implements Record.
func (r *StatsRecord) UnmarshalWire(b []byte) error {
	*r = StatsRecord{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == statsExtension && typ == protowire.BytesType {
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var e ExtensionStat
			if err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == extName && typ == protowire.BytesType:
					v, n := protowire.ConsumeString(b)
					e.Ext = v
					return n, nil
				case num == extCount && typ == protowire.VarintType:
					v, n := protowire.ConsumeVarint(b)
					e.Count = int64(v)
					return n, nil
				case num == extSize && typ == protowire.VarintType:
					v, n := protowire.ConsumeVarint(b)
					e.Size = int64(v)
					return n, nil
				}
				return protowire.ConsumeFieldValue(num, typ, b), nil
			}); err != nil {
				return 0, fmt.Errorf("extension: %w", err)
			}
			r.Extensions = append(r.Extensions, e)
			return n, nil
		}
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		if num == statsCapturedAt {
			v, n := consumeTime(b)
			r.CapturedAt = v
			return n, nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case statsCount:
			r.Count = int64(v)
		case statsTotalSize:
			r.TotalSize = int64(v)
		case statsExpired:
			r.Expired = int64(v)
		case statsDiskTotal:
			r.DiskTotal = v
		case statsDiskFree:
			r.DiskFree = v
		}
		return n, nil
	})
}

// BucketRecord is one hour of size history.
type BucketRecord struct {
	Hour       int64 // unix seconds, a multiple of 3600
	Size       int64
	Count      int64
	CapturedAt time.Time
}

// HistoryRecord is the persisted hourly history of one tenant.
type HistoryRecord struct {
	Buckets []BucketRecord
}

const (
	historyBucket protowire.Number = 1

	bucketHour       protowire.Number = 1
	bucketSize       protowire.Number = 2
	bucketCount      protowire.Number = 3
	bucketCapturedAt protowire.Number = 4
)

// Kind implements Record.
func (r *HistoryRecord) Kind() Kind { return KindHistory }

// MarshalWire implements Record.
func (r *HistoryRecord) MarshalWire() []byte {
	var b []byte
	for _, bk := range r.Buckets {
		var m []byte
		m = appendVarint(m, bucketHour, uint64(bk.Hour))
		m = appendVarint(m, bucketSize, uint64(bk.Size))
		m = appendVarint(m, bucketCount, uint64(bk.Count))
		m = appendTime(m, bucketCapturedAt, bk.CapturedAt)
		b = protowire.AppendTag(b, historyBucket, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// UnmarshalWire implements Record.
func (r *HistoryRecord) UnmarshalWire(b []byte) error {
	*r = HistoryRecord{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != historyBucket || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var bk BucketRecord
		if err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if typ != protowire.VarintType {
				return protowire.ConsumeFieldValue(num, typ, b), nil
			}
			if num == bucketCapturedAt {
				v, n := consumeTime(b)
				bk.CapturedAt = v
				return n, nil
			}
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case bucketHour:
				bk.Hour = int64(v)
			case bucketSize:
				bk.Size = int64(v)
			case bucketCount:
				bk.Count = int64(v)
			}
			return n, nil
		}); err != nil {
			return 0, fmt.Errorf("bucket: %w", err)
		}
		if bk.Hour%3600 != 0 {
			return 0, fmt.Errorf("%w: bucket hour %d not aligned", ErrMalformed, bk.Hour)
		}
		r.Buckets = append(r.Buckets, bk)
		return n, nil
	})
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Compile-time interface checks
var (
	_ Record = (*StatsRecord)(nil)
	_ Record = (*HistoryRecord)(nil)
)
