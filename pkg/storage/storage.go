package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/ngoyal88/shadowrelay/pkg/record"
)

// ErrUnavailable is returned when a backend cannot be reached.
var ErrUnavailable = errors.New("storage: backend unavailable")

// Store defines the interface for persisting shadow records
type Store interface {
	// Append writes one record. Implementations must be safe for concurrent use.
	Append(ctx context.Context, rec *record.ShadowRecord) error

	// ListAll returns every readable record in stable (ts_request, request_id) order.
	ListAll(ctx context.Context) (*Batch, error)

	// Health check
	Ping(ctx context.Context) error

	Name() string
}

// Batch is the result of a full read. Skipped counts entries that could not be decoded.
type Batch struct {
	Records []*record.ShadowRecord
	Skipped int
	Source  string
}

// Recent returns up to n records, newest first.
func (b *Batch) Recent(n int) []*record.ShadowRecord {
	if b == nil || n <= 0 {
		return nil
	}
	total := len(b.Records)
	if n > total {
		n = total
	}
	out := make([]*record.ShadowRecord, 0, n)
	for i := total - 1; i >= total-n; i-- {
		out = append(out, b.Records[i])
	}
	return out
}

func sortRecords(recs []*record.ShadowRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		ta, okA := a.Time()
		tb, okB := b.Time()
		switch {
		case okA && okB && !ta.Equal(tb):
			return ta.Before(tb)
		case okA != okB:
			// unparsable timestamps sort last
			return okA
		}
		return a.RequestID < b.RequestID
	})
}
