// Package audit implements the append-only audit journal: one AuditRecord
// per transactional phase boundary, with a monotonically-ordered id and
// durability at least to OS buffer flush per record, per spec §4.9.
//
// Grounded on the teacher's runlog package (an append-only, cursor-paginated
// run event log), generalized from a single-purpose event log into the
// commerce-domain AuditRecord shape and given two concrete writers.
package audit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cartorch/orchestrator/internal/model"
)

// Log is an append-only audit journal.
type Log interface {
	// Append writes record durably before returning, per spec §4.9/§8
	// property 3 ("durable before the terminal result is returned").
	Append(ctx context.Context, record model.AuditRecord) error

	// Scan reads records in insertion order, invoking fn for each. Reading
	// is not part of the core contract but must be possible (spec §4.9).
	Scan(ctx context.Context, fn func(model.AuditRecord) error) error
}

// instanceMarker distinguishes ids minted by different process instances
// sharing one log (e.g. across a restart), so a monotonic per-process
// sequence remains globally unique.
var instanceMarker = fmt.Sprintf("%d", time.Now().UnixNano())

// sequence is a process-wide monotonic counter combined with instanceMarker
// to form record ids, per spec §4.9 ("monotonically-ordered id: per-process
// sequence + process instance marker").
type sequence struct{ n int64 }

func (s *sequence) next() string {
	n := atomic.AddInt64(&s.n, 1)
	return fmt.Sprintf("%s-%08d", instanceMarker, n)
}

// sharedSequence is the process-wide sequence NewID draws record ids from.
var sharedSequence = &sequence{}

// NewID returns the next globally-ordered audit record id.
func NewID() string { return sharedSequence.next() }
