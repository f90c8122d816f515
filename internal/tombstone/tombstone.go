// Package tombstone implements delete markers with monotonic keys, low-
// watermark pruning, and apply-time finalization.
package tombstone

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/kvreplica/engine/internal/localstore"
	"github.com/kvreplica/engine/internal/progress"
	"github.com/kvreplica/engine/internal/wire"
)

// Key formats a tombstone's primary key so that key ordering matches LSN
// ordering.
func Key(lsn uint64, index uint32) string {
	return fmt.Sprintf("0x%016x:%d", lsn, index)
}

// ParseKey extracts (lsn,index) from a tombstone key, falling back to the
// legacy delimited format without the "0x" prefix some older peers wrote.
func ParseKey(key string) (lsn uint64, index uint32, ok bool) {
	s, base := key, 16
	if strings.HasPrefix(key, "0x") {
		s = key[2:]
	} else {
		// Legacy fallback: decimal, not hex.
		base = 10
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	l, err := strconv.ParseUint(parts[0], base, 64)
	if err != nil {
		return 0, 0, false
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return l, uint32(idx), true
}

// Tracker bumps an estimate of pending tombstone count and decides when a
// prune job should be scheduled.
type Tracker struct {
	pending   int64
	threshold int64
	onTrigger func()
}

func NewTracker(threshold int, onTrigger func()) *Tracker {
	return &Tracker{threshold: int64(threshold), onTrigger: onTrigger}
}

// Bump records n more tombstones written; if the running estimate
// crosses the threshold, the trigger fires and the counter resets.
func (t *Tracker) Bump(n int) {
	if atomic.AddInt64(&t.pending, int64(n)) >= t.threshold {
		atomic.StoreInt64(&t.pending, 0)
		if t.onTrigger != nil {
			t.onTrigger()
		}
	}
}

// Insert creates a tombstone row for a just-deleted live entry. index
// disambiguates multiple deletes within one committing batch.
func Insert(tx *localstore.Tx, liveType, liveKey string, lsn uint64, index uint32) error {
	data := wire.TombstoneData{LiveEntryType: liveType, LiveEntryKey: liveKey, Lsn: lsn, Index: index}
	return tx.Insert(wire.ReplicationTombstoneType, Key(lsn, index), wire.EncodeTombstoneData(data), wire.MetadataLsn, nil)
}

// ApplyRow upserts a replicated tombstone row verbatim (already
// wire-encoded by the sender) at the pinned sentinel LSN. Used by the
// secondary pump when a Copy-phase page carries a ReplicationTombstone
// row.
func ApplyRow(tx *localstore.Tx, key string, payload []byte) error {
	if _, _, err := tx.ReadExact(wire.ReplicationTombstoneType, key); err != nil {
		return tx.Insert(wire.ReplicationTombstoneType, key, payload, wire.MetadataLsn, nil)
	}
	return tx.Update(wire.ReplicationTombstoneType, key, nil, "", payload, wire.MetadataLsn, nil)
}

// Prune deletes every tombstone with lsn <= lw and persists the new low
// watermark. It is best-effort and re-entrant: callers are
// responsible for not running it concurrently with a copy that has not
// yet committed to a partial-copy LSN.
func Prune(tx *localstore.Tx, lw uint64) (pruned int, err error) {
	enum, err := tx.EnumerateByTypeAndKey(wire.ReplicationTombstoneType, "")
	if err != nil {
		return 0, err
	}
	defer enum.Close()

	var toDelete []string
	for enum.Valid() {
		item, err := enum.Current()
		if err != nil {
			return pruned, err
		}
		if lsn, _, ok := ParseKey(item.Key); ok && lsn <= lw {
			toDelete = append(toDelete, item.Key)
		}
		enum.Advance()
	}
	for _, k := range toDelete {
		if err := tx.Delete(wire.ReplicationTombstoneType, k, nil); err != nil {
			return pruned, err
		}
		pruned++
	}
	if err := progress.WriteTombstoneLowWatermark(tx, lw); err != nil {
		return pruned, err
	}
	return pruned, nil
}
