package recordstore

import (
	"time"

	"github.com/cqkv/recordstore/durability"
	"github.com/cqkv/recordstore/engine"
)

// durabilityManager is *durability.Manager wired to this store's
// engine: flushed-ness is tracked by the engine's own commit sequence
// number rather than anything oplog-specific, so the same manager
// serves every store regardless of mode.
type durabilityManager = durability.Manager

func newDurabilityManager(kv engine.KV, interval time.Duration) *durabilityManager {
	return durability.New(kv, kv, interval, func() uint64 {
		return kv.NewSnapshot().Seq()
	})
}
