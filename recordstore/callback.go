package recordstore

import "github.com/cqkv/recordstore/model"

// CappedCallback lets an external index-maintenance layer react to
// capped retention: it gets a chance to clean up before a record is
// deleted, and a chance to wake up anything waiting on a capped
// collection making room. Secondary indexing itself is out of scope
// (see SPEC_FULL.md §1); this is only the hook a future index layer
// would plug into.
type CappedCallback interface {
	// AboutToDeleteCapped is invoked under the store's callback mutex,
	// immediately before a record is removed by retention.
	AboutToDeleteCapped(id model.RecordId, data []byte) error

	// NotifyCappedWaitersIfNeeded wakes up anything blocked waiting for
	// room in a capped collection. Also satisfies visibility.CappedCallback.
	NotifyCappedWaitersIfNeeded()
}
