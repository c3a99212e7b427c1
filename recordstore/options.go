package recordstore

import (
	"time"

	"github.com/google/uuid"
)

const defaultCappedMaxSizeSlackCeiling = 16 * 1024 * 1024 // 16 MiB

type options struct {
	prefix []byte
	ident  string

	isCapped bool
	isOplog  bool

	cappedMaxSize       int64
	cappedMaxDocs       int64
	hasBackgroundThread bool

	extractOplogKey func([]byte) (int64, error)

	scheduler CompactionScheduler
	callback  CappedCallback

	durabilityInterval time.Duration
}

type Option func(*options)

// WithPrefix sets the key prefix this store owns. Required.
func WithPrefix(prefix []byte) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithIdent sets the ident used to derive this store's persisted
// counter keys. If never set, a random one is generated with
// google/uuid so two stores never collide on shared counter keys.
func WithIdent(ident string) Option {
	return func(o *options) { o.ident = ident }
}

func WithCapped(maxSize, maxDocs int64) Option {
	return func(o *options) {
		o.isCapped = true
		o.cappedMaxSize = maxSize
		o.cappedMaxDocs = maxDocs
	}
}

// WithOplog marks the store as an oplog-mode capped collection: ids
// are extracted from each record's payload via extractID rather than
// allocated from the internal counter, and writes become visible to
// forward readers only once durable.
func WithOplog(maxSize int64, extractID func([]byte) (int64, error)) Option {
	return func(o *options) {
		o.isCapped = true
		o.isOplog = true
		o.cappedMaxSize = maxSize
		o.cappedMaxDocs = -1
		o.extractOplogKey = extractID
	}
}

// WithBackgroundThread tells the retention policy that a separate
// background deleter is responsible for this store, changing the
// back-pressure rules in cappedDeleteAsNeeded.
func WithBackgroundThread() Option {
	return func(o *options) { o.hasBackgroundThread = true }
}

func WithCompactionScheduler(s CompactionScheduler) Option {
	return func(o *options) { o.scheduler = s }
}

func WithCappedCallback(cb CappedCallback) Option {
	return func(o *options) { o.callback = cb }
}

// WithDurabilityInterval overrides the default background flush
// interval used by the durability manager. Mostly useful for tests
// that want the journal loop to settle quickly.
func WithDurabilityInterval(d time.Duration) Option {
	return func(o *options) { o.durabilityInterval = d }
}

func defaultOptions() *options {
	return &options{
		cappedMaxDocs:      -1,
		durabilityInterval: 100 * time.Millisecond,
	}
}

func (o *options) resolveIdent() string {
	if o.ident != "" {
		return o.ident
	}
	return uuid.NewString()
}

func cappedMaxSizeSlack(cappedMaxSize int64) int64 {
	slack := cappedMaxSize / 10
	if slack > defaultCappedMaxSizeSlackCeiling {
		return defaultCappedMaxSizeSlackCeiling
	}
	return slack
}
