package state

import "time"

// Tuning constants, see spec §4.1 and §6. Mirrored as vars (not consts),
// following the teacher's own table in constants.go, so tests and the
// `tuning` config block (see config.go) can override them per-process.
var (
	NumberOfEntries = 20 // capacity of the valid/invalid route arenas
	RwaitListSize   = 20 // capacity of the ReplyEvents arena
	RerrListSize    = 20 // not enforced: ErrorCollector keeps records in an unbounded map
	HelloListSize   = 20 // not enforced: HelloTracker's ttlcache has no capacity limit

	RreqSduMax = 15
	RrepSduMax = 20

	RingInterval  = 10 * time.Second
	RingMaxTTL    = uint8(10)
	RreqWait      = 1 * time.Second
	LifetimeData  = 120 * time.Second
	HelloLifetime = 20 * time.Second

	// RssiMin is the nominal RSSI floor used by the path-cost function.
	RssiMin = int8(-90)

	// AllocTimeout bounds how long a caller waits to acquire a slot from a
	// saturated arena before the allocation is reported as resource
	// exhausted.
	AllocTimeout = 100 * time.Millisecond

	// DiscoveryPoll is not read by DiscoveryCoordinator: Discover blocks
	// on a channel select instead of sleeping between poll passes.
	DiscoveryPoll = 50 * time.Millisecond

	// RwaitExtension is the non-periodic ring-timer extension applied when
	// an intermediate node promises to keep working on a request.
	RwaitExtension = 4 * RingInterval

	// InitialTTL is the starting ring-search TTL; single-hop TTL=1 is
	// disallowed by spec §4.3.
	InitialTTL = uint8(2)
)
