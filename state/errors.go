package state

import "errors"

// Sentinel errors, see spec §7. Wrapped with fmt.Errorf("...: %w", Err...)
// at call sites and tested with errors.Is, following the teacher's own
// error-wrapping idiom in core/entrypoint.go.
var (
	// ErrLocalLoopback: the RREQ source resolves to a local element.
	ErrLocalLoopback = errors.New("aodv: rreq source is a local element")

	// ErrLateRreq: a RREQ arrived after the destination already
	// established a Valid route for the same query.
	ErrLateRreq = errors.New("aodv: rreq arrived after valid route was established")

	// ErrNoReply: the ring search exhausted RING_MAX_TTL without a RREP.
	ErrNoReply = errors.New("aodv: ring search exhausted without a reply")

	// ErrResourceExhausted: an arena is at capacity.
	ErrResourceExhausted = errors.New("aodv: resource exhausted")

	// ErrDecodeShort: a buffer was shorter than the PDU it was claimed to
	// hold.
	ErrDecodeShort = errors.New("aodv: buffer too short to decode")

	// ErrSendFailure: the lower transport layer reported a send error.
	ErrSendFailure = errors.New("aodv: control send failed")

	// ErrUnknownEntry: an EntryID handle no longer refers to a live slot.
	ErrUnknownEntry = errors.New("aodv: stale or unknown entry handle")
)
