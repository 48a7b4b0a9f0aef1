package core

import (
	"encoding/binary"
	"fmt"

	"github.com/nylon-mesh/aodv-engine/state"
)

// Wire formats, little-endian and byte-packed. Control opcode framing is
// the Collaborator's job (state.ControlOp passed alongside the payload);
// RWAIT alone repeats its opcode inside the payload itself, which this
// codec preserves for wire fidelity rather than "fixing".

// RreqPDU is the decoded form of a Route Request.
type RreqPDU struct {
	Source      state.Address
	Dest        state.Address
	SourceElems uint16
	HopCount    uint8
	Rssi        int8
	G, D, U, I  bool
	SourceSeq   state.Seq
	DestSeq     state.Seq // valid only when U == false
}

const (
	rreqFlagG = 1 << 0
	rreqFlagD = 1 << 1
	rreqFlagU = 1 << 2
	rreqFlagI = 1 << 3
)

// Encode serializes a RREQ to its 12 or 15 byte wire form, omitting
// destination_seq when U is set.
func (p RreqPDU) Encode() []byte {
	n := 12
	if !p.U {
		n = 15
	}
	b := make([]byte, n)
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.Source))
	binary.LittleEndian.PutUint16(b[2:4], uint16(p.Dest))
	binary.LittleEndian.PutUint16(b[4:6], p.SourceElems)
	b[6] = p.HopCount
	b[7] = byte(p.Rssi)
	var flags byte
	if p.G {
		flags |= rreqFlagG
	}
	if p.D {
		flags |= rreqFlagD
	}
	if p.U {
		flags |= rreqFlagU
	}
	if p.I {
		flags |= rreqFlagI
	}
	b[8] = flags
	putUint24(b[9:12], uint32(p.SourceSeq))
	if !p.U {
		putUint24(b[12:15], uint32(p.DestSeq))
	}
	return b
}

// DecodeRreq parses a RREQ, returning state.ErrDecodeShort on a buffer
// too small for the flags it declares.
func DecodeRreq(b []byte) (RreqPDU, error) {
	if len(b) < 12 {
		return RreqPDU{}, fmt.Errorf("rreq: %w", state.ErrDecodeShort)
	}
	var p RreqPDU
	p.Source = state.Address(binary.LittleEndian.Uint16(b[0:2]))
	p.Dest = state.Address(binary.LittleEndian.Uint16(b[2:4]))
	p.SourceElems = binary.LittleEndian.Uint16(b[4:6])
	p.HopCount = b[6]
	p.Rssi = int8(b[7])
	flags := b[8]
	p.G = flags&rreqFlagG != 0
	p.D = flags&rreqFlagD != 0
	p.U = flags&rreqFlagU != 0
	p.I = flags&rreqFlagI != 0
	p.SourceSeq = state.Seq(getUint24(b[9:12]))
	if !p.U {
		if len(b) < 15 {
			return RreqPDU{}, fmt.Errorf("rreq: %w", state.ErrDecodeShort)
		}
		p.DestSeq = state.Seq(getUint24(b[12:15]))
	}
	return p, nil
}

// RrepPDU is the decoded form of a Route Reply.
type RrepPDU struct {
	R         uint8
	Source    state.Address // originator of the original RREQ
	Dest      state.Address
	DestSeq   state.Seq
	HopCount  uint8
	DestElems uint16
}

// Encode serializes a RREP to its 12 byte wire form.
func (p RrepPDU) Encode() []byte {
	b := make([]byte, 12)
	b[0] = p.R
	binary.LittleEndian.PutUint16(b[1:3], uint16(p.Source))
	binary.LittleEndian.PutUint16(b[3:5], uint16(p.Dest))
	binary.LittleEndian.PutUint32(b[5:9], uint32(p.DestSeq))
	b[9] = p.HopCount
	binary.LittleEndian.PutUint16(b[10:12], p.DestElems)
	return b
}

// DecodeRrep parses a RREP.
func DecodeRrep(b []byte) (RrepPDU, error) {
	if len(b) < 12 {
		return RrepPDU{}, fmt.Errorf("rrep: %w", state.ErrDecodeShort)
	}
	var p RrepPDU
	p.R = b[0]
	p.Source = state.Address(binary.LittleEndian.Uint16(b[1:3]))
	p.Dest = state.Address(binary.LittleEndian.Uint16(b[3:5]))
	p.DestSeq = state.Seq(binary.LittleEndian.Uint32(b[5:9]))
	p.HopCount = b[9]
	p.DestElems = binary.LittleEndian.Uint16(b[10:12])
	return p, nil
}

// RwaitPDU is the decoded form of a Route Wait. Its first byte repeats
// the control opcode on the wire even though the Collaborator also
// carries the opcode out-of-band.
type RwaitPDU struct {
	Dest      state.Address
	Source    state.Address
	SourceSeq state.Seq
	HopCount  uint8
}

// Encode serializes a RWAIT to its 10 byte wire form.
func (p RwaitPDU) Encode() []byte {
	b := make([]byte, 10)
	b[0] = byte(state.OpRWAIT)
	binary.LittleEndian.PutUint16(b[1:3], uint16(p.Dest))
	binary.LittleEndian.PutUint16(b[3:5], uint16(p.Source))
	binary.LittleEndian.PutUint32(b[5:9], uint32(p.SourceSeq))
	b[9] = p.HopCount
	return b
}

// DecodeRwait parses a RWAIT.
func DecodeRwait(b []byte) (RwaitPDU, error) {
	if len(b) < 10 {
		return RwaitPDU{}, fmt.Errorf("rwait: %w", state.ErrDecodeShort)
	}
	var p RwaitPDU
	p.Dest = state.Address(binary.LittleEndian.Uint16(b[1:3]))
	p.Source = state.Address(binary.LittleEndian.Uint16(b[3:5]))
	p.SourceSeq = state.Seq(binary.LittleEndian.Uint32(b[5:9]))
	p.HopCount = b[9]
	return p, nil
}

// RerrPDU is the decoded form of a Route Error: one coalesced message
// per affected next hop, carrying every now-unreachable destination.
type RerrPDU struct {
	Destinations []state.RerrDestination
}

// Encode serializes a RERR to its 1+5N byte wire form.
func (p RerrPDU) Encode() []byte {
	b := make([]byte, 1+5*len(p.Destinations))
	b[0] = byte(len(p.Destinations))
	for i, d := range p.Destinations {
		off := 1 + 5*i
		binary.LittleEndian.PutUint16(b[off:off+2], uint16(d.Dest))
		putUint24(b[off+2:off+5], uint32(d.Seq))
	}
	return b
}

// DecodeRerr parses a RERR.
func DecodeRerr(b []byte) (RerrPDU, error) {
	if len(b) < 1 {
		return RerrPDU{}, fmt.Errorf("rerr: %w", state.ErrDecodeShort)
	}
	n := int(b[0])
	if len(b) < 1+5*n {
		return RerrPDU{}, fmt.Errorf("rerr: %w", state.ErrDecodeShort)
	}
	out := make([]state.RerrDestination, n)
	for i := 0; i < n; i++ {
		off := 1 + 5*i
		out[i] = state.RerrDestination{
			Dest: state.Address(binary.LittleEndian.Uint16(b[off : off+2])),
			Seq:  state.Seq(getUint24(b[off+2 : off+5])),
		}
	}
	return RerrPDU{Destinations: out}, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
