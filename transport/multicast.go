package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/nylon-mesh/aodv-engine/state"
)

// MulticastMedium simulates the shared broadcast radio across OS
// processes or containers using a UDP multicast group: every SendCtl
// call is wrapped in a small frame and written to the group; every
// member reads every frame and decides locally whether it's the
// intended recipient, mirroring the over-the-air broadcast nature of
// the real radio (out of scope here, see spec.md §1).
type MulticastMedium struct {
	conn    *ipv4.PacketConn
	group   *net.UDPAddr
	iface   *net.Interface
	log     *slog.Logger
	primary state.Address
	elems   uint16
	netIdx  state.NetIdx
	seq     atomic.Uint32

	mu      sync.RWMutex
	subnets map[state.NetIdx]state.Subnet
	recv    ctlReceiver
}

// frame layout: opcode(1) source(2) dest(2) netidx(2) ttl(1) payload...
const frameHeaderSize = 8

// NewMulticastMedium joins groupAddr (e.g. "239.0.0.1:7462") on ifaceName
// (empty for the default multicast-capable interface) and returns a
// Collaborator handle for the given node identity.
func NewMulticastMedium(ctx context.Context, groupAddr, ifaceName string, primary state.Address, elemCount uint16, netIdx state.NetIdx, log *slog.Logger) (*MulticastMedium, error) {
	addr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", addr.Port))
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %s: %w", ifaceName, err)
		}
	}

	pconn := ipv4.NewPacketConn(pc)
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: addr.IP}); err != nil {
		return nil, fmt.Errorf("join multicast group: %w", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		log.Warn("multicast loopback not settable", "err", err)
	}

	m := &MulticastMedium{
		conn:    pconn,
		group:   addr,
		iface:   iface,
		log:     log,
		primary: primary,
		elems:   elemCount,
		netIdx:  netIdx,
		subnets: map[state.NetIdx]state.Subnet{netIdx: {NetIdx: netIdx}},
	}
	go m.readLoop()
	return m, nil
}

// SetReceiver binds the Engine that OnCtlReceive calls land on.
func (m *MulticastMedium) SetReceiver(recv ctlReceiver) {
	m.mu.Lock()
	m.recv = recv
	m.mu.Unlock()
}

// Close leaves the multicast group and releases the socket.
func (m *MulticastMedium) Close() error {
	_ = m.conn.LeaveGroup(m.iface, &net.UDPAddr{IP: m.group.IP})
	return m.conn.Close()
}

func (m *MulticastMedium) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, src, err := m.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < frameHeaderSize {
			continue
		}
		m.handleFrame(buf[:n], src)
	}
}

func (m *MulticastMedium) handleFrame(b []byte, _ net.Addr) {
	op := state.ControlOp(b[0])
	source := state.Address(binary.LittleEndian.Uint16(b[1:3]))
	dest := state.Address(binary.LittleEndian.Uint16(b[3:5]))
	netIdx := state.NetIdx(binary.LittleEndian.Uint16(b[5:7]))
	ttl := b[7]
	payload := append([]byte(nil), b[frameHeaderSize:]...)

	if source == m.primary {
		return // loopback of our own transmission
	}
	if dest != state.BroadcastAddress && !m.elemFind(dest) {
		return // not addressed to us
	}
	if netIdx != m.netIdx {
		return
	}

	m.mu.RLock()
	recv := m.recv
	m.mu.RUnlock()
	if recv == nil {
		return
	}

	rx := state.RxMeta{SourceAddr: source, DestAddr: dest, NetIdx: netIdx, Rssi: state.RssiMin / 2, RecvTTL: ttl}
	if err := recv.OnCtlReceive(context.Background(), op, rx, payload); err != nil {
		m.log.Debug("multicast ctl receive", "err", err)
	}
}

func (m *MulticastMedium) elemFind(addr state.Address) bool {
	return addr >= m.primary && uint32(addr) < uint32(m.primary)+uint32(m.elems)
}

// SendCtl implements state.Collaborator, framing and writing to the
// multicast group; every member filters on arrival.
func (m *MulticastMedium) SendCtl(ctx context.Context, tx state.Address, op state.ControlOp, payload []byte) error {
	ttl := state.SendTTLFromContext(ctx)
	if ttl == 0 {
		return nil
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = byte(op)
	binary.LittleEndian.PutUint16(frame[1:3], uint16(m.primary))
	binary.LittleEndian.PutUint16(frame[3:5], uint16(tx))
	binary.LittleEndian.PutUint16(frame[5:7], uint16(m.netIdx))
	frame[7] = ttl - 1
	copy(frame[frameHeaderSize:], payload)

	_, err := m.conn.WriteTo(frame, nil, m.group)
	if err != nil {
		return fmt.Errorf("multicast write: %w", err)
	}
	return nil
}

// SubnetGet implements state.Collaborator.
func (m *MulticastMedium) SubnetGet(netIdx state.NetIdx) (state.Subnet, bool) {
	s, ok := m.subnets[netIdx]
	return s, ok
}

// PrimaryAddr implements state.Collaborator.
func (m *MulticastMedium) PrimaryAddr() state.Address { return m.primary }

// ElemCount implements state.Collaborator.
func (m *MulticastMedium) ElemCount() uint16 { return m.elems }

// ElemFind implements state.Collaborator.
func (m *MulticastMedium) ElemFind(addr state.Address) bool { return m.elemFind(addr) }

// SessionSeq implements state.Collaborator.
func (m *MulticastMedium) SessionSeq() uint32 { return m.seq.Add(1) }
