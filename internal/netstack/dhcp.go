package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/gondolin-dev/gondolin/internal/trace"
)

// DHCP message types (RFC 2131 option 53).
const (
	dhcpDiscover byte = 1
	dhcpOffer    byte = 2
	dhcpRequest  byte = 3
	dhcpDecline  byte = 4
	dhcpAck      byte = 5
	dhcpNak      byte = 6
	dhcpRelease  byte = 7
	dhcpInform   byte = 8
)

// DHCP option codes used by this server, spec.md §7 ("DHCPv4 options 1, 3,
// 6, 12, 28, 51, 53, 54, 58, 59").
const (
	dhcpOptSubnetMask      byte = 1
	dhcpOptRouter          byte = 3
	dhcpOptDNS             byte = 6
	dhcpOptHostname        byte = 12
	dhcpOptBroadcastAddr   byte = 28
	dhcpOptRequestedIP     byte = 50
	dhcpOptLeaseTime       byte = 51
	dhcpOptMsgType         byte = 53
	dhcpOptServerID        byte = 54
	dhcpOptRenewalTime     byte = 58
	dhcpOptRebindingTime   byte = 59
	dhcpOptEnd             byte = 255
	dhcpOptPad             byte = 0
	dhcpHeaderLen          = 236 // fixed BOOTP header, up to and including chaddr/sname/file
	dhcpMagicCookie uint32 = 0x63825363
)

// Lease is the single active DHCP binding, spec.md §3.
type Lease struct {
	ClientMAC  macAddr
	ClientHost string
	AssignedIP [4]byte
	GatewayIP  [4]byte
	DNSIP      [4]byte
	Netmask    [4]byte
	MTU        uint16
	Xid        uint32
	ObtainedAt time.Time
	RenewAt    time.Time
	RebindAt   time.Time
	ExpiresAt  time.Time
}

// dhcpLeaseDuration is the lease lifetime handed out in option 51.
const dhcpLeaseDuration = 12 * time.Hour

// dhcpServer answers DHCP for exactly one client at a time, per spec.md
// §4.1's "exactly one active lease" invariant.
type dhcpServer struct {
	stack    *NetStack
	serverIP [4]byte
	lease    *Lease
}

func newDHCPServer(stack *NetStack) *dhcpServer {
	return &dhcpServer{stack: stack, serverIP: stack.hostIPv4}
}

// StartDHCPServer binds UDP:67 and begins answering DISCOVER/REQUEST/RELEASE
// for the guest MAC, offering guestIPv4/hostIPv4/hostIPv4 as the lease,
// gateway, and DNS addresses respectively.
func (ns *NetStack) StartDHCPServer() error {
	ns.dhcpMu.Lock()
	defer ns.dhcpMu.Unlock()
	if ns.dhcp != nil {
		return nil
	}
	srv := newDHCPServer(ns)
	if err := ns.BindUDPCallback(":67", srv.handleUDP); err != nil {
		return fmt.Errorf("dhcp: bind udp 67: %w", err)
	}
	ns.dhcp = srv
	return nil
}

// handleUDP is invoked for every datagram delivered to UDP:67. Malformed
// packets or ones with an unexpected xid relative to the active lease's
// in-flight transaction are silently dropped, matching spec.md §4.1
// ("DHCP is best-effort from a hostile client").
func (d *dhcpServer) handleUDP(ep *udpCallbackEndpoint, data []byte, addr net.UDPAddr) {
	msg, err := parseDHCPMessage(data)
	if err != nil {
		return
	}
	msgType, ok := msg.options[dhcpOptMsgType]
	if !ok || len(msgType) != 1 {
		return
	}

	d.stack.dhcpMu.Lock()
	defer d.stack.dhcpMu.Unlock()

	switch msgType[0] {
	case dhcpDiscover:
		d.handleDiscover(ep, msg)
	case dhcpRequest:
		d.handleRequest(ep, msg)
	case dhcpRelease:
		d.handleRelease(msg)
	}
}

func (d *dhcpServer) handleDiscover(ep *udpCallbackEndpoint, msg dhcpMessage) {
	clientMAC, _ := macToUint64(net.HardwareAddr(msg.chaddr[:6]))
	lease := &Lease{
		ClientMAC:  clientMAC,
		AssignedIP: d.stack.guestIPv4,
		GatewayIP:  d.stack.hostIPv4,
		DNSIP:      d.stack.hostIPv4,
		Netmask:    [4]byte{255, 255, 255, 0},
		MTU:        1500,
		Xid:        msg.xid,
	}
	if h, ok := msg.options[dhcpOptHostname]; ok {
		lease.ClientHost = string(h)
	}
	d.lease = lease

	reply := d.buildReply(msg, dhcpOffer, lease)
	_, _ = ep.WriteTo(reply, net.UDPAddr{IP: net.IPv4bcast, Port: 68})
	_ = trace.WriteJSON("netstack.dhcp.lease", map[string]any{"event": "offer", "ip": net.IP(lease.AssignedIP[:]).String()})
}

func (d *dhcpServer) handleRequest(ep *udpCallbackEndpoint, msg dhcpMessage) {
	if d.lease == nil || msg.xid != d.lease.Xid {
		return
	}
	now := time.Now()
	d.lease.ObtainedAt = now
	d.lease.RenewAt = now.Add(dhcpLeaseDuration / 2)
	d.lease.RebindAt = now.Add(dhcpLeaseDuration * 7 / 8)
	d.lease.ExpiresAt = now.Add(dhcpLeaseDuration)

	reply := d.buildReply(msg, dhcpAck, d.lease)
	_, _ = ep.WriteTo(reply, net.UDPAddr{IP: net.IPv4bcast, Port: 68})
	_ = trace.WriteJSON("netstack.dhcp.lease", map[string]any{"event": "ack", "ip": net.IP(d.lease.AssignedIP[:]).String()})
}

func (d *dhcpServer) handleRelease(msg dhcpMessage) {
	if d.lease == nil || msg.xid != d.lease.Xid {
		return
	}
	_ = trace.WriteJSON("netstack.dhcp.lease", map[string]any{"event": "release"})
	d.lease = nil
}

// Lease returns a copy of the currently active lease, if any.
func (d *dhcpServer) Lease() (Lease, bool) {
	if d.lease == nil || d.lease.ObtainedAt.IsZero() {
		return Lease{}, false
	}
	return *d.lease, true
}

////////////////////////////////////////////////////////////////////////////////
// Wire format (RFC 2131/2132).
////////////////////////////////////////////////////////////////////////////////

type dhcpMessage struct {
	op      byte
	xid     uint32
	ciaddr  [4]byte
	chaddr  [16]byte
	options map[byte][]byte
}

func parseDHCPMessage(data []byte) (dhcpMessage, error) {
	if len(data) < dhcpHeaderLen+4 {
		return dhcpMessage{}, fmt.Errorf("dhcp: short packet (%d bytes)", len(data))
	}
	if binary.BigEndian.Uint32(data[dhcpHeaderLen:dhcpHeaderLen+4]) != dhcpMagicCookie {
		return dhcpMessage{}, fmt.Errorf("dhcp: bad magic cookie")
	}

	msg := dhcpMessage{
		op:      data[0],
		xid:     binary.BigEndian.Uint32(data[4:8]),
		options: make(map[byte][]byte),
	}
	copy(msg.ciaddr[:], data[12:16])
	copy(msg.chaddr[:], data[28:44])

	opts := data[dhcpHeaderLen+4:]
	i := 0
	for i < len(opts) {
		code := opts[i]
		if code == dhcpOptEnd {
			break
		}
		if code == dhcpOptPad {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if i+2+length > len(opts) {
			break
		}
		msg.options[code] = opts[i+2 : i+2+length]
		i += 2 + length
	}
	return msg, nil
}

// buildReply constructs a BOOTP/DHCP reply of the given message type,
// echoing the client's xid/chaddr and carrying the message type and lease
// fields in options 1, 3, 6, 28, 51, 53, 54, 58, 59.
func (d *dhcpServer) buildReply(req dhcpMessage, msgType byte, lease *Lease) []byte {
	buf := make([]byte, dhcpHeaderLen+4, dhcpHeaderLen+4+64)
	buf[0] = 2 // BOOTREPLY
	buf[1] = 1 // htype: Ethernet
	buf[2] = 6 // hlen
	binary.BigEndian.PutUint32(buf[4:8], req.xid)
	copy(buf[16:20], lease.AssignedIP[:]) // yiaddr
	copy(buf[20:24], d.serverIP[:])       // siaddr
	copy(buf[28:44], req.chaddr[:])
	binary.BigEndian.PutUint32(buf[dhcpHeaderLen:dhcpHeaderLen+4], dhcpMagicCookie)

	appendOpt := func(code byte, value []byte) {
		buf = append(buf, code, byte(len(value)))
		buf = append(buf, value...)
	}
	appendOpt(dhcpOptMsgType, []byte{msgType})
	appendOpt(dhcpOptServerID, d.serverIP[:])
	appendOpt(dhcpOptSubnetMask, lease.Netmask[:])
	appendOpt(dhcpOptRouter, lease.GatewayIP[:])
	appendOpt(dhcpOptDNS, lease.DNSIP[:])
	var leaseSecs [4]byte
	binary.BigEndian.PutUint32(leaseSecs[:], uint32(dhcpLeaseDuration/time.Second))
	appendOpt(dhcpOptLeaseTime, leaseSecs[:])
	var renewSecs, rebindSecs [4]byte
	binary.BigEndian.PutUint32(renewSecs[:], uint32(dhcpLeaseDuration/2/time.Second))
	binary.BigEndian.PutUint32(rebindSecs[:], uint32(dhcpLeaseDuration*7/8/time.Second))
	appendOpt(dhcpOptRenewalTime, renewSecs[:])
	appendOpt(dhcpOptRebindingTime, rebindSecs[:])
	broadcast := [4]byte{lease.AssignedIP[0] | ^lease.Netmask[0], lease.AssignedIP[1] | ^lease.Netmask[1], lease.AssignedIP[2] | ^lease.Netmask[2], lease.AssignedIP[3] | ^lease.Netmask[3]}
	appendOpt(dhcpOptBroadcastAddr, broadcast[:])
	buf = append(buf, dhcpOptEnd)
	return buf
}
