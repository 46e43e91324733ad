package edge

import (
	"context"
	"fmt"
	"net"
	"sync"

	"humble/internal/mumbleproto"
)

// protocolVersion is the packed Mumble protocol version this node speaks.
const protocolVersion uint32 = 1<<16 | 4<<8 | 230

// maxDatagram bounds one voice datagram; the protocol keeps voice packets
// well under one network MTU.
const maxDatagram = 1024

// voiceSocket is the legacy client voice socket, sharing the control port
// number on UDP. It owns the source-address-to-session map.
type voiceSocket struct {
	edge *Edge
	conn *net.UDPConn

	mu        sync.Mutex
	bySource  map[string]uint32
	bySession map[uint32]string
}

func newVoiceSocket(e *Edge, addr string) (*voiceSocket, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("edge: resolve voice addr %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("edge: listen voice %s: %w", addr, err)
	}
	return &voiceSocket{
		edge:      e,
		conn:      conn,
		bySource:  make(map[string]uint32),
		bySession: make(map[uint32]string),
	}, nil
}

func (v *voiceSocket) Close() error { return v.conn.Close() }

func (v *voiceSocket) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		v.conn.Close()
	}()
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := v.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		v.handle(data, addr)
	}
}

func (v *voiceSocket) handle(data []byte, addr *net.UDPAddr) {
	if mumbleproto.IsServerListPing(data) {
		v.send(addr, mumbleproto.ServerListPingReply(data, protocolVersion,
			uint32(v.edge.sessions.Len()),
			uint32(v.edge.cfg.MaxUsers),
			uint32(v.edge.cfg.Bandwidth)))
		return
	}

	c, plain := v.resolve(data, addr)
	if c == nil {
		return
	}
	c.udpPackets.Add(1)
	c.setUDPAddr(addr)

	if mumbleproto.IsVoicePing(plain) {
		v.send(addr, c.crypt.Encrypt(mumbleproto.VoicePingReply(plain)))
		return
	}
	v.edge.routeVoice(c, plain)
}

// resolve maps a datagram source to its session. A known source decrypts
// directly; an unknown one is discovered by trying the crypto state of
// every authenticated client on the same IP, the only party able to
// produce a packet that authenticates.
func (v *voiceSocket) resolve(data []byte, addr *net.UDPAddr) (*Client, []byte) {
	key := addr.String()
	v.mu.Lock()
	session, bound := v.bySource[key]
	v.mu.Unlock()

	if bound {
		c, ok := v.edge.client(session)
		if !ok || c.crypt == nil {
			v.unbind(session)
			return nil, nil
		}
		plain, err := c.crypt.Decrypt(data)
		if err != nil {
			return nil, nil
		}
		return c, plain
	}

	for _, c := range v.edge.clientsByIP(addr.IP) {
		if c.crypt == nil || c.state.Load() != stateReady {
			continue
		}
		plain, err := c.crypt.Decrypt(data)
		if err != nil {
			continue
		}
		v.bind(c.session, key)
		v.edge.log.Debug("voice source bound", "session", c.session, "addr", key)
		return c, plain
	}
	return nil, nil
}

// bind records a source address, replacing any previous binding of the same
// session (the client's NAT port moved).
func (v *voiceSocket) bind(session uint32, key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.bySession[session]; ok {
		delete(v.bySource, old)
	}
	v.bySource[key] = session
	v.bySession[session] = key
}

func (v *voiceSocket) unbind(session uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if key, ok := v.bySession[session]; ok {
		delete(v.bySource, key)
		delete(v.bySession, session)
	}
}

func (v *voiceSocket) send(addr *net.UDPAddr, data []byte) {
	if _, err := v.conn.WriteToUDP(data, addr); err != nil {
		v.edge.log.Debug("voice send failed", "addr", addr, "error", err)
	}
}

// clusterSocket relays voice between edges on the port above the client
// port. Datagrams carry a fixed header naming sender, target, and codec;
// the voice packet itself travels in the clear between trusted nodes.
type clusterSocket struct {
	edge *Edge
	conn *net.UDPConn
}

func newClusterSocket(e *Edge, addr string) (*clusterSocket, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("edge: resolve cluster voice addr %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("edge: listen cluster voice %s: %w", addr, err)
	}
	return &clusterSocket{edge: e, conn: conn}, nil
}

func (cs *clusterSocket) Close() error { return cs.conn.Close() }

func (cs *clusterSocket) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		cs.conn.Close()
	}()
	buf := make([]byte, maxDatagram+mumbleproto.ClusterVoiceHeaderSize)
	for {
		n, _, err := cs.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		header, packet, err := mumbleproto.DecodeClusterVoice(buf[:n])
		if err != nil {
			cs.edge.log.Debug("bad cluster voice datagram", "error", err)
			continue
		}
		cs.edge.deliverClusterVoice(header, packet)
	}
}

func (cs *clusterSocket) sendTo(edgeID string, header mumbleproto.ClusterVoiceHeader, packet []byte) {
	addr, ok := cs.edge.peerAddr(edgeID)
	if !ok {
		return
	}
	if _, err := cs.conn.WriteToUDP(mumbleproto.EncodeClusterVoice(header, packet), addr); err != nil {
		cs.edge.log.Debug("cluster voice send failed", "peer", edgeID, "error", err)
	}
}
