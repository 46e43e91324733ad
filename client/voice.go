package client

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"humble/internal/mumbleproto"
)

const udpReadBuffer = 2048

// startUDP opens the voice datagram path once crypt material is available.
// Until a ping round-trips, voice rides the control stream as UDPTunnel
// frames.
func (c *Client) startUDP() {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	if c.udp != nil {
		return
	}
	raddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		c.log.Debug("client: udp resolve failed, voice stays tunneled", "error", err)
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		c.log.Debug("client: udp dial failed, voice stays tunneled", "error", err)
		return
	}
	c.udp = conn
	go c.udpLoop(conn)
	go c.sendUDPPing()
}

func (c *Client) udpLoop(conn *net.UDPConn) {
	buf := make([]byte, udpReadBuffer)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		c.cryptMu.Lock()
		st := c.crypt
		c.cryptMu.Unlock()
		if st == nil {
			continue
		}
		plain, err := st.Decrypt(buf[:n])
		if err != nil {
			continue
		}
		if mumbleproto.IsVoicePing(plain) {
			c.udpReady.Store(true)
			continue
		}
		pkt, err := mumbleproto.ParseVoice(plain, true)
		if err != nil {
			continue
		}
		c.deliverVoice(pkt)
	}
}

// sendUDPPing sends one encrypted timestamp ping; the echo marks the UDP
// path usable.
func (c *Client) sendUDPPing() {
	c.udpMu.Lock()
	conn := c.udp
	c.udpMu.Unlock()
	c.cryptMu.Lock()
	st := c.crypt
	c.cryptMu.Unlock()
	if conn == nil || st == nil {
		return
	}
	ping := make([]byte, 9)
	ping[0] = 0x20
	binary.BigEndian.PutUint64(ping[1:9], uint64(time.Now().UnixMilli()))
	conn.Write(st.Encrypt(ping))
}

// UDPReady reports whether voice currently travels over UDP rather than the
// control stream.
func (c *Client) UDPReady() bool { return c.udpReady.Load() }

// SendVoice transmits one codec frame. Target 0 reaches the current
// channel, 1 through 30 are whisper slots, and 31 loops the audio back.
func (c *Client) SendVoice(target uint8, payload []byte) error {
	return c.SendVoicePacket(&mumbleproto.VoicePacket{
		Codec:    mumbleproto.CodecOpus,
		Target:   target,
		Sequence: c.seq.Add(1),
		Payload:  payload,
	})
}

// SendVoicePacket transmits a pre-built voice packet. The sequence number
// is the caller's to manage.
func (c *Client) SendVoicePacket(pkt *mumbleproto.VoicePacket) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	plain := pkt.Encode(false)

	if c.udpReady.Load() {
		c.udpMu.Lock()
		conn := c.udp
		c.udpMu.Unlock()
		c.cryptMu.Lock()
		st := c.crypt
		c.cryptMu.Unlock()
		if conn != nil && st != nil {
			if _, err := conn.Write(st.Encrypt(plain)); err == nil {
				return nil
			}
			c.udpReady.Store(false)
		}
	}
	if err := c.conn.WriteFrame(mumbleproto.TypeUDPTunnel, plain); err != nil {
		return fmt.Errorf("client: tunnel voice: %w", err)
	}
	return nil
}

// ResyncCrypt asks the server to re-send its encrypt nonce after decrypt
// failures.
func (c *Client) ResyncCrypt() error {
	return c.conn.WriteMessage(&mumbleproto.CryptSetup{})
}

func (c *Client) handleTunnel(payload []byte) error {
	pkt, err := mumbleproto.ParseVoice(payload, true)
	if err != nil {
		return err
	}
	c.deliverVoice(pkt)
	return nil
}

// deliverVoice hands a packet to the consumer without blocking the network
// loops.
func (c *Client) deliverVoice(pkt *mumbleproto.VoicePacket) {
	select {
	case c.voice <- pkt:
	default:
	}
}
