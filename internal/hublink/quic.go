package hublink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

// alpn is the application protocol negotiated on the hub link.
const alpn = "humble-hub/1"

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// stream binds a QUIC stream to its connection so closing the Peer closes
// the whole connection, not just the stream.
type stream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *stream) Close() error {
	s.Stream.CancelRead(0)
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "closed")
}

// Listener accepts hub-side link connections.
type Listener struct {
	ln  *quic.Listener
	log *slog.Logger
}

// Listen starts the hub's link listener. The TLS config is cloned and the
// link ALPN forced.
func Listen(addr string, tlsConf *tls.Config, log *slog.Logger) (*Listener, error) {
	tc := tlsConf.Clone()
	tc.NextProtos = []string{alpn}
	ln, err := quic.ListenAddr(addr, tc, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("hublink: listen %s: %w", addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{ln: ln, log: log}, nil
}

// Accept waits for an edge to connect and open its control stream.
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no control stream")
		return nil, fmt.Errorf("hublink: accept control stream: %w", err)
	}
	l.log.Debug("hublink: edge connected", "remote", conn.RemoteAddr())
	return NewPeer(&stream{Stream: st, conn: conn}, l.log), nil
}

// Addr returns the listener's address string.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting; existing peers keep running.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects an edge to the hub and opens the control stream. The
// returned Peer is not yet serving; the caller starts Serve.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, log *slog.Logger) (*Peer, error) {
	tc := tlsConf.Clone()
	tc.NextProtos = []string{alpn}
	conn, err := quic.DialAddr(ctx, addr, tc, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("hublink: dial %s: %w", addr, err)
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no control stream")
		return nil, fmt.Errorf("hublink: open control stream: %w", err)
	}
	// The stream only materializes on the hub once bytes flow; a newline
	// wakes its Accept without forming a valid envelope.
	if _, err := st.Write([]byte("\n")); err != nil {
		conn.CloseWithError(0, "handshake write failed")
		return nil, fmt.Errorf("hublink: handshake: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return NewPeer(&stream{Stream: st, conn: conn}, log), nil
}
