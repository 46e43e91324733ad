package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"humble/internal/hublink"
	"humble/internal/mumbleproto"
)

// ErrHubDown is returned for hub calls attempted while the link is being
// re-established.
var ErrHubDown = errors.New("edge: hub link down")

const (
	redialMin = time.Second
	redialMax = 30 * time.Second
)

// hubClient owns the edge's persistent hub link: dialing, the join
// handshake, heartbeats, broadcast consumption, and reconnects.
type hubClient struct {
	edge *Edge

	mu   sync.RWMutex
	peer *hublink.Peer

	// lastApplied is the newest broadcast sequence folded into the mirror,
	// reported on reconnect so the hub can replay the gap.
	seqMu       sync.Mutex
	lastApplied uint64

	resyncCh chan struct{}
}

func newHubClient(e *Edge) *hubClient {
	return &hubClient{edge: e, resyncCh: make(chan struct{}, 1)}
}

func (hc *hubClient) current() (*hublink.Peer, error) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if hc.peer == nil {
		return nil, ErrHubDown
	}
	return hc.peer, nil
}

func (hc *hubClient) setPeer(p *hublink.Peer) {
	hc.mu.Lock()
	hc.peer = p
	hc.mu.Unlock()
}

func (hc *hubClient) applied() uint64 {
	hc.seqMu.Lock()
	defer hc.seqMu.Unlock()
	return hc.lastApplied
}

func (hc *hubClient) setApplied(seq uint64) {
	hc.seqMu.Lock()
	hc.lastApplied = seq
	hc.seqMu.Unlock()
}

// Run keeps the hub link alive until ctx is canceled, redialing with
// exponential backoff.
func (hc *hubClient) Run(ctx context.Context) {
	backoff := redialMin
	for ctx.Err() == nil {
		err := hc.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		hc.edge.log.Warn("hub link lost", "error", err, "redial_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > redialMax {
			backoff = redialMax
		}
	}
}

// runOnce dials, joins, and serves one hub connection to completion.
func (hc *hubClient) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	peer, err := hublink.Dial(dialCtx, hc.edge.cfg.HubAddr, hc.edge.tlsConf, hc.edge.log)
	cancel()
	if err != nil {
		return err
	}
	defer peer.Close()

	hc.register(peer)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	serveErr := make(chan error, 1)
	go func() { serveErr <- peer.Serve(serveCtx) }()

	if err := hc.join(ctx, peer); err != nil {
		return fmt.Errorf("edge: join cluster: %w", err)
	}
	hc.setPeer(peer)
	defer hc.setPeer(nil)
	hc.edge.log.Info("joined cluster", "edge", hc.edge.id, "hub", hc.edge.cfg.HubAddr)

	ticker := time.NewTicker(time.Duration(hc.edge.cfg.Registry.HeartbeatInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serveErr:
			return err
		case <-ticker.C:
			hc.heartbeat(ctx, peer)
		case <-hc.resyncCh:
			if err := hc.fullSync(ctx, peer); err != nil {
				hc.edge.log.Error("resync failed", "error", err)
				return err
			}
		}
	}
}

// register installs the notification handlers and the broadcast consumer
// before any traffic can arrive.
func (hc *hubClient) register(peer *hublink.Peer) {
	peer.Handle(hublink.MethodKick, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.KickParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if c, ok := hc.edge.client(p.Session); ok {
			c.kick(p.Message)
		}
		return nil, nil
	})

	peer.Handle(hublink.MethodPeerJoined, func(_ context.Context, raw json.RawMessage) (any, error) {
		var info hublink.PeerInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, err
		}
		hc.addPeer(info)
		return nil, nil
	})

	peer.Handle(hublink.MethodPeerLeft, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.PeerLeftParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		hc.edge.dropPeer(p.EdgeID)
		hc.edge.log.Info("peer left", "peer", p.EdgeID)
		return nil, nil
	})

	peer.Handle(hublink.MethodACLUpdated, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p hublink.ACLUpdatedParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		hc.aclUpdated(ctx, p.ChannelID)
		return nil, nil
	})

	// Everything else on the link is the sequenced broadcast stream.
	peer.HandleFallback(hc.consumeBroadcast)
}

func (hc *hubClient) addPeer(info hublink.PeerInfo) {
	if info.EdgeID == hc.edge.id {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", info.Host, info.VoicePort))
	if err != nil {
		hc.edge.log.Warn("unresolvable peer voice endpoint", "peer", info.EdgeID, "error", err)
		return
	}
	hc.edge.setPeer(info.EdgeID, addr)
	hc.edge.log.Info("peer voice endpoint registered", "peer", info.EdgeID, "addr", addr)
}

// join runs the two-phase admission: register, connect to every announced
// peer's voice endpoint, confirm. The hub replays missed broadcasts after
// the confirm, or orders a full resync when its cache no longer covers them.
func (hc *hubClient) join(ctx context.Context, peer *hublink.Peer) error {
	cfg := hc.edge.cfg
	var reg hublink.RegisterResult
	regCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Registry.Timeout)*time.Second)
	err := peer.Call(regCtx, hublink.MethodRegister, hublink.RegisterParams{
		Peer: hublink.PeerInfo{
			EdgeID:    hc.edge.id,
			Name:      cfg.Name,
			Host:      cfg.Host,
			Port:      cfg.Port,
			VoicePort: cfg.Port + 1,
			Capacity:  cfg.MaxUsers,
		},
	}, &reg)
	cancel()
	if err != nil {
		return err
	}

	connected := make([]string, 0, len(reg.Peers))
	for _, info := range reg.Peers {
		hc.addPeer(info)
		if _, ok := hc.edge.peerAddr(info.EdgeID); ok {
			connected = append(connected, info.EdgeID)
		}
	}

	lastApplied := uint64(0)
	if reg.LastSeq > 0 {
		lastApplied = hc.applied()
	}
	joinTimeout := time.Duration(reg.JoinTimeoutSecs) * time.Second
	if joinTimeout <= 0 {
		joinTimeout = time.Minute
	}
	var confirm hublink.ConfirmJoinResult
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	err = peer.Call(joinCtx, hublink.MethodConfirmJoin, hublink.ConfirmJoinParams{
		Token:          reg.Token,
		ConnectedPeers: connected,
		LastApplied:    lastApplied,
	}, &confirm)
	cancel()
	if err != nil {
		return err
	}

	if reg.LastSeq == 0 || confirm.Resync {
		return hc.fullSync(ctx, peer)
	}
	return nil
}

func (hc *hubClient) heartbeat(ctx context.Context, peer *hublink.Peer) {
	err := peer.Call(ctx, hublink.MethodHeartbeat, hublink.HeartbeatParams{
		EdgeID:   hc.edge.id,
		Sessions: hc.edge.LocalSessions(),
	}, nil)
	if err != nil {
		hc.edge.log.Warn("heartbeat failed", "error", err)
	}
}

// requestResync schedules a full mirror rebuild; used when a sequence gap
// slips through despite the replay protocol.
func (hc *hubClient) requestResync() {
	select {
	case hc.resyncCh <- struct{}{}:
	default:
	}
}

// AllocSession reserves a cluster-unique session id.
func (hc *hubClient) AllocSession(ctx context.Context) (uint32, error) {
	peer, err := hc.current()
	if err != nil {
		return 0, err
	}
	var res hublink.AllocSessionResult
	if err := peer.Call(ctx, hublink.MethodAllocSession, nil, &res); err != nil {
		return 0, err
	}
	return res.Session, nil
}

// ReleaseSession frees an id whose connection never authenticated.
func (hc *hubClient) ReleaseSession(session uint32) {
	peer, err := hc.current()
	if err != nil {
		return
	}
	peer.Notify(hublink.MethodReleaseSession, hublink.ReleaseSessionParams{Session: session})
}

// Authenticate forwards a client's credentials for the authoritative check.
func (hc *hubClient) Authenticate(ctx context.Context, p hublink.AuthenticateParams) (*hublink.AuthenticateResult, error) {
	peer, err := hc.current()
	if err != nil {
		return nil, err
	}
	var res hublink.AuthenticateResult
	if err := peer.Call(ctx, hublink.MethodAuthenticate, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

var handleMethods = map[uint16]string{
	mumbleproto.TypeUserState:     hublink.MethodHandleUserState,
	mumbleproto.TypeUserRemove:    hublink.MethodHandleUserRemove,
	mumbleproto.TypeChannelState:  hublink.MethodHandleChannelState,
	mumbleproto.TypeChannelRemove: hublink.MethodHandleChannelRemove,
	mumbleproto.TypeTextMessage:   hublink.MethodHandleTextMessage,
	mumbleproto.TypeACL:           hublink.MethodHandleACL,
	mumbleproto.TypeBanList:       hublink.MethodHandleBanList,
	mumbleproto.TypeQueryUsers:    hublink.MethodHandleQueryUsers,
	mumbleproto.TypeUserList:      hublink.MethodHandleUserList,
}

// Handle forwards one mutating client frame for authoritative processing.
func (hc *hubClient) Handle(ctx context.Context, actor uint32, kind uint16, message []byte) (*hublink.HandleResult, error) {
	method, ok := handleMethods[kind]
	if !ok {
		return nil, fmt.Errorf("edge: no hub method for frame type %s", mumbleproto.TypeName(kind))
	}
	peer, err := hc.current()
	if err != nil {
		return nil, err
	}
	var res hublink.HandleResult
	if err := peer.Call(ctx, method, hublink.HandleParams{
		EdgeID:  hc.edge.id,
		Actor:   actor,
		Kind:    kind,
		Message: message,
	}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBlob fetches a hash-announced payload from the hub's blob store.
func (hc *hubClient) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	peer, err := hc.current()
	if err != nil {
		return nil, err
	}
	var res hublink.GetBlobResult
	if err := peer.Call(ctx, hublink.MethodGetBlob, hublink.GetBlobParams{Hash: hash}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SessionClosed reports a local disconnect so the hub can sweep the session.
func (hc *hubClient) SessionClosed(session uint32) {
	peer, err := hc.current()
	if err != nil {
		return
	}
	peer.Notify(hublink.MethodSessionClosed, hublink.SessionClosedParams{
		EdgeID:  hc.edge.id,
		Session: session,
	})
}
