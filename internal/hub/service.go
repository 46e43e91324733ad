package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"humble/internal/hublink"
)

// Service accepts edge links and maps their envelopes onto the hub.
type Service struct {
	hub *Hub
	log *slog.Logger
}

func NewService(h *Hub) *Service {
	return &Service{hub: h, log: h.log}
}

// Serve accepts connections until ctx is canceled.
func (s *Service) Serve(ctx context.Context, ln *hublink.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("hub: accept edge link: %w", err)
		}
		go s.ServeConn(ctx, conn)
	}
}

// peerConn adapts a hublink peer to the registry's send interface.
type peerConn struct{ p *hublink.Peer }

func (c peerConn) Send(method string, seq uint64, params any) error {
	if seq != 0 {
		return c.p.NotifySeq(method, seq, params)
	}
	return c.p.Notify(method, params)
}

// ServeConn runs one edge link to completion.
func (s *Service) ServeConn(ctx context.Context, peer *hublink.Peer) {
	// The edge id binds at register time; later calls on this link are
	// implicitly scoped to it.
	var mu sync.Mutex
	edgeID := ""
	boundEdge := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if edgeID == "" {
			return "", errors.New("hub: link has not registered")
		}
		return edgeID, nil
	}

	peer.Handle(hublink.MethodRegister, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p hublink.RegisterParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		res, err := s.hub.registry.Register(ctx, p.Peer, peerConn{peer})
		if err != nil {
			return nil, err
		}
		mu.Lock()
		edgeID = p.Peer.EdgeID
		mu.Unlock()
		return res, nil
	})

	peer.Handle(hublink.MethodConfirmJoin, func(_ context.Context, raw json.RawMessage) (any, error) {
		id, err := boundEdge()
		if err != nil {
			return nil, err
		}
		var p hublink.ConfirmJoinParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.hub.registry.ConfirmJoin(p, id)
	})

	peer.Handle(hublink.MethodHeartbeat, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.HeartbeatParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.hub.registry.Heartbeat(p)
	})

	peer.Handle(hublink.MethodAllocSession, func(_ context.Context, _ json.RawMessage) (any, error) {
		id, err := s.hub.AllocateSession()
		if err != nil {
			return nil, err
		}
		return hublink.AllocSessionResult{Session: id}, nil
	})

	peer.Handle(hublink.MethodReleaseSession, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.ReleaseSessionParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		s.hub.ReleaseSession(p.Session)
		return nil, nil
	})

	peer.Handle(hublink.MethodFullSync, func(_ context.Context, _ json.RawMessage) (any, error) {
		id, err := boundEdge()
		if err != nil {
			return nil, err
		}
		return s.hub.FullSync(id)
	})

	peer.Handle(hublink.MethodGetACLs, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.GetACLsParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		a, ok := s.hub.channels.ACL(p.ChannelID)
		if !ok {
			return nil, fmt.Errorf("hub: no such channel %d", p.ChannelID)
		}
		data, err := aclMessage(a).MarshalBinary()
		if err != nil {
			return nil, err
		}
		return hublink.GetACLsResult{Message: data}, nil
	})

	peer.Handle(hublink.MethodAuthenticate, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.AuthenticateParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.hub.Authenticate(p)
	})

	handleMutation := func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.HandleParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.hub.Handle(p)
	}
	for _, method := range []string{
		hublink.MethodHandleUserState,
		hublink.MethodHandleUserRemove,
		hublink.MethodHandleChannelState,
		hublink.MethodHandleChannelRemove,
		hublink.MethodHandleTextMessage,
		hublink.MethodHandleACL,
		hublink.MethodHandleBanList,
		hublink.MethodHandleQueryUsers,
		hublink.MethodHandleUserList,
	} {
		peer.Handle(method, handleMutation)
	}

	peer.Handle(hublink.MethodGetBlob, func(_ context.Context, raw json.RawMessage) (any, error) {
		var p hublink.GetBlobParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		data, err := s.hub.GetBlob(p.Hash)
		if err != nil {
			return nil, err
		}
		return hublink.GetBlobResult{Data: data}, nil
	})

	peer.Handle(hublink.MethodSessionClosed, func(_ context.Context, raw json.RawMessage) (any, error) {
		id, err := boundEdge()
		if err != nil {
			return nil, err
		}
		var p hublink.SessionClosedParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		s.hub.SessionClosed(id, p.Session)
		return nil, nil
	})

	err := peer.Serve(ctx)
	mu.Lock()
	id := edgeID
	mu.Unlock()
	if id != "" {
		s.log.Info("edge link closed", "edge", id, "error", err)
	}
}
