// Package edge implements a cluster edge node: it terminates client TLS
// control connections and UDP voice, mirrors the hub's world state, forwards
// every mutation to the hub, and routes voice between local clients and
// peer edges.
package edge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"humble/internal/acl"
	"humble/internal/config"
	"humble/internal/mirror"
)

// Edge is one voice node of the cluster.
type Edge struct {
	cfg *config.Config
	log *slog.Logger
	id  string

	tlsConf *tls.Config

	// The edge's copy of the cluster state, fed by hub broadcasts.
	channels *mirror.Channels
	sessions *mirror.Sessions
	bans     *mirror.Bans

	hub *hubClient

	clientMu sync.RWMutex
	clients  map[uint32]*Client

	// peers maps edge ids to their cluster voice endpoints.
	peerMu sync.RWMutex
	peers  map[string]*net.UDPAddr

	voice   *voiceSocket
	cluster *clusterSocket

	start time.Time
}

// New builds an edge node. The TLS config serves client connections; the
// hub link uses it for its QUIC dial as well.
func New(cfg *config.Config, log *slog.Logger, tlsConf *tls.Config) *Edge {
	e := &Edge{
		cfg:      cfg,
		log:      log,
		id:       fmt.Sprintf("edge-%d", cfg.ServerID),
		tlsConf:  tlsConf,
		channels: mirror.NewChannels(),
		sessions: mirror.NewSessions(),
		bans:     mirror.NewBans(),
		clients:  make(map[uint32]*Client),
		peers:    make(map[string]*net.UDPAddr),
		start:    time.Now(),
	}
	e.hub = newHubClient(e)
	return e
}

// ID returns the cluster-wide edge identifier.
func (e *Edge) ID() string { return e.id }

// Sessions exposes the mirrored session table, for the HTTP status surface.
func (e *Edge) Sessions() *mirror.Sessions { return e.sessions }

// Bans exposes the mirrored ban list.
func (e *Edge) Bans() *mirror.Bans { return e.bans }

// Uptime reports how long the edge has been running.
func (e *Edge) Uptime() time.Duration { return time.Since(e.start) }

// LocalSessions returns how many clients this edge terminates.
func (e *Edge) LocalSessions() int {
	e.clientMu.RLock()
	defer e.clientMu.RUnlock()
	return len(e.clients)
}

// Run brings up the voice sockets, the hub link, and the TLS accept loop,
// and blocks until ctx is canceled or a listener fails.
func (e *Edge) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)

	voice, err := newVoiceSocket(e, addr)
	if err != nil {
		return err
	}
	e.voice = voice
	defer voice.Close()

	cluster, err := newClusterSocket(e, fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port+1))
	if err != nil {
		return err
	}
	e.cluster = cluster
	defer cluster.Close()

	ln, err := tls.Listen("tcp", addr, e.tlsConf)
	if err != nil {
		return fmt.Errorf("edge: listen %s: %w", addr, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go voice.Run(ctx)
	go cluster.Run(ctx)
	go e.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	e.log.Info("edge listening", "edge", e.id, "addr", addr, "voice", e.cfg.Port, "cluster_voice", e.cfg.Port+1)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("edge: accept: %w", err)
		}
		go e.handleConn(ctx, conn.(*tls.Conn))
	}
}

func (e *Edge) addClient(c *Client) {
	e.clientMu.Lock()
	e.clients[c.session] = c
	e.clientMu.Unlock()
}

func (e *Edge) removeClient(session uint32) {
	e.clientMu.Lock()
	delete(e.clients, session)
	e.clientMu.Unlock()
}

func (e *Edge) client(session uint32) (*Client, bool) {
	e.clientMu.RLock()
	defer e.clientMu.RUnlock()
	c, ok := e.clients[session]
	return c, ok
}

// localClients snapshots the client table for iteration outside the lock.
func (e *Edge) localClients() []*Client {
	e.clientMu.RLock()
	defer e.clientMu.RUnlock()
	out := make([]*Client, 0, len(e.clients))
	for _, c := range e.clients {
		out = append(out, c)
	}
	return out
}

// clientsByIP returns the authenticated local clients whose control
// connection originates from ip, for UDP source discovery.
func (e *Edge) clientsByIP(ip net.IP) []*Client {
	e.clientMu.RLock()
	defer e.clientMu.RUnlock()
	var out []*Client
	for _, c := range e.clients {
		if c.ip.Equal(ip) {
			out = append(out, c)
		}
	}
	return out
}

func (e *Edge) setPeer(id string, addr *net.UDPAddr) {
	e.peerMu.Lock()
	e.peers[id] = addr
	e.peerMu.Unlock()
}

func (e *Edge) dropPeer(id string) {
	e.peerMu.Lock()
	delete(e.peers, id)
	e.peerMu.Unlock()
}

func (e *Edge) peerAddr(id string) (*net.UDPAddr, bool) {
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	a, ok := e.peers[id]
	return a, ok
}

// PeerCount reports how many other edges this node currently knows.
func (e *Edge) PeerCount() int {
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	return len(e.peers)
}

// permissionsFor evaluates the advisory permission mask of a local client on
// a channel against the mirrored ACLs.
func (e *Edge) permissionsFor(c *Client, channelID uint32) acl.Permission {
	chain := e.channels.Chain(channelID)
	if chain == nil {
		return 0
	}
	return acl.Evaluate(chain, acl.Context{
		UserID: c.userID,
		Tokens: c.tokens,
		Groups: c.groups,
	})
}

func (e *Edge) hasPermission(c *Client, channelID uint32, p acl.Permission) bool {
	chain := e.channels.Chain(channelID)
	if chain == nil {
		return false
	}
	return acl.HasPermission(chain, acl.Context{
		UserID: c.userID,
		Tokens: c.tokens,
		Groups: c.groups,
	}, p)
}

// channelVisible decides whether a client may see a channel at all. With
// channel_ninja enabled, channels the client can neither enter nor traverse
// are withheld from its tree.
func (e *Edge) channelVisible(c *Client, channelID uint32) bool {
	if !e.cfg.ChannelNinja || channelID == mirror.RootChannel {
		return true
	}
	return e.hasPermission(c, channelID, acl.Enter) ||
		e.hasPermission(c, channelID, acl.Traverse)
}
