// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike"

	"github.com/ghostwire/ghostwire/core/identity"
)

// NodeInfo describes a known node.
type NodeInfo struct {
	ID        string
	PublicKey nike.PublicKey

	// Address is the transport address the node listens on.
	Address string

	LastSeen     time.Time
	Online       bool
	OnionCapable bool

	// ConnectionQuality is in [0,1].
	ConnectionQuality float64
}

// Topology is the local view of the network.  Nodes are kept in
// insertion order.
type Topology struct {
	sync.RWMutex

	nodes  map[string]*NodeInfo
	order  []string
	routes map[string][]string
}

// NewTopology returns an empty Topology.
func NewTopology() *Topology {
	return &Topology{
		nodes:  make(map[string]*NodeInfo),
		routes: make(map[string][]string),
	}
}

// AddNode adds or replaces a node.  The node's ID must match its public
// key.
func (t *Topology) AddNode(n *NodeInfo) error {
	if n == nil || n.PublicKey == nil {
		return errors.New("onion: node has no public key")
	}
	if id := identity.IDFromPublicKey(n.PublicKey); id != n.ID {
		return fmt.Errorf("onion: node id '%v' does not match its public key", n.ID)
	}
	c := *n
	c.ConnectionQuality = clampQuality(c.ConnectionQuality)

	t.Lock()
	defer t.Unlock()

	if _, ok := t.nodes[c.ID]; !ok {
		t.order = append(t.order, c.ID)
	}
	t.nodes[c.ID] = &c
	return nil
}

// RemoveNode removes a node and every route that traverses it.
func (t *Topology) RemoveNode(id string) bool {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.nodes[id]; !ok {
		return false
	}
	delete(t.nodes, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	for dest, hops := range t.routes {
		if dest == id {
			delete(t.routes, dest)
			continue
		}
		for _, h := range hops {
			if h == id {
				delete(t.routes, dest)
				break
			}
		}
	}
	return true
}

// Node returns a copy of the node's information.
func (t *Topology) Node(id string) (*NodeInfo, bool) {
	t.RLock()
	defer t.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	c := *n
	return &c, true
}

// UpdateNodeStatus records a node's liveness and connection quality,
// which is clamped to [0,1].
func (t *Topology) UpdateNodeStatus(id string, online bool, quality float64, now time.Time) bool {
	t.Lock()
	defer t.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	n.Online = online
	n.ConnectionQuality = clampQuality(quality)
	if online {
		n.LastSeen = now
	}
	return true
}

// SetRoute sets the hops used to reach dest.  An empty route clears it.
func (t *Topology) SetRoute(dest string, hops []string) {
	t.Lock()
	defer t.Unlock()

	if len(hops) == 0 {
		delete(t.routes, dest)
		return
	}
	t.routes[dest] = append([]string(nil), hops...)
}

// Route returns the configured hops to dest, if any.
func (t *Topology) Route(dest string) []string {
	t.RLock()
	defer t.RUnlock()
	return append([]string(nil), t.routes[dest]...)
}

// OnlineOnionNodes returns the online, onion capable nodes in insertion
// order.
func (t *Topology) OnlineOnionNodes() []*NodeInfo {
	t.RLock()
	defer t.RUnlock()

	var nodes []*NodeInfo
	for _, id := range t.order {
		n := t.nodes[id]
		if n.Online && n.OnionCapable {
			c := *n
			nodes = append(nodes, &c)
		}
	}
	return nodes
}

// Len returns the number of known nodes.
func (t *Topology) Len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.nodes)
}

func (t *Topology) counts() (nodes, online, routes int) {
	t.RLock()
	defer t.RUnlock()

	for _, n := range t.nodes {
		if n.Online {
			online++
		}
	}
	return len(t.nodes), online, len(t.routes)
}

func clampQuality(q float64) float64 {
	switch {
	case math.IsNaN(q), q < 0:
		return 0
	case q > 1:
		return 1
	default:
		return q
	}
}
