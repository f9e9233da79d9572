// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/ghostwire/ghostwire/core/identity"
)

func newNodeInfo(t *testing.T) *NodeInfo {
	id, err := identity.New(rand.Reader)
	require.NoError(t, err)
	return &NodeInfo{ID: id.ID(), PublicKey: id.PublicKey(), Online: true, OnionCapable: true}
}

func TestTopology(t *testing.T) {
	require := require.New(t)

	topo := NewTopology()
	a, b, c := newNodeInfo(t), newNodeInfo(t), newNodeInfo(t)

	bad := *a
	bad.ID = b.ID
	require.Error(topo.AddNode(&bad))
	require.Error(topo.AddNode(&NodeInfo{ID: "x"}))

	a.ConnectionQuality = 3
	require.NoError(topo.AddNode(a))
	require.NoError(topo.AddNode(b))
	require.NoError(topo.AddNode(c))
	require.Equal(3, topo.Len())

	n, ok := topo.Node(a.ID)
	require.True(ok)
	require.Equal(1.0, n.ConnectionQuality)

	now := time.Unix(5000, 0)
	require.True(topo.UpdateNodeStatus(b.ID, true, -0.5, now))
	n, _ = topo.Node(b.ID)
	require.Zero(n.ConnectionQuality)
	require.Equal(now, n.LastSeen)
	require.False(topo.UpdateNodeStatus("missing", true, 1, now))

	require.True(topo.UpdateNodeStatus(a.ID, false, 0.25, now))
	online := topo.OnlineOnionNodes()
	require.Len(online, 2)
	require.Equal(b.ID, online[0].ID)
	require.Equal(c.ID, online[1].ID)

	// Re-adding keeps the original position.
	require.NoError(topo.AddNode(a))
	online = topo.OnlineOnionNodes()
	require.Equal(a.ID, online[0].ID)

	topo.SetRoute(c.ID, []string{b.ID, c.ID})
	topo.SetRoute(a.ID, []string{a.ID})
	require.Equal([]string{b.ID, c.ID}, topo.Route(c.ID))

	require.True(topo.RemoveNode(b.ID))
	require.False(topo.RemoveNode(b.ID))
	require.Empty(topo.Route(c.ID))
	require.Equal([]string{a.ID}, topo.Route(a.ID))

	nodes, up, routes := topo.counts()
	require.Equal(2, nodes)
	require.Equal(2, up)
	require.Equal(1, routes)

	topo.SetRoute(a.ID, nil)
	require.Empty(topo.Route(a.ID))
}
