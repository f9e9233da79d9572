// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"sync"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
)

// replayFilter remembers the layers this node has peeled.
type replayFilter struct {
	sync.Mutex

	bits int
	f    *bloom.Filter
}

func newReplayFilter(bits int) (*replayFilter, error) {
	r := &replayFilter{bits: bits}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *replayFilter) reset() error {
	f, err := bloom.New(rand.Reader, r.bits, defaultReplayFPRate)
	if err != nil {
		return err
	}
	r.f = f
	return nil
}

// seen marks the layer as peeled, returning true if it already was.
func (r *replayFilter) seen(sender string, nonce []byte) bool {
	tag := hash.Sum256(append([]byte(sender), nonce...))

	r.Lock()
	defer r.Unlock()

	// A saturated filter only produces false positives, so start over.
	if r.f.Entries() >= r.f.MaxEntries() {
		if err := r.reset(); err != nil {
			return true
		}
	}
	return r.f.TestAndSet(tag[:])
}
