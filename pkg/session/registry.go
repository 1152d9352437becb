// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import "sync"

// channelRegistry tracks a session's open channels. Channel ids are indices
// into a growable slot array; freed slots are recycled before the array grows.
// Ids are dense small integers, so lookup and removal stay O(1) without any
// hashing. Only the owning session mutates the registry.
type channelRegistry struct {
	mutex sync.Mutex
	slots []*Channel
	free  []uint64
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{}
}

// insert stores a channel and returns its id.
func (registry *channelRegistry) insert(channel *Channel) (id uint64) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if n := len(registry.free); n > 0 {
		id = registry.free[n-1]
		registry.free = registry.free[:n-1]
		registry.slots[id] = channel
		return id
	}

	registry.slots = append(registry.slots, channel)
	return uint64(len(registry.slots) - 1)
}

// remove frees a channel's slot. Removing an unknown id is a no-op.
func (registry *channelRegistry) remove(id uint64) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if id >= uint64(len(registry.slots)) || registry.slots[id] == nil {
		return
	}

	registry.slots[id] = nil
	registry.free = append(registry.free, id)
}

// get looks a channel up by id, nil for freed or unknown ids.
func (registry *channelRegistry) get(id uint64) *Channel {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if id >= uint64(len(registry.slots)) {
		return nil
	}
	return registry.slots[id]
}

// snapshot returns the currently registered channels.
func (registry *channelRegistry) snapshot() []*Channel {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	channels := make([]*Channel, 0, len(registry.slots)-len(registry.free))
	for _, channel := range registry.slots {
		if channel != nil {
			channels = append(channels, channel)
		}
	}
	return channels
}

// count returns the number of registered channels.
func (registry *channelRegistry) count() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	return len(registry.slots) - len(registry.free)
}
