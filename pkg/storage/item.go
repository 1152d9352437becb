// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Transfer directions as journaled in an Item, seen from this node.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Transfer states as journaled in an Item.
const (
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Item is the journal entry for one transfer, concluded or not. The Store
// operates on Items.
type Item struct {
	Id string `badgerhold:"key"`

	Direction string
	// Peer is the remote transport address.
	Peer string
	// Filename is where the payload ended up, empty while running.
	Filename string

	// Size is the expected payload length, negative if unknown.
	Size        int64
	Transferred uint64
	// Checksum is the hex SHA-256 of the payload, set when done.
	Checksum string

	State string `badgerholdIndex:"State"`

	Started  time.Time
	Finished time.Time `badgerholdIndex:"Finished"`

	// Error describes what went wrong for StateFailed Items.
	Error string
}

// NewItem opens a journal entry for a transfer that just started.
func NewItem(direction, peer string) (item Item, err error) {
	idBytes := make([]byte, 8)
	if _, err = rand.Read(idBytes); err != nil {
		return
	}

	item = Item{
		Id:        fmt.Sprintf("%x", idBytes),
		Direction: direction,
		Peer:      peer,
		Size:      -1,
		State:     StateRunning,
		Started:   time.Now(),
	}
	return
}

// Done concludes the Item successfully.
func (item *Item) Done(filename, checksum string, transferred uint64) {
	item.Filename = filename
	item.Checksum = checksum
	item.Transferred = transferred
	item.State = StateDone
	item.Finished = time.Now()
}

// Failed concludes the Item with the failure's description.
func (item *Item) Failed(reason error, transferred uint64) {
	item.Transferred = transferred
	item.State = StateFailed
	item.Finished = time.Now()
	if reason != nil {
		item.Error = reason.Error()
	}
}

func (item Item) String() string {
	return fmt.Sprintf("Item(%s,%s,%s,%s)", item.Id, item.Direction, item.Peer, item.State)
}
