// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"
)

// Peer is a discovered node, ready to be dialed at Address.
type Peer struct {
	// Address is the peer's host and announced port, bracketed for IPv6.
	Address string

	Announcement Announcement
}

func (peer Peer) String() string {
	return fmt.Sprintf("Peer(%s,%v)", peer.Address, peer.Announcement)
}

// Manager publishes this node's Announcement and hands discovered peers to a
// callback. The callback runs on its own goroutine per peer and must cope
// with repetition; multicast announcements repeat every interval.
type Manager struct {
	announcement Announcement
	notifyFunc   func(Peer)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager for Announcements will be created and started.
func NewManager(
	announcement Announcement, notifyFunc func(Peer),
	interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {

	var manager = &Manager{
		announcement: announcement,
		notifyFunc:   notifyFunc,
	}
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"interval":     interval,
		"IPv4":         ipv4,
		"IPv6":         ipv6,
		"announcement": announcement,
	}).Info("Starting discovery manager")

	msg, err := MarshalAnnouncements([]Announcement{announcement})
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		set := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(set)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
			break
		}
	}

	return manager, nil
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": discovered.Address,
		}).Warn("Peer discovery failed to parse incoming package")

		return
	}

	for _, announcement := range announcements {
		go manager.handleDiscovery(announcement, discovered.Address)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, addr string) {
	log.WithFields(log.Fields{
		"peer":    addr,
		"message": announcement,
	}).Debug("Peer discovery received a message")

	// With AllowSelf our own announcements come back around; they are told
	// apart by fingerprint.
	if announcement.Fingerprint == manager.announcement.Fingerprint {
		return
	}

	manager.notifyFunc(Peer{
		Address:      fmt.Sprintf("%s:%d", addr, announcement.Port),
		Announcement: announcement,
	})
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range []chan struct{}{manager.stopChan4, manager.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}
