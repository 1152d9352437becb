// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quist/pkg/discovery"
	"github.com/dtn7/quist/pkg/identity"
	"github.com/dtn7/quist/pkg/monitor"
	"github.com/dtn7/quist/pkg/session"
	"github.com/dtn7/quist/pkg/storage"
	"github.com/dtn7/quist/pkg/transfer"
)

// transfersLimit caps the journal slice served through the monitor.
const transfersLimit = 256

// Node ties the listener, the journal, discovery and monitor together. It
// accepts sessions, streams every incoming transfer into the inbox and
// publishes each file under its content digest.
type Node struct {
	name      string
	identity  *identity.Identity
	listener  *session.Listener
	store     *storage.Store
	inboxDir  string
	chunkSize int

	monitor *monitor.Monitor   // nil without a [monitor] block
	disco   *discovery.Manager // nil without a [discovery] block

	started time.Time

	sessionsMutex sync.Mutex
	sessions      map[*session.Session]struct{}

	wg sync.WaitGroup
}

func (node *Node) log() *log.Entry {
	return log.WithField("node", node.name)
}

// start accepting sessions. Called once after everything is wired up.
func (node *Node) start() {
	node.wg.Add(1)
	go node.acceptLoop()

	node.log().WithFields(log.Fields{
		"address":     node.listener.Addr(),
		"fingerprint": node.identity.Fingerprint(),
	}).Info("Node is up")
}

// Close shuts the Node down: the listener stops, open sessions are closed and
// their handlers awaited before journal and monitor go away.
func (node *Node) Close() {
	if node.disco != nil {
		node.disco.Close()
	}

	if err := node.listener.Close(); err != nil {
		node.log().WithError(err).Warn("Closing listener errored")
	}

	node.sessionsMutex.Lock()
	sessions := make([]*session.Session, 0, len(node.sessions))
	for sess := range node.sessions {
		sessions = append(sessions, sess)
	}
	node.sessionsMutex.Unlock()

	for _, sess := range sessions {
		if err := sess.Close("node is shutting down"); err != nil {
			node.log().WithError(err).Warn("Closing session errored")
		}
	}

	node.wg.Wait()

	if node.monitor != nil {
		node.monitor.Close()
	}

	if err := node.store.Close(); err != nil {
		node.log().WithError(err).Warn("Closing store errored")
	}

	node.log().Info("Node is down")
}

func (node *Node) acceptLoop() {
	defer node.wg.Done()

	for {
		sess, err := node.listener.Accept(context.Background())
		if err != nil {
			if session.IsClosed(err) {
				return
			}

			node.log().WithError(err).Warn("Accepting session errored")
			continue
		}

		node.log().WithField("session", sess).Info("Accepted session")

		node.sessionsMutex.Lock()
		node.sessions[sess] = struct{}{}
		node.sessionsMutex.Unlock()

		node.wg.Add(1)
		go node.handleSession(sess)
	}
}

// handleSession receives transfers until the session concludes.
func (node *Node) handleSession(sess *session.Session) {
	defer node.wg.Done()
	defer func() {
		node.sessionsMutex.Lock()
		delete(node.sessions, sess)
		node.sessionsMutex.Unlock()
	}()

	for {
		if err := node.receiveTransfer(context.Background(), sess); err != nil {
			var closedErr *session.SessionClosedError
			if !errors.As(err, &closedErr) {
				// Local failure, e.g. the inbox disk. Conclude the session so
				// the peer does not keep feeding channels nobody picks up.
				_ = sess.Close("node-side storage failure")
			}

			node.log().WithFields(log.Fields{
				"session": sess,
				"error":   err,
			}).Info("Session concluded")
			return
		}
	}
}

// receiveTransfer takes the session's next incoming channel into a fresh
// inbox file, hashing while writing. The file is published under its content
// digest once the transfer concluded; failed transfers leave no file behind.
//
// A non-nil error means the session itself is done and no further transfer
// should be awaited.
func (node *Node) receiveTransfer(ctx context.Context, sess *session.Session) error {
	peer := sess.RemoteAddr().String()

	item, itemErr := storage.NewItem(storage.DirectionIn, peer)
	if itemErr != nil {
		return itemErr
	}

	partial, partialErr := os.CreateTemp(node.inboxDir, ".partial-")
	if partialErr != nil {
		return partialErr
	}

	// The journal learns about the transfer with its first chunk; a session
	// concluding without one leaves no trace.
	var journalOnce sync.Once
	journalStart := func() {
		journalOnce.Do(func() {
			if err := node.store.Insert(item); err != nil {
				node.log().WithError(err).Warn("Journaling transfer errored")
			}
		})
	}

	hash := sha256.New()

	opts := transfer.Options{
		ChunkSize: node.chunkSize,
		Progress: func(bytes uint64, total int64) {
			journalStart()
			node.broadcast(monitor.ProgressEvent{
				TransferId: item.Id,
				Peer:       peer,
				Direction:  storage.DirectionIn,
				Bytes:      bytes,
				Total:      total,
				State:      storage.StateRunning,
			})
		},
	}

	result, recvErr := transfer.Receive(ctx, sess, io.MultiWriter(partial, hash), opts)
	closeErr := partial.Close()

	concludeFailed := func(reason error) {
		item.Failed(reason, result.Bytes)
		journalStart()
		if err := node.store.Update(item); err != nil {
			node.log().WithError(err).Warn("Journaling failed transfer errored")
		}
		node.broadcast(itemEvent(item))
	}

	if recvErr != nil {
		_ = os.Remove(partial.Name())

		var closedErr *session.SessionClosedError
		sessionGone := errors.As(recvErr, &closedErr)

		if sessionGone && result.Bytes == 0 {
			return recvErr
		}

		concludeFailed(recvErr)

		node.log().WithFields(log.Fields{
			"session": sess,
			"error":   recvErr,
		}).Warn("Incoming transfer failed")

		if sessionGone {
			return recvErr
		}
		return nil
	}
	if closeErr != nil {
		_ = os.Remove(partial.Name())
		concludeFailed(closeErr)
		return closeErr
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	target := filepath.Join(node.inboxDir, digest)
	if err := os.Rename(partial.Name(), target); err != nil {
		_ = os.Remove(partial.Name())
		concludeFailed(err)
		return err
	}

	item.Done(target, digest, result.Bytes)
	journalStart()
	if err := node.store.Update(item); err != nil {
		node.log().WithError(err).Warn("Journaling finished transfer errored")
	}
	node.broadcast(itemEvent(item))

	node.log().WithFields(log.Fields{
		"session": sess,
		"file":    target,
		"bytes":   result.Bytes,
		"rate":    result.Throughput(),
	}).Info("Incoming transfer stored")

	return nil
}

// broadcast forwards an event to the monitor, if one is attached.
func (node *Node) broadcast(event monitor.ProgressEvent) {
	if node.monitor != nil {
		node.monitor.Broadcast(event)
	}
}

// itemEvent renders a journal Item's conclusion as a ProgressEvent.
func itemEvent(item storage.Item) monitor.ProgressEvent {
	return monitor.ProgressEvent{
		TransferId: item.Id,
		Peer:       item.Peer,
		Direction:  item.Direction,
		Bytes:      item.Transferred,
		Total:      item.Size,
		State:      item.State,
	}
}

// peerDiscovered is the discovery.Manager's notify function.
func (node *Node) peerDiscovered(peer discovery.Peer) {
	node.log().WithFields(log.Fields{
		"peer":        peer.Address,
		"name":        peer.Announcement.Name,
		"fingerprint": peer.Announcement.Fingerprint,
	}).Info("Discovered peer")
}

// Status implements monitor.Source.
func (node *Node) Status() monitor.Status {
	transfers := 0
	if items, err := node.store.QueryAll(0); err == nil {
		transfers = len(items)
	}

	node.sessionsMutex.Lock()
	sessions := len(node.sessions)
	node.sessionsMutex.Unlock()

	return monitor.Status{
		Name:        node.name,
		Address:     node.listener.Addr().String(),
		Fingerprint: node.identity.Fingerprint(),
		Uptime:      time.Since(node.started).Round(time.Second).String(),
		Sessions:    sessions,
		Transfers:   transfers,
	}
}

// Transfers implements monitor.Source.
func (node *Node) Transfers() ([]storage.Item, error) {
	return node.store.QueryAll(transfersLimit)
}

// Sessions implements monitor.Source.
func (node *Node) Sessions() []monitor.SessionInfo {
	node.sessionsMutex.Lock()
	defer node.sessionsMutex.Unlock()

	infos := make([]monitor.SessionInfo, 0, len(node.sessions))
	for sess := range node.sessions {
		infos = append(infos, monitor.SessionInfo{
			Peer:     sess.RemoteAddr().String(),
			State:    sess.State().String(),
			Channels: sess.ChannelCount(),
		})
	}

	return infos
}

// listenPort extracts the UDP port the listener is bound to.
func listenPort(listener *session.Listener) uint {
	if addr, ok := listener.Addr().(*net.UDPAddr); ok {
		return uint(addr.Port)
	}
	return 0
}

// sweepInbox removes partial files a previous run left behind.
func sweepInbox(inboxDir string) {
	partials, err := filepath.Glob(filepath.Join(inboxDir, ".partial-*"))
	if err != nil {
		return
	}

	for _, partial := range partials {
		if err := os.Remove(partial); err != nil {
			log.WithError(err).WithField("file", partial).Warn("Removing stale partial file errored")
		} else {
			log.WithField("file", partial).Debug("Removed stale partial file")
		}
	}
}
