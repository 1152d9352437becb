// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"

	"github.com/dtn7/quist/pkg/identity"
	"github.com/dtn7/quist/pkg/session"
	"github.com/dtn7/quist/pkg/transfer"
)

// exchange files with a peer over one session and the filesystem: new files
// in the watched directory travel to the peer, incoming transfers land next
// to them under their content digest.
type exchange struct {
	directory  string
	sess       *session.Session
	watcher    *fsnotify.Watcher
	knownFiles sync.Map

	closeChan    chan os.Signal
	receivedChan chan string
}

// startExchange for the "exchange" CLI option.
func startExchange(args []string) {
	fs := flag.NewFlagSet("exchange", flag.ExitOnError)
	insecure := fs.Bool("insecure", false, "trust any peer certificate")
	fingerprint := fs.String("fingerprint", "", "pin the peer's certificate fingerprint")
	listenAddr := fs.String("listen", "", "wait for the peer on this address instead of dialing")
	peerAddr := fs.String("peer", "", "dial the peer on this address")

	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		printUsage()
	}
	if (*listenAddr == "") == (*peerAddr == "") {
		printUsage()
	}

	ex := &exchange{
		directory:    fs.Arg(0),
		closeChan:    make(chan os.Signal),
		receivedChan: make(chan string),
	}

	signal.Notify(ex.closeChan, os.Interrupt)

	if *peerAddr != "" {
		trust, err := parseTrustFlags(*insecure, *fingerprint, "")
		if err != nil {
			printFatal(err, "Building trust policy errored")
		}

		if ex.sess, err = dialSession(*peerAddr, trust); err != nil {
			printFatal(err, "Dialing errored")
		}
	} else {
		// A listening exchange takes any client unless a fingerprint pins it.
		trust := identity.TrustAny()
		if *fingerprint != "" {
			var err error
			if trust, err = identity.TrustFingerprints(*fingerprint); err != nil {
				printFatal(err, "Building trust policy errored")
			}
		}

		id, err := identity.Generate("quist-exchange", 24*time.Hour)
		if err != nil {
			printFatal(err, "Generating identity errored")
		}
		fmt.Printf("fingerprint: %s\n", id.Fingerprint())

		sess, listener, err := listenOne(*listenAddr, id, trust)
		if err != nil {
			printFatal(err, "Accepting a session errored")
		}
		defer func() { _ = listener.Close() }()

		ex.sess = sess
	}

	var err error
	if ex.watcher, err = fsnotify.NewWatcher(); err != nil {
		printFatal(err, "Starting file watcher errored")
	}
	if err = ex.watcher.Add(ex.directory); err != nil {
		printFatal(err, "Adding directory to file watcher errored")
	}

	go ex.handleReceive()
	ex.handler()
}

// cleanFilepath creates a relative path from the watched directory to a file.
func (ex *exchange) cleanFilepath(f string) string {
	if rel, err := filepath.Rel(ex.directory, f); err != nil {
		log.WithField("path", f).WithError(err).Fatal("Failed to clean file path")
		return ""
	} else {
		return rel
	}
}

func (ex *exchange) handler() {
	defer func() {
		_ = ex.watcher.Close()
		_ = ex.sess.Close("exchange is over")
	}()

	for {
		select {
		case <-ex.closeChan:
			log.Info("Received interrupt signal")
			return

		case e, ok := <-ex.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			// Dotfiles cover our own partial downloads.
			if strings.HasPrefix(filepath.Base(e.Name), ".") {
				continue
			}

			if _, ok := ex.knownFiles.Load(ex.cleanFilepath(e.Name)); ok {
				log.WithField("file", e.Name).Debug("Skipping file; already known")
				continue
			}

			if e.Op&fsnotify.Create == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			ex.sendNewFile(e)

		case err, ok := <-ex.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Error("fsnotify errored")
			return

		case file, ok := <-ex.receivedChan:
			if !ok {
				log.Info("Session concluded")
				return
			}

			log.WithField("file", file).Info("Saved received file")
		}
	}
}

// sendNewFile ships a file dropped into the directory, retrying with backoff
// while the file might still be busy.
func (ex *exchange) sendNewFile(e fsnotify.Event) {
	for i := 0; i < 5; i++ {
		if result, err := transfer.SendFile(context.Background(), ex.sess, e.Name, transfer.Options{}); err != nil {
			log.WithError(err).WithField("file", e.Name).Warn("Sending file errored, retrying..")
		} else {
			ex.knownFiles.Store(ex.cleanFilepath(e.Name), struct{}{})

			log.WithFields(log.Fields{
				"file":  e.Name,
				"bytes": result.Bytes,
				"rate":  result.Throughput(),
			}).Info("Sent file")
			return
		}

		time.Sleep(time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond)
	}

	log.WithField("file", e.Name).Error("Failed to send file, giving up.")
}

// handleReceive stores the peer's transfers until the session concludes. Each
// file is registered as known before it becomes visible, keeping the watcher
// from echoing it back.
func (ex *exchange) handleReceive() {
	for {
		partial, err := os.CreateTemp(ex.directory, ".partial-")
		if err != nil {
			log.WithError(err).Error("Creating file errored")

			close(ex.receivedChan)
			return
		}

		hash := sha256.New()
		_, recvErr := transfer.Receive(context.Background(), ex.sess, io.MultiWriter(partial, hash), transfer.Options{})
		closeErr := partial.Close()

		if recvErr != nil || closeErr != nil {
			_ = os.Remove(partial.Name())

			if recvErr != nil {
				log.WithError(recvErr).Debug("Receiving transfer errored")
			}

			close(ex.receivedChan)
			return
		}

		digest := hex.EncodeToString(hash.Sum(nil))
		target := filepath.Join(ex.directory, digest)

		ex.knownFiles.Store(digest, struct{}{})
		if err := os.Rename(partial.Name(), target); err != nil {
			log.WithError(err).WithField("file", target).Error("Renaming file errored")

			_ = os.Remove(partial.Name())
			close(ex.receivedChan)
			return
		}

		ex.receivedChan <- target
	}
}
