// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage journals transfers in a persistent key-value store. The
// daemon records every incoming transfer as an Item; the payload itself
// lives in the inbox directory, never in the store.
package storage

import (
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"
)

const dirBadger string = "db"

// Store is the persistent journal, holding one Item per transfer.
type Store struct {
	bh *badgerhold.Store

	badgerDir string
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh: bh,

			badgerDir: badgerDir,
		}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Insert a fresh Item into the journal.
func (s *Store) Insert(item Item) error {
	log.WithFields(log.Fields{
		"item": item,
	}).Debug("Store inserts Item")

	return s.bh.Insert(item.Id, item)
}

// Update an existing Item.
func (s *Store) Update(item Item) error {
	log.WithFields(log.Fields{
		"item": item,
	}).Debug("Store updates Item")

	return s.bh.Update(item.Id, item)
}

// QueryId fetches the Item with the requested id.
func (s *Store) QueryId(id string) (item Item, err error) {
	err = s.bh.Get(id, &item)
	return
}

// QueryState fetches all Items in the given state.
func (s *Store) QueryState(state string) (items []Item, err error) {
	err = s.bh.Find(&items, badgerhold.Where("State").Eq(state))
	return
}

// QueryAll fetches the journal, newest first, at most limit Items. A limit
// of zero or below fetches everything.
func (s *Store) QueryAll(limit int) (items []Item, err error) {
	q := (&badgerhold.Query{}).SortBy("Started").Reverse()
	if limit > 0 {
		q = q.Limit(limit)
	}

	err = s.bh.Find(&items, q)
	return
}

// DeleteFinishedBefore removes all concluded Items older than t. Running
// Items stay, however long they have been at it.
func (s *Store) DeleteFinishedBefore(t time.Time) {
	var items []Item
	if err := s.bh.Find(&items, badgerhold.Where("State").Ne(StateRunning).And("Finished").Lt(t)); err != nil {
		log.WithError(err).Warn("Failed to query finished Items")
		return
	}

	for _, item := range items {
		logger := log.WithField("item", item)
		if err := s.bh.Delete(item.Id, Item{}); err != nil {
			logger.WithError(err).Warn("Failed to delete finished Item")
		} else {
			logger.Debug("Deleted finished Item")
		}
	}
}

// KnowsItem checks if an Item with this id exists.
func (s *Store) KnowsItem(id string) bool {
	_, err := s.QueryId(id)
	return err != badgerhold.ErrNotFound
}
