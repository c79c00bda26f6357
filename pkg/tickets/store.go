// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tickets persists session-resumption material across daemon
// restarts: the server's ticket encryption key and per-peer resumption
// blobs.
package tickets

import (
	"crypto/rand"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"
)

// ticketKeyName is the store key of the server's ticket encryption key.
const ticketKeyName = "server-ticket-key"

// Entry is one persisted resumption record.
type Entry struct {
	Name    string `badgerhold:"key"`
	Data    []byte
	Created time.Time
	Expires time.Time `badgerholdIndex:"Expires"`
}

// Store wraps the on-disk ticket database.
type Store struct {
	bh *badgerhold.Store
}

// NewStore opens or creates the ticket store under dir.
func NewStore(dir string) (*Store, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = log.StandardLogger()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{bh: bh}, nil
}

// Close the store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Put stores a resumption record under name.
func (s *Store) Put(name string, data []byte, lifetime time.Duration) error {
	entry := &Entry{
		Name:    name,
		Data:    data,
		Created: time.Now(),
		Expires: time.Now().Add(lifetime),
	}
	return s.bh.Upsert(name, entry)
}

// Get returns the record stored under name, or nil when absent or expired.
func (s *Store) Get(name string) []byte {
	var entry Entry
	if err := s.bh.Get(name, &entry); err != nil {
		return nil
	}
	if time.Now().After(entry.Expires) {
		return nil
	}
	return entry.Data
}

// DeleteExpired drops every record past its lifetime.
func (s *Store) DeleteExpired() {
	var entries []Entry
	if err := s.bh.Find(&entries, badgerhold.Where("Expires").Lt(time.Now())); err != nil {
		log.WithError(err).Warn("Failed to query expired tickets")
		return
	}
	for _, entry := range entries {
		if err := s.bh.Delete(entry.Name, Entry{}); err != nil {
			log.WithFields(log.Fields{
				"ticket": entry.Name,
				"error":  err,
			}).Warn("Failed to delete expired ticket")
		} else {
			log.WithField("ticket", entry.Name).Debug("Deleted expired ticket")
		}
	}
}

// TicketEncryptionKey returns the server's persisted 32-byte ticket
// encryption key, creating one on first use.
func (s *Store) TicketEncryptionKey() ([32]byte, error) {
	var key [32]byte
	if data := s.Get(ticketKeyName); len(data) == 32 {
		copy(key[:], data)
		return key, nil
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := s.Put(ticketKeyName, key[:], 365*24*time.Hour); err != nil {
		return key, err
	}
	log.Info("Generated new session ticket encryption key")
	return key, nil
}
