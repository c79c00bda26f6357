// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces a relay's presence on the local network and
// lets clients find the nearest cache without static configuration.
package discovery

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"
)

const discoveryPort = 35039

// Announcement names a reachable quicrq node.
type Announcement struct {
	// Name identifies the node, e.g. its SNI.
	Name string

	// Port is the node's QUIC port on the announcing address.
	Port uint

	// UseDatagrams advertises the node's preferred media mode.
	UseDatagrams bool
}

// MarshalCbor implements cboring.CborMarshaler.
func (a *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(a.Name, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(a.Port), w); err != nil {
		return err
	}
	return cboring.WriteBoolean(a.UseDatagrams, w)
}

// UnmarshalCbor implements cboring.CborMarshaler.
func (a *Announcement) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("discovery: announcement with %d fields", n)
	}
	if a.Name, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	port, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	a.Port = uint(port)
	useDatagrams, err := cboring.ReadBoolean(r)
	if err != nil {
		return err
	}
	a.UseDatagrams = useDatagrams
	return nil
}

// Manager periodically announces this node and reports peers.
type Manager struct {
	announcement Announcement

	// Found is invoked for every discovered peer, with its address.
	Found func(Announcement, string)

	stopChan chan struct{}
}

// NewManager starts announcing on IPv4 broadcast.
func NewManager(announcement Announcement, interval time.Duration, found func(Announcement, string)) (*Manager, error) {
	manager := &Manager{
		announcement: announcement,
		Found:        found,
		stopChan:     make(chan struct{}),
	}

	payload := new(bytes.Buffer)
	if err := announcement.MarshalCbor(payload); err != nil {
		return nil, err
	}

	settings := peerdiscovery.Settings{
		Limit:     -1,
		Port:      fmt.Sprintf("%d", discoveryPort),
		Payload:   payload.Bytes(),
		Delay:     interval,
		TimeLimit: -1,
		StopChan:  manager.stopChan,
		AllowSelf: false,
		IPVersion: peerdiscovery.IPv4,
		Notify:    manager.notify,
	}

	log.WithFields(log.Fields{
		"name":     announcement.Name,
		"interval": interval,
	}).Info("Starting discovery manager")

	discoverErrChan := make(chan error)
	go func() {
		_, discoverErr := peerdiscovery.Discover(settings)
		discoverErrChan <- discoverErr
	}()

	select {
	case discoverErr := <-discoverErrChan:
		if discoverErr != nil {
			return nil, discoverErr
		}
	case <-time.After(time.Second):
	}

	return manager, nil
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	var announcement Announcement
	if err := announcement.UnmarshalCbor(bytes.NewReader(discovered.Payload)); err != nil {
		log.WithFields(log.Fields{
			"peer":  discovered.Address,
			"error": err,
		}).Warn("Peer discovery failed to parse incoming package")
		return
	}

	log.WithFields(log.Fields{
		"peer": discovered.Address,
		"name": announcement.Name,
	}).Debug("Peer discovery received an announcement")

	if manager.Found != nil {
		manager.Found(announcement, discovered.Address)
	}
}

// Close stops the announcements.
func (manager *Manager) Close() {
	manager.stopChan <- struct{}{}
}
