// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/media"
)

// spoolWatcher publishes media files dropped into the spool directory under
// a URL derived from the file name.
type spoolWatcher struct {
	daemon     *daemon
	watcher    *fsnotify.Watcher
	knownFiles sync.Map
}

func newSpoolWatcher(d *daemon) (*spoolWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(d.conf.Spool.Directory); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	log.WithField("directory", d.conf.Spool.Directory).Info("Watching spool directory")
	return &spoolWatcher{daemon: d, watcher: watcher}, nil
}

func (sw *spoolWatcher) run() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if _, loaded := sw.knownFiles.LoadOrStore(event.Name, struct{}{}); loaded {
				continue
			}
			sw.publishFile(event.Name)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Spool watcher errored")
		}
	}
}

// publishFile reads a container file and publishes it as a new source.
func (sw *spoolWatcher) publishFile(file string) {
	name := path.Base(filepath.ToSlash(file))
	name = strings.TrimSuffix(name, ".xz")
	url := sw.daemon.conf.Spool.URLPrefix + name

	reader, err := media.Open(file)
	if err != nil {
		log.WithFields(log.Fields{
			"file":  file,
			"error": err,
		}).Warn("Failed to open spooled media")
		return
	}

	sw.daemon.serializer.Post(func() {
		defer reader.Close()

		src, err := sw.daemon.ctx.Publish(url, false)
		if err != nil {
			log.WithFields(log.Fields{
				"url":   url,
				"error": err,
			}).Warn("Failed to publish spooled media")
			return
		}
		count, err := media.PublishAll(src, media.NewReader(reader))
		if err != nil {
			log.WithFields(log.Fields{
				"url":   url,
				"error": err,
			}).Warn("Failed to read spooled media")
		}
		src.CloseSource()
		log.WithFields(log.Fields{
			"url":     url,
			"objects": count,
		}).Info("Published spooled media")
	})
}

func (sw *spoolWatcher) close() {
	_ = sw.watcher.Close()
}
