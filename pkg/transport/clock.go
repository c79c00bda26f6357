// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "time"

// WallClock is the production Clock, counting microseconds from process
// start.
type WallClock struct {
	epoch time.Time
}

// NewWallClock creates a wall clock anchored at the current instant.
func NewWallClock() *WallClock {
	return &WallClock{epoch: time.Now()}
}

// Now implements Clock.
func (c *WallClock) Now() uint64 {
	return uint64(time.Since(c.epoch).Microseconds())
}
