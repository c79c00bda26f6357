// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tickets

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "tickets")
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewStore(dir)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return store, dir
}

func TestStorePutGet(t *testing.T) {
	store, dir := setupStore(t)
	defer os.RemoveAll(dir)
	defer store.Close()

	if err := store.Put("peer-a", []byte("blob"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if got := store.Get("peer-a"); !bytes.Equal(got, []byte("blob")) {
		t.Fatalf("got %q", got)
	}
	if got := store.Get("peer-b"); got != nil {
		t.Fatalf("missing record returned %q", got)
	}

	if err := store.Put("stale", []byte("old"), -time.Minute); err != nil {
		t.Fatal(err)
	}
	if got := store.Get("stale"); got != nil {
		t.Fatal("expired record returned")
	}
	store.DeleteExpired()
}

func TestTicketEncryptionKeyStable(t *testing.T) {
	store, dir := setupStore(t)
	defer os.RemoveAll(dir)
	defer store.Close()

	first, err := store.TicketEncryptionKey()
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.TicketEncryptionKey()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("ticket key not stable across reads")
	}
}
