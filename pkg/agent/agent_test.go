// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/quicrq/quicrq-go/pkg/session"
)

type fixedClock struct{}

func (fixedClock) Now() uint64 { return 42 }

func TestObjectMessageRoundTrip(t *testing.T) {
	msg := &ObjectMessage{
		GroupID:  3,
		ObjectID: 17,
		Flags:    0x82,
		Data:     []byte("media bytes"),
	}

	buf := new(bytes.Buffer)
	if err := msg.MarshalCbor(buf); err != nil {
		t.Fatal(err)
	}

	decoded := &ObjectMessage{}
	if err := decoded.UnmarshalCbor(buf); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(msg, decoded) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestRestAgentSources(t *testing.T) {
	ctx := session.NewContext(fixedClock{}, session.Options{})
	src, err := ctx.Publish("quicrq://a/b", false)
	if err != nil {
		t.Fatal(err)
	}
	src.PublishObject([]byte("x"), 0x80, 0)

	agent := NewRestAgent(ctx, func(fn func()) { fn() })

	rec := httptest.NewRecorder()
	agent.ServeHTTP(rec, httptest.NewRequest("GET", "/sources", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}

	var statuses []SourceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].URL != "quicrq://a/b" || statuses[0].NbObjectsReceived != 1 {
		t.Fatalf("statuses %+v", statuses)
	}

	rec = httptest.NewRecorder()
	agent.ServeHTTP(rec, httptest.NewRequest("GET", "/sources/status?url=quicrq://missing", nil))
	if rec.Code != 404 {
		t.Fatalf("missing source returned %d", rec.Code)
	}
}
