// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/session"
)

// SourceStatus is the REST view of one media source.
type SourceStatus struct {
	URL               string `json:"url"`
	NbObjectsReceived uint64 `json:"nbObjectsReceived"`
	NextGroup         uint64 `json:"nextGroup"`
	NextObject        uint64 `json:"nextObject"`
	FinalGroup        uint64 `json:"finalGroup"`
	FinalObject       uint64 `json:"finalObject"`
	Closed            bool   `json:"closed"`
	RealTime          bool   `json:"realTime"`
	Readers           int    `json:"readers"`
}

// RestAgent serves node status over HTTP.
type RestAgent struct {
	ctx      *session.Context
	dispatch Dispatch
	router   *mux.Router
}

// NewRestAgent creates the REST agent and its routes.
func NewRestAgent(ctx *session.Context, dispatch Dispatch) *RestAgent {
	a := &RestAgent{
		ctx:      ctx,
		dispatch: dispatch,
		router:   mux.NewRouter(),
	}
	a.router.HandleFunc("/sources", a.handleSources).Methods(http.MethodGet)
	a.router.HandleFunc("/sources/status", a.handleSourceStatus).
		Queries("url", "{url}").Methods(http.MethodGet)
	return a
}

// ServeHTTP implements http.Handler.
func (a *RestAgent) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(rw, r)
}

// snapshot gathers source statuses on the core loop.
func (a *RestAgent) snapshot(url string) []SourceStatus {
	result := make(chan []SourceStatus, 1)
	a.dispatch(func() {
		var statuses []SourceStatus
		urls := a.ctx.SourceURLs()
		if url != "" {
			urls = []string{url}
		}
		for _, u := range urls {
			src := a.ctx.LookupSource(u)
			if src == nil {
				continue
			}
			cache := src.Cache()
			statuses = append(statuses, SourceStatus{
				URL:               u,
				NbObjectsReceived: cache.NbObjectReceived,
				NextGroup:         cache.NextGroupID,
				NextObject:        cache.NextObjectID,
				FinalGroup:        cache.FinalGroupID,
				FinalObject:       cache.FinalObjectID,
				Closed:            cache.Closed,
				RealTime:          cache.RealTime,
				Readers:           src.NbReaders(),
			})
		}
		result <- statuses
	})
	return <-result
}

func (a *RestAgent) handleSources(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, a.snapshot(""))
}

func (a *RestAgent) handleSourceStatus(rw http.ResponseWriter, r *http.Request) {
	statuses := a.snapshot(r.URL.Query().Get("url"))
	if len(statuses) == 0 {
		http.Error(rw, "no such source", http.StatusNotFound)
		return
	}
	writeJSON(rw, statuses[0])
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.WithError(err).Warn("Encoding status response errored")
	}
}
