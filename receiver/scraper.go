// SPDX-License-Identifier: ice License 1.0

// Package receiver maintains outbound connections to remote relays and
// pages through their history before following the live tail.
package receiver

import (
	"log"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ice-blockchain/outpost/model"
)

type (
	ScraperState uint8

	// Message is one parsed relay-to-client frame.
	Message struct {
		Type  string
		SubID string
		Event *model.Event
	}

	// Conn is an established outbound relay connection. Read blocks until
	// the next frame or a terminal transport error.
	Conn interface {
		Subscribe(subID string, filters model.Filters) error
		Unsubscribe(subID string) error
		Read() (*Message, error)
		Close() error
	}

	// Scraper pages one remote relay backwards through history with a
	// sliding window, then tails live events. It owns no socket: the
	// supervisor feeds it connection lifecycle and frames, which keeps the
	// window and tail-transition rules testable in isolation.
	Scraper struct {
		url              string
		authors          []string
		seen             *xsync.MapOf[string, struct{}]
		skipVerification bool
		onEvent          func(*model.Event)

		subID string
		state ScraperState
		since model.Timestamp
		until model.Timestamp // 0 means unbounded
		// eose is set when an EOSE arrived and no event has been seen
		// since: a second one means the actual beginning of history.
		eose bool
	}
)

const (
	StateConnecting ScraperState = iota
	StatePaging
	StateTail
	StateDisconnected
)

// toleranceSeconds rewinds the since watermark on resubscribe to absorb
// out-of-order delivery near the window edge.
const toleranceSeconds = 600

func NewScraper(url string, authors []string, seen *xsync.MapOf[string, struct{}], skipVerification bool, onEvent func(*model.Event)) *Scraper {
	return &Scraper{
		url:              url,
		authors:          authors,
		seen:             seen,
		skipVerification: skipVerification,
		onEvent:          onEvent,
		subID:            uuid.NewString(),
		state:            StateConnecting,
	}
}

func (s *Scraper) State() ScraperState { return s.state }
func (s *Scraper) URL() string         { return s.url }

// Until reports the current upper watermark, 0 when unbounded (tail mode).
func (s *Scraper) Until() model.Timestamp { return s.until }

func (s *Scraper) HandleConnect(conn Conn) error {
	if s.state != StateTail {
		s.state = StatePaging
	}
	s.eose = false

	return s.subscribe(conn)
}

func (s *Scraper) HandleDisconnect() {
	s.state = StateDisconnected
}

func (s *Scraper) HandleEvent(event *model.Event) {
	s.eose = false

	if s.state == StatePaging && (s.until == 0 || event.CreatedAt < s.until) {
		// Pagination moves strictly backward in time.
		s.until = event.CreatedAt - 1
	}
	if event.CreatedAt > s.since {
		s.since = event.CreatedAt
	}

	if _, dup := s.seen.Load(event.ID); dup {
		return
	}
	if !s.skipVerification {
		if err := event.Validate(); err != nil {
			log.Printf("WARN: %v: dropping invalid event %v: %v", s.url, event.ID, err)

			return
		}
	}
	s.seen.Store(event.ID, struct{}{})
	s.onEvent(event)
}

// HandleEOSE applies the paging protocol: the first EOSE resubscribes with
// the narrowed window (the remote may batch-limit responses), the second
// consecutive one means history is exhausted and flips to tail mode.
func (s *Scraper) HandleEOSE(conn Conn) error {
	if s.state == StateTail {
		return nil
	}
	if s.eose {
		s.state = StateTail
		s.until = 0

		return s.subscribe(conn)
	}
	s.eose = true

	return s.subscribe(conn)
}

func (s *Scraper) subscribe(conn Conn) error {
	if len(s.authors) == 0 {
		// An authorless filter would subscribe to everything on the remote.
		return nil
	}

	return conn.Subscribe(s.subID, model.Filters{s.filter()})
}

func (s *Scraper) filter() (filter model.Filter) {
	filter.Authors = s.authors
	if s.since > toleranceSeconds {
		since := s.since - toleranceSeconds
		filter.Since = &since
	}
	if s.until > 0 {
		until := s.until
		filter.Until = &until
	}

	return filter
}

func (s *ScraperState) String() string {
	switch *s {
	case StateConnecting:
		return "connecting"
	case StatePaging:
		return "paging"
	case StateTail:
		return "tail"
	case StateDisconnected:
		return "disconnected"
	}

	return "unknown"
}
