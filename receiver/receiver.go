// SPDX-License-Identifier: ice License 1.0

package receiver

import (
	"context"
	"sync"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ice-blockchain/outpost/model"
)

type (
	// Dialer establishes one outbound relay connection.
	Dialer func(ctx context.Context, url string) (Conn, error)

	// RelayStatus is a point-in-time snapshot of one remote.
	RelayStatus struct {
		URL       string `json:"url"`
		State     string `json:"state"`
		Connected bool   `json:"connected"`
	}

	// Receiver supervises one scraper per remote relay, reconnecting with
	// exponential backoff and deduplicating events across all remotes.
	Receiver struct {
		dial         Dialer
		onEvent      func(*model.Event)
		statusHook   func([]RelayStatus)
		initialDelay stdlibtime.Duration
		maxDelay     stdlibtime.Duration

		mx      sync.Mutex
		active  bool
		seen    *xsync.MapOf[string, struct{}]
		remotes map[string]*remoteState
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	}

	remoteState struct {
		scraper   *Scraper
		delay     stdlibtime.Duration
		timer     *stdlibtime.Timer
		conn      Conn
		connected bool
	}

	// Option tweaks supervisor construction.
	Option func(*Receiver)
)

const (
	defaultInitialDelay = 500 * stdlibtime.Millisecond
	defaultMaxDelay     = 5 * stdlibtime.Minute
)

func WithBackoff(initial, maximum stdlibtime.Duration) Option {
	return func(r *Receiver) {
		r.initialDelay = initial
		r.maxDelay = maximum
	}
}

func WithStatusHook(hook func([]RelayStatus)) Option {
	return func(r *Receiver) { r.statusHook = hook }
}

func New(dial Dialer, onEvent func(*model.Event), opts ...Option) *Receiver {
	r := &Receiver{
		dial:         dial,
		onEvent:      onEvent,
		initialDelay: defaultInitialDelay,
		maxDelay:     defaultMaxDelay,
		seen:         xsync.NewMapOf[string, struct{}](),
		remotes:      make(map[string]*remoteState),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start begins scraping authors from every url. Restarting after Stop
// builds a fresh set of scrapers; the seen set carries over.
func (r *Receiver) Start(ctx context.Context, urls, authors []string, skipVerification bool) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.active {
		return errors.New("receiver already started")
	}
	r.active = true
	r.remotes = make(map[string]*remoteState, len(urls))
	ctx, r.cancel = context.WithCancel(ctx)
	for _, url := range urls {
		remote := &remoteState{
			scraper: NewScraper(url, authors, r.seen, skipVerification, r.onEvent),
			delay:   r.initialDelay,
		}
		r.remotes[url] = remote
		r.wg.Add(1)
		go func(url string) {
			defer r.wg.Done()
			r.connect(ctx, url)
		}(url)
	}

	return nil
}

// Stop tears everything down. Pending reconnect timers are cancelled
// before it returns, so no further dial attempts happen afterwards.
func (r *Receiver) Stop() {
	r.mx.Lock()
	if !r.active {
		r.mx.Unlock()

		return
	}
	r.active = false
	if r.cancel != nil {
		r.cancel()
	}
	for _, remote := range r.remotes {
		if remote.timer != nil {
			remote.timer.Stop()
		}
		if remote.conn != nil {
			_ = remote.conn.Close()
		}
	}
	r.mx.Unlock()
	r.wg.Wait()
}

// Status reports the state of every supervised remote.
func (r *Receiver) Status() []RelayStatus {
	r.mx.Lock()
	defer r.mx.Unlock()

	return r.statusLocked()
}

func (r *Receiver) statusLocked() []RelayStatus {
	statuses := make([]RelayStatus, 0, len(r.remotes))
	for url, remote := range r.remotes {
		state := remote.scraper.State()
		statuses = append(statuses, RelayStatus{URL: url, State: state.String(), Connected: remote.connected})
	}

	return statuses
}

func (r *Receiver) notifyStatusLocked() {
	if r.statusHook != nil {
		r.statusHook(r.statusLocked())
	}
}

func (r *Receiver) connect(ctx context.Context, url string) {
	r.mx.Lock()
	if !r.active {
		r.mx.Unlock()

		return
	}
	remote := r.remotes[url]
	r.mx.Unlock()

	conn, err := r.dial(ctx, url)
	if err != nil {
		r.scheduleReconnect(ctx, url)

		return
	}

	r.mx.Lock()
	if !r.active {
		r.mx.Unlock()
		_ = conn.Close()

		return
	}
	remote.conn = conn
	remote.connected = true
	remote.delay = r.initialDelay
	err = remote.scraper.HandleConnect(conn)
	r.notifyStatusLocked()
	r.mx.Unlock()
	if err != nil {
		r.disconnect(ctx, url, conn)

		return
	}

	r.readLoop(ctx, url, remote, conn)
}

func (r *Receiver) readLoop(ctx context.Context, url string, remote *remoteState, conn Conn) {
	for {
		msg, err := conn.Read()
		if err != nil {
			r.disconnect(ctx, url, conn)

			return
		}
		switch msg.Type {
		case "EVENT":
			r.mx.Lock()
			remote.scraper.HandleEvent(msg.Event)
			r.mx.Unlock()
		case "EOSE":
			r.mx.Lock()
			err = remote.scraper.HandleEOSE(conn)
			r.mx.Unlock()
			if err != nil {
				r.disconnect(ctx, url, conn)

				return
			}
		case "CLOSED":
			r.disconnect(ctx, url, conn)

			return
		default:
		}
	}
}

func (r *Receiver) disconnect(ctx context.Context, url string, conn Conn) {
	_ = conn.Close()
	r.mx.Lock()
	remote, found := r.remotes[url]
	if found {
		remote.connected = false
		remote.conn = nil
		remote.scraper.HandleDisconnect()
		r.notifyStatusLocked()
	}
	r.mx.Unlock()
	r.scheduleReconnect(ctx, url)
}

func (r *Receiver) scheduleReconnect(ctx context.Context, url string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if !r.active {
		return
	}
	remote := r.remotes[url]
	delay := remote.delay
	remote.delay = nextDelay(remote.delay, r.maxDelay)
	remote.timer = stdlibtime.AfterFunc(delay, func() {
		r.mx.Lock()
		if !r.active {
			r.mx.Unlock()

			return
		}
		r.wg.Add(1)
		r.mx.Unlock()
		defer r.wg.Done()
		r.connect(ctx, url)
	})
}

func nextDelay(current, maximum stdlibtime.Duration) stdlibtime.Duration {
	if doubled := current * 2; doubled < maximum {
		return doubled
	}

	return maximum
}
