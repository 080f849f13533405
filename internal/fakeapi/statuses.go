package fakeapi

import (
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jmcleod/nopwd/status"
)

const (
	defaultStreamLimit = 1
	streamWriteTimeout = 5 * time.Second
	subscriberBuffer   = 16
)

// statusBoard keeps per-day request counters per scope. The empty scope is
// the aggregate over all scopes.
type statusBoard struct {
	mu     sync.Mutex
	now    func() time.Time
	days   map[string]map[int64]*status.Status
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	scope string
	ch    chan status.Status
}

func newStatusBoard() *statusBoard {
	return &statusBoard{
		now:  time.Now,
		days: make(map[string]map[int64]*status.Status),
		subs: make(map[int]*subscriber),
	}
}

func dayOf(t time.Time) int64 {
	return t.Unix() / int64(24*time.Hour/time.Second)
}

// record counts one request against scope and the aggregate.
func (b *statusBoard) record(scope string, ok bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	day := dayOf(b.now())
	scopes := []string{""}
	if scope != "" {
		scopes = append(scopes, scope)
	}
	for _, sc := range scopes {
		st := b.entryLocked(sc, day)
		if ok {
			st.SuccessCount++
		} else {
			st.ErrorCount++
		}
		st.TotalExecTime += elapsed.Milliseconds()
		b.notifyLocked(*st)
	}
}

// set replaces the counters of st.Scope for st.DayID.
func (b *statusBoard) set(st status.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*b.entryLocked(st.Scope, st.DayID) = st
	b.notifyLocked(st)
}

func (b *statusBoard) entryLocked(scope string, day int64) *status.Status {
	byDay, ok := b.days[scope]
	if !ok {
		byDay = make(map[int64]*status.Status)
		b.days[scope] = byDay
	}
	st, ok := byDay[day]
	if !ok {
		st = &status.Status{Scope: scope, DayID: day}
		byDay[day] = st
	}
	return st
}

// notifyLocked hands st to matching subscribers. A subscriber that is not
// keeping up misses the update.
func (b *statusBoard) notifyLocked(st status.Status) {
	for _, sub := range b.subs {
		if sub.scope != st.Scope {
			continue
		}
		select {
		case sub.ch <- st:
		default:
		}
	}
}

// list returns up to limit statuses for scope, newest day first. A limit of
// zero means all.
func (b *statusBoard) list(scope string, limit int) []status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]status.Status, 0, len(b.days[scope]))
	for _, st := range b.days[scope] {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b status.Status) int {
		switch {
		case a.DayID > b.DayID:
			return -1
		case a.DayID < b.DayID:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *statusBoard) subscribe(scope string) (<-chan status.Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{scope: scope, ch: make(chan status.Status, subscriberBuffer)}
	b.subs[id] = sub
	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// PublishStatus overwrites the counters for st.Scope and st.DayID and pushes
// them to stream subscribers.
func (s *Server) PublishStatus(st status.Status) {
	s.board.set(st)
}

func parseLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ListStatuses handles GET /statuses and GET /statuses/{scope}.
func (s *Server) ListStatuses(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r, 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	writeJSON(w, http.StatusOK, s.board.list(chi.URLParam(r, "scope"), limit))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamStatuses handles the websocket endpoints /status and /status/{scope}.
// It sends the latest limit statuses oldest first, then every update until
// the client goes away.
func (s *Server) StreamStatuses(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r, defaultStreamLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	scope := chi.URLParam(r, "scope")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.board.subscribe(scope)
	defer unsubscribe()

	backlog := s.board.list(scope, limit)
	slices.Reverse(backlog)
	for _, st := range backlog {
		if err := writeStatus(conn, st); err != nil {
			return
		}
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case st := <-updates:
			if err := writeStatus(conn, st); err != nil {
				return
			}
		}
	}
}

func writeStatus(conn *websocket.Conn, st status.Status) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(st)
}
