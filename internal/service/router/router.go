// Package router owns the per-source upstream slots of one client session.
package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/upstream"
)

var (
	// ErrUnknownSource is returned for a tag outside the two known sources.
	ErrUnknownSource = errors.New("unknown audio source")
	// ErrTornDown is returned by StartAll after Teardown.
	ErrTornDown = errors.New("router torn down")
)

// Config holds what the router needs to build upstream sessions.
type Config struct {
	SessionID     string
	Provider      stt.Provider
	Options       stt.Options
	Emitter       upstream.Emitter
	Publisher     upstream.TranscriptPublisher
	Metrics       *metrics.Metrics
	FinishTimeout time.Duration
}

// slot holds at most one upstream session. Its mutex makes replacing the
// occupant atomic with respect to RouteAudio on the same tag.
type slot struct {
	mu      sync.Mutex
	session *upstream.Session
}

// Router holds zero, one or two upstream sessions keyed by source tag.
// The two slots are locked independently so one source never waits on the other.
type Router struct {
	cfg     Config
	ids     *upstream.Generator
	logger  zerolog.Logger
	metrics *metrics.Metrics
	slots   map[models.Source]*slot

	// lifecycleMu serialises StartAll, StopAll and Teardown.
	lifecycleMu sync.Mutex
	tornDown    bool

	// closing counts every created session until its Done is closed.
	closing sync.WaitGroup
}

func New(cfg Config) *Router {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	r := &Router{
		cfg:     cfg,
		ids:     upstream.NewGenerator(),
		logger:  logging.WithSession(cfg.SessionID).With().Str("component", "router").Logger(),
		metrics: cfg.Metrics,
		slots:   make(map[models.Source]*slot, len(models.Sources)),
	}
	for _, src := range models.Sources {
		r.slots[src] = &slot{}
	}
	return r
}

// StartAll replaces both slots with freshly opened sessions. Existing
// occupants are finished before their replacement is stored, so a tag never
// has two live sessions. Handshakes run concurrently and report their own
// failures; StartAll returns once both sessions are stored.
//
// If either session cannot be constructed, both slots are left empty and the
// error is returned.
func (r *Router) StartAll() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.tornDown {
		return ErrTornDown
	}

	created := make([]*upstream.Session, 0, len(models.Sources))
	for _, src := range models.Sources {
		sess, err := upstream.New(upstream.Config{
			SessionID:     r.cfg.SessionID,
			ID:            r.ids.Next(r.cfg.SessionID, src),
			Source:        src,
			Provider:      r.cfg.Provider,
			Options:       r.cfg.Options,
			Emitter:       r.cfg.Emitter,
			Publisher:     r.cfg.Publisher,
			Metrics:       r.metrics,
			FinishTimeout: r.cfg.FinishTimeout,
			OnClosed:      r.release,
		})
		if err != nil {
			for _, s := range created {
				s.Discard()
			}
			r.finishAll()
			r.logger.Error().Err(err).Str("source", src.String()).Msg("Failed to create upstream session")
			return fmt.Errorf("create %s session: %w", src, err)
		}
		created = append(created, sess)
		r.track(sess)
	}

	for _, sess := range created {
		sl := r.slots[sess.Source()]
		sl.mu.Lock()
		if old := sl.session; old != nil {
			r.logger.Info().Str("upstreamId", old.ID()).Msg("Replacing upstream session")
			old.Finish()
		}
		sl.session = sess
		sl.mu.Unlock()
	}

	for _, sess := range created {
		go func(s *upstream.Session) {
			_ = s.Open()
		}(sess)
	}
	return nil
}

// RouteAudio forwards one chunk to the session for tag. With no session the
// chunk is dropped; that is not an error.
func (r *Router) RouteAudio(tag models.Source, chunk []byte) error {
	sl, ok := r.slots[tag]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, tag)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.session == nil {
		r.metrics.RecordAudioDropped(tag.String(), metrics.DropNoSession)
		return nil
	}
	return sl.session.SendAudio(chunk)
}

// StopAll finishes every occupant and clears both slots.
func (r *Router) StopAll() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.finishAll()
}

// Teardown is StopAll for a disconnecting client. Later StartAll calls fail.
func (r *Router) Teardown() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.tornDown = true
	r.finishAll()
}

// Wait blocks until every session this router created has closed and
// flushed its transcript records. Call it after Teardown.
func (r *Router) Wait() {
	r.closing.Wait()
}

func (r *Router) track(s *upstream.Session) {
	r.closing.Add(1)
	go func() {
		<-s.Done()
		r.closing.Done()
	}()
}

// Session returns the current occupant of tag, or nil.
func (r *Router) Session(tag models.Source) *upstream.Session {
	sl, ok := r.slots[tag]
	if !ok {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.session
}

func (r *Router) finishAll() {
	for _, src := range models.Sources {
		sl := r.slots[src]
		sl.mu.Lock()
		if sl.session != nil {
			sl.session.Finish()
			sl.session = nil
		}
		sl.mu.Unlock()
	}
}

// release clears the slot if it still holds s. A replaced session closing
// late must not evict its successor.
func (r *Router) release(s *upstream.Session) {
	sl, ok := r.slots[s.Source()]
	if !ok {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.session == s {
		sl.session = nil
		r.logger.Debug().Str("upstreamId", s.ID()).Msg("Upstream slot released")
	}
}
