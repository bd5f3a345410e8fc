package session

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"hlsfetch/internal/byterange"
	"hlsfetch/internal/config"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/m3u8"
	"hlsfetch/internal/models"
	"hlsfetch/internal/transport"
)

const (
	defaultReloadTime = 6 * time.Second
	minReloadTime     = time.Second

	segmentIdentity = "segment"
	mapIdentity     = "map"
)

var (
	ErrVariantPlaylist = errors.New("attempted to play a variant playlist, use the multivariant resolver instead")
	ErrIFramesOnly     = errors.New("streams containing I-frames only are not playable")
)

// State is the planner's position in its polling cycle.
type State int

const (
	StatePolling State = iota
	StateEmitting
	StateRetrying
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "POLLING"
	case StateEmitting:
		return "EMITTING"
	case StateRetrying:
		return "RETRYING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// WorkerOptions is the subset of the HLS configuration used by the planner.
type WorkerOptions struct {
	LiveEdge    int
	ReloadTime  config.ReloadTime
	StartOffset time.Duration
	Duration    time.Duration
	LiveRestart bool
}

// Worker polls a media playlist and emits fetch plans for new segments in order.
type Worker struct {
	transport transport.Transport
	url       string
	opts      WorkerOptions
	tracker   *byterange.Tracker
	logger    logger.Logger

	// wait sleeps for d and reports false when ctx ended first.
	wait func(ctx context.Context, d time.Duration) bool

	state         State
	playlist      *m3u8.Playlist
	lastSequences []int64
	changed       bool
	nextSeq       int64
	reloadTime    time.Duration
	emitted       float64
	mapPlans      map[string]*models.MapPlan
	encrypted     bool
}

// NewWorker creates a planner for the media playlist at url.
func NewWorker(t transport.Transport, url string, opts WorkerOptions, log logger.Logger) *Worker {
	return &Worker{
		transport:  t,
		url:        url,
		opts:       opts,
		tracker:    byterange.NewTracker(),
		logger:     log,
		wait:       sleepContext,
		nextSeq:    -1,
		reloadTime: defaultReloadTime,
		mapPlans:   make(map[string]*models.MapPlan),
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// State returns the current planner state. It is only safe to call from the worker goroutine
// or after Run has returned.
func (w *Worker) State() State {
	return w.state
}

// Run polls until the playlist ends, the duration limit is reached, or ctx is cancelled.
// Only first-poll failures are returned as errors. The caller owns plans and closes
// it once Run has returned.
func (w *Worker) Run(ctx context.Context, plans chan<- *models.FetchPlan) error {
	defer w.logger.Debugf("Playlist worker for %s stopped.", w.url)

	w.state = StatePolling
	pollStart := time.Now()
	if err := w.reload(ctx); err != nil {
		w.state = StateEnded
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	w.selectStart()

	for {
		w.state = StateEmitting
		done, err := w.emit(ctx, plans)
		if err != nil || done {
			w.state = StateEnded
			return nil
		}

		if w.playlist.IsEndList && w.nextSeq > w.playlist.LastSequence() {
			w.logger.Debugf("Reached end of playlist %s", w.url)
			w.state = StateEnded
			return nil
		}

		if !w.wait(ctx, w.reloadTime-time.Since(pollStart)) {
			w.state = StateEnded
			return nil
		}

		w.state = StatePolling
		pollStart = time.Now()
		if err := w.reload(ctx); err != nil {
			if ctx.Err() != nil {
				w.state = StateEnded
				return nil
			}
			w.state = StateRetrying
			w.logger.Warnf("Failed to reload playlist: %v", err)
		}
	}
}

func (w *Worker) reload(ctx context.Context) error {
	resp, err := w.transport.Get(ctx, w.url, nil)
	if err != nil {
		return err
	}
	pl, err := m3u8.Parse(string(resp.Body), m3u8.WithBaseURL(resp.URL))
	if err != nil {
		return err
	}
	if pl.IsMaster {
		return ErrVariantPlaylist
	}
	if pl.IFramesOnly {
		return ErrIFramesOnly
	}

	seqs := pl.Sequences()
	w.changed = w.lastSequences == nil || !slices.Equal(seqs, w.lastSequences)
	w.lastSequences = seqs
	w.playlist = pl

	w.reloadTime = ReloadTime(pl, w.opts.ReloadTime, w.opts.LiveEdge)
	if !w.changed {
		w.reloadTime = min(w.reloadTime, max(w.reloadTime/2, minReloadTime))
	}

	if !w.encrypted {
		for _, seg := range pl.Segments {
			if seg.Key != nil && seg.Key.Method != m3u8.MethodNone {
				w.encrypted = true
				w.logger.Debugf("Segments in playlist %s are encrypted", w.url)
				break
			}
		}
	}
	return nil
}

// selectStart picks the first sequence number to emit after the initial poll.
func (w *Worker) selectStart() {
	segs := w.playlist.Segments
	if len(segs) == 0 {
		w.nextSeq = w.playlist.MediaSequence
		return
	}

	live := !w.playlist.IsEndList
	if live && !w.opts.LiveRestart {
		edge := min(len(segs), max(w.opts.LiveEdge, 1))
		w.nextSeq = segs[len(segs)-edge].Num
	} else {
		w.nextSeq = segs[0].Num
	}

	offset := w.opts.StartOffset.Seconds()
	if live && !w.opts.LiveRestart {
		offset = -offset
	}
	if offset != 0 {
		w.nextSeq = durationToSequence(offset, segs)
	}

	w.logger.Debugf("First Sequence: %d; Last Sequence: %d", segs[0].Num, segs[len(segs)-1].Num)
	w.logger.Debugf("Start offset: %v; Duration: %v; Start Sequence: %d; End Sequence: %d",
		w.opts.StartOffset, w.opts.Duration, w.nextSeq, w.endSequence())
}

func (w *Worker) endSequence() int64 {
	if w.playlist.IsEndList {
		return w.playlist.LastSequence()
	}
	return -1
}

// durationToSequence walks the segments until offset seconds have been skipped.
// Negative offsets count back from the end of the playlist.
func durationToSequence(offset float64, segs []*m3u8.Segment) int64 {
	order := segs
	if offset < 0 {
		order = slices.Clone(segs)
		slices.Reverse(order)
	}

	var d float64
	result := int64(-1)
	for _, seg := range order {
		if d >= math.Abs(offset) {
			return seg.Num
		}
		d += seg.Duration
		result = seg.Num
	}
	return result
}

// emit sends plans for all segments at or after nextSeq. It reports done when the
// duration limit has been reached.
func (w *Worker) emit(ctx context.Context, plans chan<- *models.FetchPlan) (bool, error) {
	limit := w.opts.Duration.Seconds()
	for _, seg := range w.playlist.Segments {
		if seg.Num < w.nextSeq {
			continue
		}
		if limit > 0 && w.emitted >= limit {
			w.logger.Infof("Stopping stream early after %.2fs", w.emitted)
			return true, nil
		}

		plan := w.plan(seg)
		select {
		case plans <- plan:
		case <-ctx.Done():
			return true, ctx.Err()
		}

		w.nextSeq = seg.Num + 1
		w.emitted += seg.Duration
	}

	if limit > 0 && w.emitted >= limit {
		w.logger.Infof("Stopping stream early after %.2fs", w.emitted)
		return true, nil
	}
	return false, nil
}

func (w *Worker) plan(seg *m3u8.Segment) *models.FetchPlan {
	plan := &models.FetchPlan{Segment: seg}

	if seg.ByteRange != nil {
		rng, err := w.tracker.Resolve(segmentIdentity, seg.Num, *seg.ByteRange)
		if err != nil {
			plan.RangeErr = err
		} else {
			plan.Range = &rng
		}
	}

	if seg.Map != nil {
		plan.Map = w.mapPlan(seg.Map, seg.Num)
	}
	return plan
}

// mapPlan resolves a map's byte range the first time its identity is seen.
// Each map identity has its own cursor, so a map range without an offset never resolves.
func (w *Worker) mapPlan(m *m3u8.Map, seq int64) *models.MapPlan {
	identity := m.Identity()
	if mp, ok := w.mapPlans[identity]; ok {
		return mp
	}

	mp := &models.MapPlan{Identity: identity, URI: m.URI}
	if m.ByteRange != nil {
		rng, err := w.tracker.Resolve(mapIdentity+"|"+identity, seq, *m.ByteRange)
		if err != nil {
			mp.Err = err
		} else {
			mp.Range = &rng
		}
	}
	w.mapPlans[identity] = mp
	return mp
}

// ReloadTime computes how long to wait before polling pl again.
func ReloadTime(pl *m3u8.Playlist, rt config.ReloadTime, liveEdge int) time.Duration {
	segs := pl.Segments
	edgeSum := func() float64 {
		n := min(len(segs), max(1, liveEdge-1))
		var sum float64
		for _, s := range segs[len(segs)-n:] {
			sum += s.Duration
		}
		return sum
	}

	seconds := func() float64 {
		switch {
		case rt.Mode == config.ReloadSegment && len(segs) > 0:
			return segs[len(segs)-1].Duration
		case rt.Mode == config.ReloadLiveEdge && len(segs) > 0:
			return edgeSum()
		case rt.Mode == config.ReloadFixed && rt.Seconds > 0:
			return rt.Seconds
		case pl.TargetDuration > 0:
			return pl.TargetDuration
		case len(segs) > 0:
			return edgeSum()
		default:
			return 0
		}
	}()

	if seconds <= 0 {
		return defaultReloadTime
	}
	return time.Duration(seconds * float64(time.Second))
}
