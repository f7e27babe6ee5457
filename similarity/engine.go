package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akhenakh/embedsim/embedding"
)

// ErrWorker reports a failure on the worker: no resident grid, a closed
// engine or a recovered panic.
var ErrWorker = errors.New("similarity worker error")

type requestKind int

const (
	loadRequest requestKind = iota
	scoreRequest
	pickRequest
)

type request struct {
	kind requestKind
	id   uint64
	grid *embedding.Grid
	ref  embedding.Reference

	lat, lon float64
	picked   chan pickReply
}

type pickReply struct {
	ref embedding.Reference
	err error
}

// Reply is the outcome of one scoring request.
type Reply struct {
	ID     uint64
	Result *Grid
	Err    error
}

const (
	inboxSize   = 8
	repliesSize = 4
)

// Engine runs similarity passes on one long-lived goroutine that owns the
// resident grid. Requests are numbered; only the reply to the latest one is
// ever returned by Await, older ones are discarded when they complete.
type Engine struct {
	inbox   chan request
	replies chan Reply
	latest  atomic.Uint64

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	metrics *Metrics
	score   func(*embedding.Grid, embedding.Reference) (*Grid, error)
}

// NewEngine starts the worker goroutine. metrics may be nil.
func NewEngine(metrics *Metrics) *Engine {
	e := &Engine{
		inbox:   make(chan request, inboxSize),
		replies: make(chan Reply, repliesSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: metrics,
		score:   Score,
	}
	go e.run()
	return e
}

// Load hands g over to the worker, replacing the resident grid. The
// caller's Grid is zeroed, it must not be used afterwards.
func (e *Engine) Load(g *embedding.Grid) error {
	if g == nil {
		return errors.New("nil grid")
	}
	moved := *g
	*g = embedding.Grid{}
	return e.send(request{kind: loadRequest, grid: &moved})
}

// Submit issues a scoring request for ref and returns its id. It does not
// wait for the pass to run.
func (e *Engine) Submit(ref embedding.Reference) uint64 {
	id := e.latest.Add(1)
	if err := e.send(request{kind: scoreRequest, id: id, ref: ref}); err != nil {
		slog.Debug("similarity request dropped", "id", id, "error", err)
	}
	return id
}

// Latest returns the id of the last submitted request.
func (e *Engine) Latest() uint64 { return e.latest.Load() }

// Await blocks until the reply to the latest request arrives. Replies to
// older requests are discarded.
func (e *Engine) Await(ctx context.Context) (Reply, error) {
	for {
		select {
		case r := <-e.replies:
			if r.ID != e.latest.Load() {
				e.metrics.stale()
				slog.Debug("discarding stale similarity reply", "id", r.ID, "latest", e.latest.Load())
				continue
			}
			return r, r.Err
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-e.done:
			return Reply{}, fmt.Errorf("%w: engine closed", ErrWorker)
		}
	}
}

// Pick selects a reference vector from the resident grid.
func (e *Engine) Pick(ctx context.Context, lat, lon float64) (embedding.Reference, error) {
	picked := make(chan pickReply, 1)
	if err := e.send(request{kind: pickRequest, lat: lat, lon: lon, picked: picked}); err != nil {
		return embedding.Reference{}, err
	}
	select {
	case r := <-picked:
		return r.ref, r.err
	case <-ctx.Done():
		return embedding.Reference{}, ctx.Err()
	case <-e.done:
		return embedding.Reference{}, fmt.Errorf("%w: engine closed", ErrWorker)
	}
}

// Close stops the worker once the pass in progress, if any, completes.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.done) })
	<-e.stopped
}

func (e *Engine) send(req request) error {
	select {
	case <-e.done:
		return fmt.Errorf("%w: engine closed", ErrWorker)
	default:
	}
	select {
	case e.inbox <- req:
		return nil
	case <-e.done:
		return fmt.Errorf("%w: engine closed", ErrWorker)
	}
}

func (e *Engine) run() {
	defer close(e.stopped)
	var grid *embedding.Grid
	for {
		select {
		case <-e.done:
			return
		case req := <-e.inbox:
			grid = e.handle(grid, req)
		}
	}
}

// handle processes one request and returns the grid that stays resident.
func (e *Engine) handle(grid *embedding.Grid, req request) (resident *embedding.Grid) {
	resident = grid
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		slog.Error("similarity worker panic, dropping resident grid", "panic", p, "id", req.id)
		e.metrics.workerError()
		resident = nil
		err := fmt.Errorf("%w: panic: %v", ErrWorker, p)
		switch req.kind {
		case scoreRequest:
			e.deliver(Reply{ID: req.id, Err: err})
		case pickRequest:
			req.picked <- pickReply{err: err}
		}
	}()

	switch req.kind {
	case loadRequest:
		return req.grid

	case scoreRequest:
		if grid == nil {
			e.metrics.workerError()
			e.deliver(Reply{ID: req.id, Err: fmt.Errorf("%w: no grid loaded", ErrWorker)})
			return nil
		}
		start := time.Now()
		res, err := e.score(grid, req.ref)
		e.metrics.observeScore(time.Since(start).Seconds())
		if err != nil {
			e.metrics.workerError()
			err = fmt.Errorf("%w: %w", ErrWorker, err)
		}
		e.deliver(Reply{ID: req.id, Result: res, Err: err})

	case pickRequest:
		if grid == nil {
			req.picked <- pickReply{err: fmt.Errorf("%w: no grid loaded", ErrWorker)}
			return nil
		}
		ref, err := embedding.PickReference(grid, req.lat, req.lon)
		req.picked <- pickReply{ref: ref, err: err}
	}
	return grid
}

// deliver queues r unless a newer request was issued meanwhile. When the
// queue is full the oldest reply, necessarily stale, makes room.
func (e *Engine) deliver(r Reply) {
	if r.ID != e.latest.Load() {
		e.metrics.stale()
		return
	}
	for {
		select {
		case e.replies <- r:
			return
		default:
		}
		select {
		case <-e.replies:
			e.metrics.stale()
		default:
		}
	}
}
