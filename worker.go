package followup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

// Snapshot is a self-contained classification request crossing the worker
// boundary. All state is copied in, no memory is shared with the caller.
type Snapshot struct {
	Entities    []Entity
	Confirmed   map[EntityID]time.Time
	Optimistic  map[EntityID][]time.Time
	LabelFilter []string
	Now         time.Time
}

// Message is delivered by the background runner. Consumers must discard messages
// whose token is not the current one, last request wins.
type Message interface {
	MessageToken() uint64
}

// Progress reports partial completion of an in-flight classification.
type Progress struct {
	Token     uint64
	Processed int
	Total     int
}

// MessageToken implements Message.
func (m Progress) MessageToken() uint64 { return m.Token }

// Result carries the terminal bucket assignment of a classification.
type Result struct {
	Token   uint64
	Buckets Buckets
}

// MessageToken implements Message.
func (m Result) MessageToken() uint64 { return m.Token }

// RunError reports a failed classification run.
type RunError struct {
	Token uint64
	Err   error
}

// MessageToken implements Message.
func (m RunError) MessageToken() uint64 { return m.Token }

// RunnerConfig controls a Runner instance.
type RunnerConfig struct {
	// ProgressEvery is the entity count between two progress messages, default 250.
	ProgressEvery int

	// QueueSize bounds pending snapshot requests, default 4. A full queue drops the
	// oldest pending request, it is superseded anyway.
	QueueSize int

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker
}

type runRequest struct {
	token uint64
	snap  Snapshot
}

// Runner executes the staleness classifier off the interactive goroutine.
//
// Communication is message passing only: snapshots go in through Submit, Progress,
// Result and RunError messages come out on Messages. Every Submit bumps a
// monotonically increasing calculation token, a snapshot that is no longer current
// when the worker picks it up is skipped, and a result for a superseded token must
// be dropped by the consumer. Supersession is cooperative, a run that already
// started is allowed to finish and be discarded.
type Runner struct {
	token  uint64
	reqs   chan runRequest
	msgs   chan Message
	closed chan struct{}

	config RunnerConfig
	log    ctxd.Logger
	stat   stats.Tracker
}

// NewRunner creates a Runner and starts its worker goroutine.
func NewRunner(config RunnerConfig) *Runner {
	if config.ProgressEvery == 0 {
		config.ProgressEvery = 250
	}

	if config.QueueSize == 0 {
		config.QueueSize = 4
	}

	r := &Runner{
		reqs:   make(chan runRequest, config.QueueSize),
		msgs:   make(chan Message, config.QueueSize*4),
		closed: make(chan struct{}),
		config: config,
	}

	r.log = config.Logger
	if r.log == nil {
		r.log = ctxd.NoOpLogger{}
	}

	r.stat = config.Stats
	if r.stat == nil {
		r.stat = stats.NoOp{}
	}

	go r.worker()

	return r
}

// Submit enqueues a snapshot and returns its calculation token, superseding any
// earlier in-flight request.
func (r *Runner) Submit(snap Snapshot) (uint64, error) {
	select {
	case <-r.closed:
		return 0, ErrRunnerClosed
	default:
	}

	token := atomic.AddUint64(&r.token, 1)
	req := runRequest{token: token, snap: snap}

	for {
		select {
		case r.reqs <- req:
			return token, nil
		default:
		}

		// Queue full, drop the oldest pending request to make room.
		select {
		case <-r.reqs:
		default:
		}
	}
}

// Current returns the most recently issued calculation token.
func (r *Runner) Current() uint64 {
	return atomic.LoadUint64(&r.token)
}

// Messages returns the delivery channel of the runner.
func (r *Runner) Messages() <-chan Message {
	return r.msgs
}

// Close stops the worker. Pending requests are discarded.
func (r *Runner) Close() {
	close(r.closed)
}

func (r *Runner) worker() {
	for {
		select {
		case <-r.closed:
			return
		case req := <-r.reqs:
			if req.token != atomic.LoadUint64(&r.token) {
				// Superseded before it even started.
				r.stat.Add(context.Background(), MetricSuperseded, 1)

				continue
			}

			r.run(req)
		}
	}
}

func (r *Runner) run(req runRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(context.Background(), "classification run panicked",
				"token", req.token,
				"panic", rec)

			r.deliver(RunError{Token: req.token, Err: fmt.Errorf("classification: %v", rec)})
		}
	}()

	buckets := classifyWithProgress(ClassifyInput(req.snap), r.config.ProgressEvery, func(processed, total int) {
		r.deliver(Progress{Token: req.token, Processed: processed, Total: total})
	})

	r.stat.Add(context.Background(), MetricClassify, 1)

	if req.token != atomic.LoadUint64(&r.token) {
		r.stat.Add(context.Background(), MetricSuperseded, 1)
	}

	// Delivered even when superseded, the consumer drops it by token.
	r.deliver(Result{Token: req.token, Buckets: buckets})
}

func (r *Runner) deliver(m Message) {
	select {
	case r.msgs <- m:
	case <-r.closed:
	}
}
