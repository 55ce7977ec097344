package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/manifest"
)

const (
	defaultQueueSize = 16
	defaultRetention = 15 * time.Minute
	eventBuffer      = 64
)

var (
	ErrQueueFull     = errors.New("uploader: job queue is full")
	ErrWorkerStopped = errors.New("uploader: worker stopped")
	ErrDuplicateJob  = errors.New("uploader: job id already in use")
	ErrJobCanceled   = errors.New("uploader: job canceled")
)

// Publisher seals a bundle into a manifest and stores it.
type Publisher interface {
	Publish(ctx context.Context, bundle *manifest.MetadataBundle, opts custodian.SealOptions) (string, error)
}

// WorkerConfig tunes the background worker.
type WorkerConfig struct {
	QueueSize int
	// Retention is how long finished jobs stay visible to Lookup.
	Retention time.Duration
}

// JobRequest is a batch of files to encrypt and publish.
type JobRequest struct {
	// ID is optional; a uuid is generated when empty.
	ID     string
	Files  []FileSource
	Params Params
	Seal   custodian.SealOptions
}

// Result describes one published file.
type Result struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Manifest string `json:"manifest"`
	Chunks   int    `json:"chunks"`
	Format   string `json:"format"`
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Event types.
const (
	EventProgress     = "progress"
	EventFileComplete = "file_complete"
	EventComplete     = "complete"
	EventError        = "error"
)

// Event is a job notification fanned out to subscribers.
type Event struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Progress *Progress `json:"progress,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Results  []Result  `json:"results,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Job is a queued or running upload.
type Job struct {
	ID string

	req    JobRequest
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      JobState
	results    []Result
	err        error
	subs       map[int]chan Event
	nextSub    int
	last       *Event
	finishedAt time.Time
}

func newJob(id string) *Job {
	return &Job{
		ID:    id,
		done:  make(chan struct{}),
		state: JobPending,
		subs:  make(map[int]chan Event),
	}
}

// State returns the current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Subscribe returns a channel of job events. The channel is closed after the
// terminal event. Subscribing to a finished job yields only that event.
func (j *Job) Subscribe() (<-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	if j.finishedLocked() {
		if j.last != nil {
			ch <- *j.last
		}
		close(ch)
		return ch, func() {}
	}

	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch
	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if c, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(c)
		}
	}
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Result(nil), j.results...), j.err
}

// Cancel stops the job. A queued job fails without running.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (j *Job) finishedLocked() bool {
	return j.state == JobCompleted || j.state == JobFailed
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// emit delivers ev to every subscriber. Progress events are dropped for slow
// subscribers.
func (j *Job) emit(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish records the outcome, delivers the terminal event and closes every
// subscription.
func (j *Job) finish(results []Result, err error) {
	ev := Event{Type: EventComplete, JobID: j.ID, Results: results}
	state := JobCompleted
	if err != nil {
		ev = Event{Type: EventError, JobID: j.ID, Error: err.Error()}
		state = JobFailed
	}

	j.mu.Lock()
	if j.finishedLocked() {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.results = results
	j.err = err
	j.last = &ev
	j.finishedAt = time.Now()
	for id, ch := range j.subs {
		select {
		case ch <- ev:
		default:
			// make room for the terminal event
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
		close(ch)
		delete(j.subs, id)
	}
	j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
	}
	close(j.done)
}

// Worker runs upload jobs one at a time in its own goroutine.
type Worker struct {
	uploader  *Uploader
	publisher Publisher
	logger    *logrus.Logger
	retention time.Duration
	queue     chan *Job

	mu      sync.Mutex
	jobs    map[string]*Job
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewWorker returns a stopped worker.
func NewWorker(u *Uploader, p Publisher, cfg WorkerConfig, logger *logrus.Logger) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		uploader:  u,
		publisher: p,
		logger:    logger,
		retention: cfg.Retention,
		queue:     make(chan *Job, cfg.QueueSize),
		jobs:      make(map[string]*Job),
	}
}

// Start launches the worker goroutine. Jobs run under a context derived from ctx.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx != nil || w.stopped {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.queue:
			w.run(job)
		}
	}
}

// Watch returns the job with id, creating a pending placeholder so that
// events can be observed before the job is submitted.
func (w *Worker) Watch(id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("uploader: invalid job id %q", id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if j, ok := w.jobs[id]; ok {
		return j, nil
	}
	j := newJob(id)
	j.finishedAt = time.Now()
	w.jobs[id] = j
	return j, nil
}

// Lookup returns a known job.
func (w *Worker) Lookup(id string) (*Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.jobs[id]
	return j, ok
}

// Submit queues req. It fails with ErrQueueFull when the queue is at
// capacity and ErrWorkerStopped after Stop.
func (w *Worker) Submit(ctx context.Context, req JobRequest) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Files) == 0 {
		return nil, errors.New("uploader: job has no files")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, err := uuid.Parse(req.ID); err != nil {
		return nil, fmt.Errorf("uploader: invalid job id %q", req.ID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.ctx == nil {
		return nil, ErrWorkerStopped
	}
	w.pruneLocked()

	j, ok := w.jobs[req.ID]
	if ok && j.State() != JobPending {
		return nil, ErrDuplicateJob
	}
	if !ok {
		j = newJob(req.ID)
	}

	j.mu.Lock()
	j.req = req
	j.ctx, j.cancel = context.WithCancel(w.ctx)
	j.state = JobQueued
	j.mu.Unlock()

	select {
	case w.queue <- j:
	default:
		j.cancel()
		j.setState(JobPending)
		return nil, ErrQueueFull
	}
	w.jobs[req.ID] = j
	return j, nil
}

// pruneLocked forgets jobs that finished, or were watched but never
// submitted, more than the retention period ago.
func (w *Worker) pruneLocked() {
	cutoff := time.Now().Add(-w.retention)
	for id, j := range w.jobs {
		j.mu.Lock()
		stale := (j.finishedLocked() || j.state == JobPending) && j.finishedAt.Before(cutoff)
		j.mu.Unlock()
		if stale {
			delete(w.jobs, id)
		}
	}
}

func (w *Worker) run(j *Job) {
	if err := j.ctx.Err(); err != nil {
		j.finish(nil, w.jobErr(j, err))
		return
	}
	j.setState(JobRunning)
	log := w.logger.WithField("job_id", j.ID)
	log.WithField("files", len(j.req.Files)).Info("Upload job started")

	params := j.req.Params
	userProgress := params.Progress
	params.Progress = func(p Progress) {
		if userProgress != nil {
			userProgress(p)
		}
		j.emit(Event{Type: EventProgress, JobID: j.ID, Progress: &p})
	}

	bundles, err := w.uploader.EncryptFiles(j.ctx, j.req.Files, params)
	if err != nil {
		j.finish(nil, w.jobErr(j, err))
		log.WithError(err).Warn("Upload job failed")
		return
	}

	format := j.req.Seal.Format
	if format == "" {
		format = custodian.FormatV4
	}
	results := make([]Result, 0, len(bundles))
	for _, b := range bundles {
		id, err := w.publisher.Publish(j.ctx, b, j.req.Seal)
		crypto.Wipe(b.Key)
		if err != nil {
			for _, rest := range bundles {
				crypto.Wipe(rest.Key)
			}
			j.finish(nil, w.jobErr(j, fmt.Errorf("failed to publish %q: %w", b.File.Name, err)))
			log.WithError(err).Warn("Upload job failed")
			return
		}
		r := Result{Name: b.File.Name, Size: b.File.Size, Manifest: id, Chunks: len(b.Chunks), Format: format}
		results = append(results, r)
		j.emit(Event{Type: EventFileComplete, JobID: j.ID, Result: &r})
	}

	j.finish(results, nil)
	log.WithField("files", len(results)).Info("Upload job completed")
}

func (w *Worker) jobErr(j *Job, err error) error {
	if w.ctx.Err() != nil {
		return ErrWorkerStopped
	}
	if j.ctx.Err() != nil {
		return ErrJobCanceled
	}
	return err
}

// Stop cancels running jobs, fails queued ones with ErrWorkerStopped and
// waits for the worker goroutine to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	for {
		select {
		case j := <-w.queue:
			j.finish(nil, ErrWorkerStopped)
		default:
			return
		}
	}
}
