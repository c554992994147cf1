// Package spider fetches the pages of a gallery into a content.Store.
//
// A Coordinator owns one gallery. It loads or fetches the gallery's crawl
// Descriptor, resolves page fetch tokens, downloads pages on a bounded pool
// of jobs, persists them through the store and decodes requested pages on a
// small worker pool. Coordinators are shared between consumers through a
// Registry; each consumer holds a Handle in read or download mode.
package spider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/content"
	"github.com/wolfeidau/gallery-cache/diskcache"
	"github.com/wolfeidau/gallery-cache/download"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// Size sentinels returned by Coordinator.Size.
const (
	// SizeWait means the descriptor is still loading.
	SizeWait = -1
	// SizeError means the coordinator stopped or has no descriptor.
	SizeError = -2
)

// Defaults for coordinator options.
const (
	DefaultDownloadThreads = 3
	DefaultDecodeWorkers   = 2
	DefaultAttempts        = 3
	DefaultRetryDelay      = 500 * time.Millisecond
)

// DispatchOrder selects which pending page a free download slot takes.
type DispatchOrder string

const (
	// DispatchLIFO services the most recently requested page first.
	DispatchLIFO DispatchOrder = "lifo"
	// DispatchFIFO services pages in request order.
	DispatchFIFO DispatchOrder = "fifo"
	// DispatchNearest services the page closest to the last requested one.
	DispatchNearest DispatchOrder = "nearest"
)

// ParseDispatchOrder parses a dispatch order name.
func ParseDispatchOrder(s string) (DispatchOrder, error) {
	switch o := DispatchOrder(strings.ToLower(strings.TrimSpace(s))); o {
	case DispatchLIFO, DispatchFIFO, DispatchNearest:
		return o, nil
	case "":
		return DispatchLIFO, nil
	default:
		return "", fmt.Errorf("unknown dispatch order %q", s)
	}
}

type lifecycle int

const (
	lifecycleUnstarted lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Hint is the immediate answer to a page request.
type Hint struct {
	// State is the page state when the request was made.
	State gallerycache.PageState
	// Progress is the download fraction of a downloading page, -1 if unknown.
	Progress float64
	// Err is the last error of a failed page.
	Err string
}

// Coordinator fetches and decodes the pages of one gallery.
type Coordinator struct {
	gallery   gallerycache.Gallery
	store     *content.Store
	source    RemoteSource
	fetcher   ByteFetcher
	decoder   Decoder
	infoCache *diskcache.Cache
	logger    *slog.Logger
	session   string

	threads       int
	decodeWorkers int
	attempts      uint
	retryDelay    time.Duration
	delay         time.Duration
	order         DispatchOrder

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	listings *download.Downloader
	jobWG    sync.WaitGroup

	lifeMu       sync.Mutex
	life         lifecycle
	readRefs     int
	downloadRefs int

	modeMu     sync.Mutex
	inDownload bool

	info   atomic.Pointer[Descriptor]
	failed atomic.Bool

	// Lock order: jobsMu, then stateMu.
	jobsMu        sync.Mutex
	jobsCond      *sync.Cond
	pending       []pendingRequest
	jobs          map[int]*job
	lastRequested int

	stateMu    sync.Mutex
	states     []gallerycache.PageState
	downloaded int
	finished   int
	errs       map[int]string
	progress   map[int]float64

	decodeMu    sync.Mutex
	decodeCond  *sync.Cond
	decodeQueue []int
	decoding    []int

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	listenerSeq uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithInfoCache sets the fast local cache used as the secondary descriptor
// location.
func WithInfoCache(cache *diskcache.Cache) Option {
	return func(c *Coordinator) {
		c.infoCache = cache
	}
}

// WithDownloadThreads sets the number of concurrent page downloads.
func WithDownloadThreads(n int) Option {
	return func(c *Coordinator) {
		c.threads = n
	}
}

// WithDecodeWorkers sets the number of decode workers.
func WithDecodeWorkers(n int) Option {
	return func(c *Coordinator) {
		c.decodeWorkers = n
	}
}

// WithAttempts sets the number of download attempts per page.
func WithAttempts(n uint) Option {
	return func(c *Coordinator) {
		c.attempts = n
	}
}

// WithRetryDelay sets the base delay between download attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.retryDelay = d
	}
}

// WithDownloadDelay sets the minimum spacing between successful downloads.
func WithDownloadDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.delay = d
	}
}

// WithDispatchOrder sets the order pending pages are downloaded in.
func WithDispatchOrder(o DispatchOrder) Option {
	return func(c *Coordinator) {
		c.order = o
	}
}

// New returns an unstarted coordinator for g. It starts when first
// acquired through a Registry, or by Start.
func New(g gallerycache.Gallery, store *content.Store, source RemoteSource, fetcher ByteFetcher, decoder Decoder, opts ...Option) *Coordinator {
	c := &Coordinator{
		gallery:       g,
		store:         store,
		source:        source,
		fetcher:       fetcher,
		decoder:       decoder,
		logger:        slog.Default(),
		session:       uuid.NewString(),
		threads:       DefaultDownloadThreads,
		decodeWorkers: DefaultDecodeWorkers,
		attempts:      DefaultAttempts,
		retryDelay:    DefaultRetryDelay,
		order:         DispatchLIFO,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		jobs:          make(map[int]*job),
		errs:          make(map[int]string),
		progress:      make(map[int]float64),
		listeners:     make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.threads = max(c.threads, 1)
	c.decodeWorkers = max(c.decodeWorkers, 1)
	c.attempts = max(c.attempts, 1)

	c.logger = c.logger.With("gid", g.ID, "session", c.session)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sem = semaphore.NewWeighted(int64(c.threads))
	if c.delay > 0 {
		c.limiter = rate.NewLimiter(rate.Every(c.delay), 1)
	}
	c.listings = download.New(download.WithLogger(c.logger), download.WithBaseContext(c.ctx))
	c.jobsCond = sync.NewCond(&c.jobsMu)
	c.decodeCond = sync.NewCond(&c.decodeMu)
	c.decoding = make([]int, c.decodeWorkers)
	for i := range c.decoding {
		c.decoding[i] = -1
	}
	return c
}

// Gallery returns the coordinator's gallery.
func (c *Coordinator) Gallery() gallerycache.Gallery {
	return c.gallery
}

// Store returns the coordinator's content store.
func (c *Coordinator) Store() *content.Store {
	return c.store
}

// AddListener registers l and returns a function that removes it. If the
// page count is already known l receives OnPageCount immediately.
func (c *Coordinator) AddListener(l Listener) (remove func()) {
	remove = c.addListener(l)
	if info := c.info.Load(); info != nil {
		l.OnPageCount(info.Pages)
	}
	return remove
}

// Start starts the control loop. It is a no-op unless the coordinator is
// unstarted.
func (c *Coordinator) Start() {
	c.lifeMu.Lock()
	if c.life != lifecycleUnstarted {
		c.lifeMu.Unlock()
		return
	}
	c.life = lifecycleRunning
	c.lifeMu.Unlock()

	telemetry.RecordCoordinator(c.ctx, 1)
	c.logger.Info("starting coordinator")
	go c.run()
}

// Stop signals every worker to exit. The descriptor is persisted before
// Done is closed. Stop does not wait.
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	if c.life == lifecycleStopped {
		c.lifeMu.Unlock()
		return
	}
	wasRunning := c.life == lifecycleRunning
	c.life = lifecycleStopped
	c.lifeMu.Unlock()

	c.cancel()
	c.jobsMu.Lock()
	c.jobsCond.Broadcast()
	c.jobsMu.Unlock()
	c.decodeMu.Lock()
	c.decodeCond.Broadcast()
	c.decodeMu.Unlock()

	if wasRunning {
		telemetry.RecordCoordinator(context.Background(), -1)
		c.logger.Info("stopping coordinator")
	} else {
		close(c.done)
	}
}

// Done is closed once the coordinator has stopped and persisted its
// descriptor.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// WaitReady blocks until the descriptor is loaded. It returns
// gallerycache.ErrDescriptorUnavailable if none could be obtained.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-c.done:
		return gallerycache.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.failed.Load() {
		return gallerycache.ErrDescriptorUnavailable
	}
	return nil
}

func (c *Coordinator) stopped() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.life == lifecycleStopped
}

// Err reports why the coordinator cannot serve pages, or nil.
func (c *Coordinator) Err() error {
	switch {
	case c.failed.Load():
		return gallerycache.ErrDescriptorUnavailable
	case c.stopped():
		return gallerycache.ErrStopped
	default:
		return nil
	}
}

// Size returns the page count, SizeWait while the descriptor loads or
// SizeError once stopped or failed.
func (c *Coordinator) Size() int {
	if c.Err() != nil {
		return SizeError
	}
	info := c.info.Load()
	if info == nil {
		return SizeWait
	}
	return info.Pages
}

// Mode returns the effective mode.
func (c *Coordinator) Mode() gallerycache.Mode {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.downloadRefs > 0 {
		return gallerycache.ModeDownload
	}
	return gallerycache.ModeRead
}

// acquire adds a reference in mode and starts the coordinator if needed.
// More than one download reference panics.
func (c *Coordinator) acquire(mode gallerycache.Mode) {
	c.lifeMu.Lock()
	if mode == gallerycache.ModeDownload && c.downloadRefs >= 1 {
		c.lifeMu.Unlock()
		panic("spider: download mode acquired more than once")
	}
	if mode == gallerycache.ModeDownload {
		c.downloadRefs++
	} else {
		c.readRefs++
	}
	c.lifeMu.Unlock()

	c.Start()
	c.updateMode()
}

// release drops a reference in mode. It stops the coordinator and returns
// true when no references remain. Releasing an unheld mode panics.
func (c *Coordinator) release(mode gallerycache.Mode) bool {
	c.lifeMu.Lock()
	if mode == gallerycache.ModeDownload {
		c.downloadRefs--
	} else {
		c.readRefs--
	}
	if c.readRefs < 0 || c.downloadRefs < 0 {
		c.lifeMu.Unlock()
		panic("spider: mode reference below zero")
	}
	last := c.readRefs == 0 && c.downloadRefs == 0
	c.lifeMu.Unlock()

	if last {
		c.Stop()
		return true
	}
	c.updateMode()
	return false
}

// updateMode applies the effective mode to the store once the descriptor is
// available. The control loop calls it again when the descriptor arrives.
func (c *Coordinator) updateMode() {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	info := c.info.Load()
	if info == nil || c.stopped() {
		return
	}
	mode := c.Mode()
	if err := c.store.SetMode(c.ctx, mode); err != nil {
		c.logger.Error("failed to switch content store mode", "mode", mode, "error", err)
		return
	}
	download := mode == gallerycache.ModeDownload
	if download && !c.inDownload {
		c.enterDownloadMode(info.Pages)
	}
	c.inDownload = download
}

// enterDownloadMode clears the bookkeeping of every page not mid download
// and queues every page.
func (c *Coordinator) enterDownloadMode(pages int) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()

	c.stateMu.Lock()
	for i, s := range c.states {
		if s != gallerycache.StateDownloading {
			c.states[i] = gallerycache.StateNone
			delete(c.progress, i)
		}
	}
	c.downloaded, c.finished = 0, 0
	clear(c.errs)
	c.stateMu.Unlock()

	indices := make([]int, pages)
	for i := range indices {
		indices[i] = i
	}
	c.scheduleAllLocked(indices)
	c.logger.Info("entered download mode", "pages", pages)
}

// Request schedules page index and returns a hint of its current state.
// Failed pages are retried.
func (c *Coordinator) Request(index int) (Hint, error) {
	return c.RequestPage(index, true, false)
}

// ForceRequest re-fetches page index even if it is already done.
func (c *Coordinator) ForceRequest(index int) (Hint, error) {
	return c.RequestPage(index, true, true)
}

// RequestPage schedules a fetch of page index unless one is already pending
// or in flight. A failed page is reset first when ignoreError is set, and any
// done page is reset when force is set. The hint reflects the state before
// the reset. A finished page that was not reset is queued for decoding
// instead of being fetched.
func (c *Coordinator) RequestPage(index int, ignoreError, force bool) (Hint, error) {
	return c.request(index, ignoreError, force, true)
}

func (c *Coordinator) request(index int, ignoreError, force, decode bool) (Hint, error) {
	if err := c.Err(); err != nil {
		return Hint{}, err
	}
	info := c.info.Load()
	if info == nil {
		c.jobsMu.Lock()
		c.scheduleLocked(pendingRequest{index: index, force: force, retryToken: force, decode: decode})
		c.jobsMu.Unlock()
		return Hint{State: gallerycache.StateNone, Progress: -1}, nil
	}
	if index < 0 || index >= info.Pages {
		return Hint{}, fmt.Errorf("%w: %d", gallerycache.ErrOutOfRange, index)
	}

	c.jobsMu.Lock()
	c.stateMu.Lock()
	state := c.states[index]
	hint := Hint{State: state, Progress: -1}
	switch state {
	case gallerycache.StateDownloading:
		if p, ok := c.progress[index]; ok {
			hint.Progress = p
		}
	case gallerycache.StateFailed:
		hint.Err = c.errs[index]
		if hint.Err == "" {
			hint.Err = gallerycache.DefaultErrorMessage
		}
	}
	reset := (force && state.Done()) || (ignoreError && state == gallerycache.StateFailed)
	if reset {
		c.setStateLocked(index, gallerycache.StateNone, nil)
	}
	c.stateMu.Unlock()

	finished := state == gallerycache.StateFinished && !reset
	if !finished {
		c.scheduleLocked(pendingRequest{index: index, force: force, retryToken: force || reset, decode: decode})
	}
	c.jobsMu.Unlock()

	if finished && decode {
		c.enqueueDecode(index)
	}
	return hint, nil
}

// Fetch requests page index without decoding it and blocks until the page
// is finished or has failed. A failed page is retried once.
func (c *Coordinator) Fetch(ctx context.Context, index int) error {
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	w := &pageWaiter{index: index, result: make(chan error, 1)}
	remove := c.AddListener(w)
	defer remove()

	if _, err := c.request(index, true, false, false); err != nil {
		return err
	}
	if c.PageState(index) == gallerycache.StateFinished {
		return nil
	}

	select {
	case err := <-w.result:
		return err
	case <-c.done:
		return gallerycache.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pageWaiter struct {
	NopListener
	index  int
	result chan error
}

func (w *pageWaiter) OnPageSuccess(index, _, _, _ int) {
	if index == w.index {
		w.send(nil)
	}
}

func (w *pageWaiter) OnPageFailure(index int, err string, _, _, _ int) {
	if index == w.index {
		w.send(fmt.Errorf("page %d: %s", index, err))
	}
}

func (w *pageWaiter) send(err error) {
	select {
	case w.result <- err:
	default:
	}
}

// CancelRequest cancels the in-flight or pending fetch of page index and
// drops it from the decode queue. Stored bytes are kept.
func (c *Coordinator) CancelRequest(index int) {
	c.jobsMu.Lock()
	c.cancelJobLocked(index)
	c.removePendingLocked(index)
	c.jobsMu.Unlock()

	c.decodeMu.Lock()
	c.decodeQueue = removeIndex(c.decodeQueue, index)
	c.decodeMu.Unlock()
}

// Preload makes indices the read-ahead window: fetches outside the window
// are cancelled and unfinished pages inside it are scheduled. It does
// nothing in download mode.
func (c *Coordinator) Preload(indices []int) {
	info := c.info.Load()
	if info == nil || c.Err() != nil {
		return
	}
	c.modeMu.Lock()
	inDownload := c.inDownload
	c.modeMu.Unlock()
	if inDownload {
		return
	}

	want := make(map[int]bool, len(indices))
	for _, i := range indices {
		want[i] = true
	}

	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()

	for index := range c.jobs {
		if !want[index] {
			c.cancelJobLocked(index)
		}
	}
	kept := c.pending[:0]
	for _, p := range c.pending {
		if want[p.index] {
			kept = append(kept, p)
		}
	}
	c.pending = kept

	var schedule []int
	c.stateMu.Lock()
	for _, i := range indices {
		if i >= 0 && i < info.Pages && c.states[i] != gallerycache.StateFinished {
			schedule = append(schedule, i)
		}
	}
	c.stateMu.Unlock()
	c.scheduleAllLocked(schedule)
}

// PageState returns the state of page index.
func (c *Coordinator) PageState(index int) gallerycache.PageState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if index < 0 || index >= len(c.states) {
		return gallerycache.StateNone
	}
	return c.states[index]
}

// Counts returns the number of finished pages, done (finished or failed)
// pages and total pages.
func (c *Coordinator) Counts() (finished, done, total int) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.finished, c.downloaded, len(c.states)
}

// setStateLocked moves page index to state and returns the event to publish
// once the locks are released. The caller holds stateMu.
func (c *Coordinator) setStateLocked(index int, state gallerycache.PageState, err error) pageEvent {
	old := c.states[index]
	c.states[index] = state

	if !old.Done() && state.Done() {
		c.downloaded++
	} else if old.Done() && !state.Done() {
		c.downloaded--
	}
	if old != gallerycache.StateFinished && state == gallerycache.StateFinished {
		c.finished++
	} else if old == gallerycache.StateFinished && state != gallerycache.StateFinished {
		c.finished--
	}

	switch state {
	case gallerycache.StateDownloading:
		delete(c.errs, index)
	case gallerycache.StateFinished, gallerycache.StateFailed:
		delete(c.progress, index)
	}

	ev := pageEvent{index: index, finished: c.finished, done: c.downloaded, total: len(c.states)}
	switch state {
	case gallerycache.StateFailed:
		ev.kind = eventPageFailure
		ev.err = gallerycache.ErrorMessage(err)
		c.errs[index] = ev.err
	case gallerycache.StateFinished:
		ev.kind = eventPageSuccess
	}
	ev.allDone = state.Done() && c.downloaded == len(c.states)
	return ev
}

// resetPage moves page index back to none without notifying listeners.
func (c *Coordinator) resetPage(index int) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if index >= 0 && index < len(c.states) {
		c.setStateLocked(index, gallerycache.StateNone, nil)
	}
}

func (c *Coordinator) reportProgress(ctx context.Context, index int, total, received, delta int64) {
	if ctx.Err() != nil {
		return
	}
	if total > 0 {
		c.stateMu.Lock()
		c.progress[index] = float64(received) / float64(total)
		c.stateMu.Unlock()
	}
	c.eachListener(func(l Listener) { l.OnPageProgress(index, total, received, delta) })
}

func removeIndex(s []int, index int) []int {
	out := s[:0]
	for _, v := range s {
		if v != index {
			out = append(out, v)
		}
	}
	return out
}
