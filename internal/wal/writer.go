package wal

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/walnutdb/walnutdb/internal/config"
	"github.com/walnutdb/walnutdb/internal/errs"
)

// Batch is a caller-assembled sequence of frames (already encoded via
// BeginPayload/PutPayload/... and wrapped with encodeFrame through Frame)
// submitted together as one transaction's durability unit.
type Batch struct {
	Frames     [][]byte
	Durability config.Durability
}

// Frame encodes one opcode+payload pair into frame bytes ready to append to
// a Batch.
func Frame(op Opcode, payload []byte) []byte {
	return encodeFrame(op, payload)
}

// Handle is returned by Submit; callers call Wait to learn whether their
// batch reached the requested durability level.
type Handle struct {
	done chan error
}

// Wait blocks until the submitting batch's durability requirement is
// satisfied (or the writer failed), returning that outcome.
func (h *Handle) Wait() error {
	return <-h.done
}

type pendingBatch struct {
	frames     [][]byte
	durability config.Durability
	done       chan error
}

// Writer is WalnutDB's group-commit WAL append pipeline: a single consumer
// goroutine batches concurrently Submit-ed transactions within a group
// window, appends them contiguously, and fsyncs once per group at the
// strictest durability level requested by any batch in it.
//
// Built on a buffered append + background sync loop over a single file,
// generalized to multiple concurrent producers each awaiting their own
// durability level.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	dir      string
	path     string
	closed   bool
	failErr  error
	pending  []*pendingBatch
	wake     chan struct{}
	groupWin time.Duration
	log      *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup

	offset int64
}

// Open opens (creating if absent) the WAL file at path for group-commit
// appends and starts its consumer loop.
func Open(path string, opts config.Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &errs.IoFailure{Op: "open wal", Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &errs.IoFailure{Op: "stat wal", Err: err}
	}
	w := &Writer{
		file:     f,
		dir:      filepath.Dir(path),
		path:     path,
		wake:     make(chan struct{}, 1),
		groupWin: opts.GroupWindow,
		log:      opts.Logger,
		stopCh:   make(chan struct{}),
		offset:   st.Size(),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Submit enqueues a batch of frames for group-commit append and returns a
// Handle that completes once the batch has reached its requested
// durability level.
func (w *Writer) Submit(b Batch) *Handle {
	h := &Handle{done: make(chan error, 1)}
	w.mu.Lock()
	if w.closed || w.failErr != nil {
		w.mu.Unlock()
		h.done <- errOrClosed(w.failErr)
		return h
	}
	w.pending = append(w.pending, &pendingBatch{frames: b.Frames, durability: b.Durability, done: h.done})
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return h
}

func errOrClosed(failErr error) error {
	if failErr != nil {
		return failErr
	}
	return &errs.IoFailure{Op: "wal", Err: os.ErrClosed}
}

// run is the single consumer loop: wait for the group window (or a wake
// signal), drain pending batches, append them contiguously, fsync to the
// strictest durability level requested, and complete every handle in
// submission order.
func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.wake:
		case <-w.stopCh:
			w.drainAndCommit()
			return
		}
		if w.groupWin > 0 {
			timer := time.NewTimer(w.groupWin)
			select {
			case <-timer.C:
			case <-w.stopCh:
				timer.Stop()
				w.drainAndCommit()
				return
			}
		}
		w.drainAndCommit()
	}
}

func (w *Writer) drainAndCommit() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	file := w.file
	w.mu.Unlock()

	var buf []byte
	maxDurability := config.DurabilityNone
	for _, pb := range batch {
		for _, fr := range pb.frames {
			buf = append(buf, fr...)
		}
		if pb.durability > maxDurability {
			maxDurability = pb.durability
		}
	}

	_, writeErr := file.Write(buf)
	if writeErr != nil {
		err := &errs.IoFailure{Op: "append wal frames", Err: writeErr}
		w.failAll(batch, err)
		return
	}
	w.mu.Lock()
	w.offset += int64(len(buf))
	w.mu.Unlock()

	if maxDurability >= config.DurabilitySafe {
		if err := file.Sync(); err != nil {
			wrapped := &errs.IoFailure{Op: "fsync wal", Err: err}
			w.failAll(batch, wrapped)
			return
		}
	}
	if maxDurability >= config.DurabilityParanoid {
		if err := syncDir(w.dir); err != nil {
			wrapped := &errs.IoFailure{Op: "fsync wal directory", Err: err}
			w.failAll(batch, wrapped)
			return
		}
	}

	for _, pb := range batch {
		pb.done <- nil
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// failAll completes every handle in batch with err and marks the writer
// permanently failed — the group-commit pipeline guarantee that "if the
// consumer fails, all outstanding handles fail with the same error" also
// applies to every future Submit.
func (w *Writer) failAll(batch []*pendingBatch, err error) {
	w.mu.Lock()
	w.failErr = err
	still := w.pending
	w.pending = nil
	w.mu.Unlock()

	if w.log != nil {
		w.log.Errorw("wal writer failed", "error", err)
	}
	for _, pb := range batch {
		pb.done <- err
	}
	for _, pb := range still {
		pb.done <- err
	}
}

// Offset returns the writer's current append offset.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Close stops the consumer loop, flushing any pending batch, then syncs and
// closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.wg.Wait()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil
	if syncErr != nil {
		return &errs.IoFailure{Op: "close wal sync", Err: syncErr}
	}
	if closeErr != nil {
		return &errs.IoFailure{Op: "close wal", Err: closeErr}
	}
	return nil
}
