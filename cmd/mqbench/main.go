// mqbench is the embedded throughput tester named in the queue's external
// interfaces: a two-mode utility that validates locking across processes
// by pushing and pulling payloads whose left half equals their right
// half, reporting any that don't.
//
// Usage:
//
//	mqbench send <queue-dir> [options]
//	mqbench receive <queue-dir> [options]
//
// Options:
//
//	-n, --count int            Total messages to send/receive (default 1000000)
//	    --min-size int          Minimum payload size in bytes, must be even (default 16)
//	    --max-size int          Maximum payload size in bytes, must be even (default 256)
//	-t, --visibility duration  Visibility timeout for a freshly created queue (default 30s)
//	-r, --retention duration   Retention period for a freshly created queue (default 1h)
package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/sharedmq/sharedmq/internal/config"
	"github.com/sharedmq/sharedmq/queue"
)

// batchSize is how many messages are processed between throughput reports,
// matching the external interface's "1,000,000-message batches" wording.
const batchSize = 1_000_000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	count      int
	minSize    int
	maxSize    int
	visibility time.Duration
	retention  time.Duration
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(os.Args) < 3 {
		printUsage()
		return errors.New("missing mode and/or queue directory")
	}

	mode := os.Args[1]
	if mode != "send" && mode != "receive" {
		printUsage()
		return fmt.Errorf("unknown mode %q, want \"send\" or \"receive\"", mode)
	}

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	count := fs.IntP("count", "n", batchSize, "total messages to send/receive")
	minSize := fs.Int("min-size", 16, "minimum payload size in bytes, must be even")
	maxSize := fs.Int("max-size", 256, "maximum payload size in bytes, must be even")
	visibility := fs.DurationP("visibility", "t", 30*time.Second, "visibility timeout for a freshly created queue")
	retention := fs.DurationP("retention", "r", time.Hour, "retention period for a freshly created queue")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mqbench %s [options] <queue-dir>\n\nOptions:\n", mode)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing queue directory")
	}

	opts := options{count: *count, minSize: *minSize, maxSize: *maxSize, visibility: *visibility, retention: *retention}
	if opts.minSize <= 0 || opts.minSize%2 != 0 || opts.maxSize < opts.minSize || opts.maxSize%2 != 0 {
		return fmt.Errorf("min-size/max-size must be positive, even, and min-size <= max-size (got %d, %d)",
			opts.minSize, opts.maxSize)
	}

	dir := fs.Arg(0)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating queue directory %s: %w", dir, err)
	}

	q, err := queue.Open(dir, config.Params{VisibilityTimeout: opts.visibility, RetentionPeriod: opts.retention})
	if err != nil {
		return fmt.Errorf("opening queue at %s: %w", dir, err)
	}
	defer q.Close()

	logger.Info("mqbench starting", "mode", mode, "dir", dir, "count", opts.count)

	if mode == "send" {
		return runSend(q, opts, logger)
	}
	return runReceive(q, opts, logger)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  mqbench send <queue-dir> [options]      Push random payloads\n")
	fmt.Fprintf(os.Stderr, "  mqbench receive <queue-dir> [options]   Pull and verify payloads\n")
	fmt.Fprintf(os.Stderr, "\nRun 'mqbench send --help' or 'mqbench receive --help' for options.\n")
}

// randomPayload returns a payload of random even length in
// [opts.minSize, opts.maxSize] whose second half is a byte-for-byte copy
// of its first half, the invariant mqbench's receive side checks.
func randomPayload(opts options) ([]byte, error) {
	span := (opts.maxSize - opts.minSize) / 2
	half := opts.minSize / 2
	if span > 0 {
		n, err := randIntn(span + 1)
		if err != nil {
			return nil, err
		}
		half += n
	}

	buf := make([]byte, 2*half)
	if _, err := rand.Read(buf[:half]); err != nil {
		return nil, fmt.Errorf("generating payload: %w", err)
	}
	copy(buf[half:], buf[:half])
	return buf, nil
}

func randIntn(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	v := uint64(0)
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return int(v % uint64(n)), nil
}

func runSend(q *queue.Queue, opts options, logger *slog.Logger) error {
	start := time.Now()
	batchStart := start

	for i := 0; i < opts.count; i++ {
		payload, err := randomPayload(opts)
		if err != nil {
			return err
		}
		if err := q.Push(0, payload); err != nil {
			return fmt.Errorf("push %d: %w", i, err)
		}

		if n := i + 1; n%batchSize == 0 {
			reportBatch(logger, "send", n, batchStart)
			batchStart = time.Now()
		}
	}

	reportTotal(logger, "send", opts.count, start)
	return nil
}

func runReceive(q *queue.Queue, opts options, logger *slog.Logger) error {
	start := time.Now()
	batchStart := start
	corrupted := 0

	for i := 0; i < opts.count; i++ {
		msg, err := q.Pull(20 * time.Second)
		if err != nil {
			return fmt.Errorf("pull %d: %w", i, err)
		}
		if msg == nil {
			return fmt.Errorf("pull %d: timed out waiting for a message", i)
		}

		if !halvesMatch(msg.Body) {
			corrupted++
			logger.Warn("corrupted message", "index", i, "len", len(msg.Body))
		}

		if err := q.Delete(msg); err != nil {
			return fmt.Errorf("delete %d: %w", i, err)
		}

		if n := i + 1; n%batchSize == 0 {
			reportBatch(logger, "receive", n, batchStart)
			batchStart = time.Now()
		}
	}

	reportTotal(logger, "receive", opts.count, start)
	if corrupted > 0 {
		return fmt.Errorf("%d corrupted messages out of %d", corrupted, opts.count)
	}
	logger.Info("no corruption detected", "count", opts.count)
	return nil
}

func halvesMatch(body []byte) bool {
	if len(body)%2 != 0 {
		return false
	}
	half := len(body) / 2
	for i := 0; i < half; i++ {
		if body[i] != body[half+i] {
			return false
		}
	}
	return true
}

func reportBatch(logger *slog.Logger, mode string, n int, batchStart time.Time) {
	elapsed := time.Since(batchStart)
	rate := float64(batchSize) / elapsed.Seconds()
	logger.Info("batch complete", "mode", mode, "total", n, "batch_elapsed", elapsed.Round(time.Millisecond), "ops_per_sec", rate)
}

func reportTotal(logger *slog.Logger, mode string, n int, start time.Time) {
	elapsed := time.Since(start)
	rate := float64(n) / elapsed.Seconds()
	logger.Info("done", "mode", mode, "count", n, "elapsed", elapsed.Round(time.Millisecond), "ops_per_sec", rate)
}
