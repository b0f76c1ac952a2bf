// qinspect is an interactive REPL for poking at a queue directory during
// development.
//
// Usage:
//
//	qinspect [opts] <queue-dir>
//
// Options:
//
//	-t, --visibility duration   Visibility timeout for a freshly created queue (default: 30s)
//	-r, --retention duration    Retention period for a freshly created queue (default: 1h)
//
// Commands (in REPL):
//
//	push <body> [delayMs]   Enqueue body, visible after delayMs (default 0)
//	pull [timeoutMs]        Wait up to timeoutMs (default 0) for a message
//	delete <id>             Delete the pulled message with the given handle
//	stat                    Show live/free/header/journal counts
//	bulk <count> [prefix]   Push N messages "<prefix>-<i>"
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/sharedmq/sharedmq/internal/config"
	"github.com/sharedmq/sharedmq/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fs := flag.NewFlagSet("qinspect", flag.ExitOnError)
	visibility := fs.DurationP("visibility", "t", 30*time.Second, "visibility timeout for a freshly created queue")
	retention := fs.DurationP("retention", "r", time.Hour, "retention period for a freshly created queue")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: qinspect [options] <queue-dir>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing queue directory")
	}

	dir := fs.Arg(0)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating queue directory %s: %w", dir, err)
	}

	q, err := queue.Open(dir, config.Params{VisibilityTimeout: *visibility, RetentionPeriod: *retention})
	if err != nil {
		return fmt.Errorf("opening queue at %s: %w", dir, err)
	}
	defer q.Close()

	logger.Info("queue opened", "dir", dir, "visibility", *visibility, "retention", *retention)

	repl := &repl{queue: q, dir: dir, logger: logger}
	return repl.run()
}

// repl drives an interactive session against a single open queue, caching
// pulled-but-undeleted messages under small integer handles so a developer
// can type "delete 0" instead of juggling opaque message identities.
type repl struct {
	queue  *queue.Queue
	dir    string
	logger *slog.Logger
	liner  *liner.State
	pulled []*queue.Message
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".qinspect_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("qinspect - queue CLI (dir=%s)\n", r.dir)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("qinspect> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()
			fmt.Println("Bye!")
			return nil
		case "help", "?":
			r.printHelp()
		case "push":
			r.cmdPush(args)
		case "pull":
			r.cmdPull(args)
		case "delete", "del":
			r.cmdDelete(args)
		case "stat":
			r.cmdStat()
		case "bulk":
			r.cmdBulk(args)
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"push", "pull", "delete", "del", "stat", "bulk", "help", "exit", "quit", "q"}
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  push <body> [delayMs]   Enqueue body, visible after delayMs (default 0)")
	fmt.Println("  pull [timeoutMs]        Wait up to timeoutMs (default 0) for a message")
	fmt.Println("  delete <id>             Delete the pulled message with the given handle")
	fmt.Println("  stat                    Show live/free/header/journal counts")
	fmt.Println("  bulk <count> [prefix]   Push N messages \"<prefix>-<i>\"")
	fmt.Println("  help                    Show this help")
	fmt.Println("  exit / quit / q         Exit")
}

func (r *repl) cmdPush(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: push <body> [delayMs]")
		return
	}

	delay := time.Duration(0)
	if len(args) >= 2 {
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Printf("Error: delayMs must be an integer: %v\n", err)
			return
		}
		delay = time.Duration(ms) * time.Millisecond
	}

	if err := r.queue.Push(delay, []byte(args[0])); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (r *repl) cmdPull(args []string) {
	timeout := time.Duration(0)
	if len(args) >= 1 {
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Printf("Error: timeoutMs must be an integer: %v\n", err)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	msg, err := r.queue.Pull(timeout)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if msg == nil {
		fmt.Println("(no message)")
		return
	}

	handle := len(r.pulled)
	r.pulled = append(r.pulled, msg)
	fmt.Printf("[%d] %q\n", handle, msg.Body)
}

func (r *repl) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: delete <id>")
		return
	}

	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 0 || idx >= len(r.pulled) || r.pulled[idx] == nil {
		fmt.Printf("Error: no pulled message with handle %s\n", args[0])
		return
	}

	if err := r.queue.Delete(r.pulled[idx]); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	r.pulled[idx] = nil
	fmt.Println("OK")
}

func (r *repl) cmdStat() {
	s, err := r.queue.Stat()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("live=%d free=%d headers=%d journal=%d bytes\n", s.LiveMessages, s.FreeSlots, s.HeaderSlots, s.JournalSize)
}

func (r *repl) cmdBulk(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bulk <count> [prefix]")
		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")
		return
	}

	prefix := "msg"
	if len(args) >= 2 {
		prefix = args[1]
	}

	start := time.Now()
	for i := 0; i < count; i++ {
		body := fmt.Sprintf("%s-%d", prefix, i)
		if err := r.queue.Push(0, []byte(body)); err != nil {
			fmt.Printf("Error at entry %d: %v\n", i+1, err)
			return
		}
	}
	elapsed := time.Since(start)
	rate := float64(count) / elapsed.Seconds()
	fmt.Printf("OK: pushed %d entries in %v (%.0f ops/sec)\n", count, elapsed.Round(time.Millisecond), rate)
}
