package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/omnigres/dshash/pkg/arena"
	"github.com/omnigres/dshash/pkg/dshash"
)

var errCommandFailed = errors.New("command failed")

// REPL is the command loop. It runs interactively through liner, or over a
// fixed list of commands given with --exec.
type REPL struct {
	seg    *arena.Arena
	h      *dshash.Handle
	desc   Descriptor
	out    io.Writer
	liner  *liner.State
	failed bool
}

func newREPL(seg *arena.Arena, h *dshash.Handle, desc Descriptor, out io.Writer) *REPL {
	return &REPL{seg: seg, h: h, desc: desc, out: out}
}

// session runs the given commands, or the interactive loop when there are
// none.
func (r *REPL) session(commands []string) error {
	if len(commands) == 0 {
		return r.Run()
	}

	for _, line := range commands {
		if r.exec(line) {
			break
		}
	}

	if r.failed {
		return errCommandFailed
	}

	return nil
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dshashctl_history")
}

// Run starts the interactive loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Fprintf(r.out, "dshashctl - table %d (key_size=%d, value_size=%d, hash=%s)\n",
		r.desc.Identity, r.h.KeySize(), r.h.ValueSize(), r.desc.Hash)
	fmt.Fprintln(r.out, "Type 'help' for available commands.")
	fmt.Fprintln(r.out)

	for {
		line, err := r.liner.Prompt("dshash> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		r.liner.AppendHistory(line)

		if r.exec(line) {
			break
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

// exec runs one command line. It reports whether the session should end.
func (r *REPL) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		fmt.Fprintln(r.out, "Bye!")

		return true
	case "help", "?":
		r.printHelp()
	case "put":
		r.cmdPut(args)
	case "get":
		r.cmdGet(args)
	case "del", "delete":
		r.cmdDelete(args)
	case "scan", "ls", "list":
		r.cmdScan(args)
	case "purge":
		r.cmdPurge()
	case "len", "count":
		r.cmdLen()
	case "info":
		r.cmdInfo()
	case "bulk":
		r.cmdBulk(args)
	default:
		r.fail("Unknown command: %s (type 'help' for commands)", cmd)
	}

	return false
}

func (r *REPL) fail(format string, args ...any) {
	r.failed = true

	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"put", "get", "del", "delete",
		"scan", "ls", "list", "purge",
		"len", "count", "info", "bulk",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  put <key> [value]   Insert or update an entry")
	fmt.Fprintln(r.out, "  get <key>           Show an entry")
	fmt.Fprintln(r.out, "  del <key>           Delete an entry")
	fmt.Fprintln(r.out, "  scan [limit]        List entries")
	fmt.Fprintln(r.out, "  purge               Delete every entry")
	fmt.Fprintln(r.out, "  len                 Count entries")
	fmt.Fprintln(r.out, "  info                Show table and segment statistics")
	fmt.Fprintln(r.out, "  bulk <count>        Insert N random entries")
	fmt.Fprintln(r.out, "  help                Show this help")
	fmt.Fprintln(r.out, "  exit / quit / q     Exit")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Keys and values: hex (e.g., 'deadbeef') or plain text (e.g., 'foo').")
	fmt.Fprintln(r.out, "                 Zero-padded or truncated to their size.")
}

// parseBytes decodes hex, falling back to plain text, and pads or truncates
// the result to size.
func parseBytes(s string, size int) []byte {
	raw, err := hex.DecodeString(s)
	if err != nil {
		raw = []byte(s)
	}

	out := make([]byte, size)
	copy(out, raw)

	return out
}

// formatBytes shows printable data as quoted text without trailing zeros,
// anything else as hex.
func formatBytes(b []byte) string {
	if len(b) == 0 {
		return "(none)"
	}

	for _, c := range b {
		if c != 0 && (c < 32 || c > 126) {
			return hex.EncodeToString(b)
		}
	}

	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}

	if end == 0 {
		return "(zero)"
	}

	return strconv.Quote(string(b[:end]))
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 1 {
		r.fail("Usage: put <key> [value]")

		return
	}

	key := parseBytes(args[0], r.h.KeySize())

	value := make([]byte, r.h.ValueSize())
	if len(args) >= 2 {
		value = parseBytes(args[1], r.h.ValueSize())
	}

	it, inserted, err := r.h.FindOrInsert(key)
	if err != nil {
		r.fail("Error: %v", err)

		return
	}

	err = it.SetValue(value)
	relErr := it.Release()

	if err = errors.Join(err, relErr); err != nil {
		r.fail("Error: %v", err)

		return
	}

	if inserted {
		fmt.Fprintf(r.out, "OK: inserted %s\n", formatBytes(key))
	} else {
		fmt.Fprintf(r.out, "OK: updated %s\n", formatBytes(key))
	}
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		r.fail("Usage: get <key>")

		return
	}

	e, found, err := r.h.Get(parseBytes(args[0], r.h.KeySize()))
	if err != nil {
		r.fail("Error: %v", err)

		return
	}

	if !found {
		fmt.Fprintln(r.out, "(not found)")

		return
	}

	fmt.Fprintf(r.out, "Key:   %s\n", formatBytes(e.Key))
	fmt.Fprintf(r.out, "Value: %s\n", formatBytes(e.Value))
	fmt.Fprintf(r.out, "Hash:  %016x\n", e.Hash)
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		r.fail("Usage: del <key>")

		return
	}

	key := parseBytes(args[0], r.h.KeySize())

	existed, err := r.h.Delete(key)
	if err != nil {
		r.fail("Error: %v", err)

		return
	}

	if existed {
		fmt.Fprintf(r.out, "OK: deleted %s\n", formatBytes(key))
	} else {
		fmt.Fprintf(r.out, "OK: %s did not exist\n", formatBytes(key))
	}
}

func (r *REPL) cmdScan(args []string) {
	limit := 20

	if len(args) >= 1 {
		var err error

		limit, err = strconv.Atoi(args[0])
		if err != nil || limit <= 0 {
			r.fail("Error parsing limit: %q", args[0])

			return
		}
	}

	n := 0

	err := r.h.Range(false, func(_ *dshash.Scan, it *dshash.Item) bool {
		n++
		fmt.Fprintf(r.out, "%3d. %s = %s\n", n, formatBytes(it.Key()), formatBytes(it.Value()))

		return n < limit
	})
	if err != nil {
		r.fail("Error: %v", err)

		return
	}

	if n == 0 {
		fmt.Fprintln(r.out, "(empty)")

		return
	}

	if n == limit {
		fmt.Fprintf(r.out, "... (showing first %d, use 'scan <limit>' for more)\n", limit)
	}
}

func (r *REPL) cmdPurge() {
	deleted := 0

	var delErr error

	err := r.h.Range(true, func(s *dshash.Scan, _ *dshash.Item) bool {
		delErr = s.DeleteCurrent()
		if delErr != nil {
			return false
		}

		deleted++

		return true
	})
	if err = errors.Join(err, delErr); err != nil {
		r.fail("Error after %d deletions: %v", deleted, err)

		return
	}

	fmt.Fprintf(r.out, "OK: purged %d entries\n", deleted)
}

func (r *REPL) cmdLen() {
	n, err := r.h.Len()
	if err != nil {
		r.fail("Error: %v", err)

		return
	}

	fmt.Fprintf(r.out, "Entries: %d\n", n)
}

func (r *REPL) cmdInfo() {
	st, err := r.h.Stats()
	if err != nil {
		r.fail("Error: %v", err)

		return
	}

	seg, err := r.seg.Stats()
	if err != nil {
		r.fail("Error: %v", err)

		return
	}

	fmt.Fprintf(r.out, "Segment:          %s\n", r.seg.Path())
	fmt.Fprintf(r.out, "Table identity:   %d\n", r.h.Identity())
	fmt.Fprintf(r.out, "Key size:         %d bytes\n", r.h.KeySize())
	fmt.Fprintf(r.out, "Value size:       %d bytes\n", r.h.ValueSize())
	fmt.Fprintf(r.out, "Hash:             %s\n", r.desc.Hash)
	fmt.Fprintf(r.out, "Buckets:          %d (2^%d)\n", st.Buckets, st.SizeLog2)
	fmt.Fprintf(r.out, "Entries:          %d\n", st.Items)
	fmt.Fprintf(r.out, "Max partition:    %d\n", st.MaxPartition)
	fmt.Fprintf(r.out, "Longest chain:    %d\n", st.LongestChain)
	fmt.Fprintf(r.out, "Capacity:         %d bytes\n", seg.Capacity)
	fmt.Fprintf(r.out, "High water:       %d bytes\n", seg.HighWater)
	fmt.Fprintf(r.out, "Live:             %d bytes in %d allocations\n", seg.LiveBytes, seg.LiveAllocations)
}

func (r *REPL) cmdBulk(args []string) {
	if len(args) < 1 {
		r.fail("Usage: bulk <count>")

		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count <= 0 {
		r.fail("Error parsing count: %q", args[0])

		return
	}

	key := make([]byte, r.h.KeySize())
	value := make([]byte, r.h.ValueSize())

	start := time.Now()
	inserted := 0

	for range count {
		_, _ = rand.Read(key)
		_, _ = rand.Read(value)

		_, ok, err := r.h.Insert(key, value)
		if ok {
			inserted++
		}

		if err != nil {
			r.fail("Error after %d inserts: %v", inserted, err)

			return
		}
	}

	elapsed := time.Since(start)
	fmt.Fprintf(r.out, "OK: inserted %d entries in %v (%.0f ops/sec)\n",
		inserted, elapsed, float64(count)/elapsed.Seconds())
}
