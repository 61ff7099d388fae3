// dshashctl creates, attaches to and pokes at shared-memory hash tables.
//
// Usage:
//
//	dshashctl [opts] <segment>       Attach to the table described by <segment>.table.json
//	dshashctl new [opts] <segment>   Create a segment and a table in it
//
// Options for 'new':
//
//	    --capacity           Segment size in bytes
//	-k, --key-size           Key size in bytes
//	-s, --entry-size         Key + value size in bytes
//	    --initial-size-log2  Initial bucket count exponent (>= 7)
//	    --hash               xxhash, fnv or string
//	-c, --config             Config file (default: .dshashctl.json)
//	-C, --cwd                Directory holding .dshashctl.json
//
// Options for both:
//
//	-v, --verbose            Log table events to stderr
//	-e, --exec               Run a REPL command and exit (repeatable)
//
// Commands (in REPL):
//
//	put <key> [value]   Insert or update an entry
//	get <key>           Show an entry
//	del <key>           Delete an entry
//	scan [limit]        List entries
//	purge               Delete every entry with an exclusive scan
//	len                 Count entries
//	info                Show table and segment statistics
//	bulk <count>        Insert N random entries
//	help                Show this help
//	exit / quit / q     Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/omnigres/dshash/internal/fs"
	"github.com/omnigres/dshash/pkg/arena"
	"github.com/omnigres/dshash/pkg/dshash"
)

func main() {
	err := run(os.Args[1:], os.Environ(), os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args, env []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)

		return errors.New("missing command or segment path")
	}

	if args[0] == "new" {
		return runNew(args[1:], env, stdout, stderr)
	}

	return runOpen(args, stdout, stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  dshashctl [opts] <segment>       Attach to an existing table\n")
	fmt.Fprintf(w, "  dshashctl new [opts] <segment>   Create a segment and a table\n")
	fmt.Fprintf(w, "\nRun 'dshashctl new --help' for options when creating a table.\n")
}

// sessionFlags are shared by 'new' and open.
type sessionFlags struct {
	verbose bool
	exec    []string
}

func (s *sessionFlags) register(fset *flag.FlagSet) {
	fset.BoolVarP(&s.verbose, "verbose", "v", false, "log table events to stderr")
	fset.StringArrayVarP(&s.exec, "exec", "e", nil, "run a command and exit (repeatable)")
}

func (s *sessionFlags) logger(stderr io.Writer) *slog.Logger {
	if !s.verbose {
		return nil
	}

	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func runNew(args, env []string, stdout, stderr io.Writer) error {
	fset := flag.NewFlagSet("new", flag.ContinueOnError)
	fset.SetOutput(stderr)

	var session sessionFlags

	session.register(fset)

	capacity := fset.Uint64("capacity", 0, "segment size in bytes")
	keySize := fset.IntP("key-size", "k", 0, "key size in bytes")
	entrySize := fset.IntP("entry-size", "s", 0, "key + value size in bytes")
	sizeLog2 := fset.Int("initial-size-log2", 0, "initial bucket count exponent")
	hash := fset.String("hash", "", "hash function: xxhash, fnv or string")
	configPath := fset.StringP("config", "c", "", "config file")
	cwd := fset.StringP("cwd", "C", "", "directory to look for .dshashctl.json in")

	fset.Usage = func() {
		fmt.Fprintf(stderr, "Usage: dshashctl new [options] <segment>\n\n")
		fmt.Fprintf(stderr, "Create a segment, a table in it and its descriptor.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		return err
	}

	if fset.NArg() < 1 {
		fset.Usage()

		return errors.New("missing segment path")
	}

	segmentPath := fset.Arg(0)

	workDir := *cwd
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
	}

	logger := session.logger(stderr)

	cfg, sources, err := LoadConfig(workDir, *configPath, env)
	if err != nil {
		return err
	}

	if logger != nil {
		logger.Debug("dshashctl: config loaded", "global", sources.Global, "project", sources.Project)
	}

	if fset.Changed("capacity") {
		cfg.Capacity = *capacity
	}

	if fset.Changed("key-size") {
		cfg.KeySize = *keySize
	}

	if fset.Changed("entry-size") {
		cfg.EntrySize = *entrySize
	}

	if fset.Changed("initial-size-log2") {
		cfg.InitialSizeLog2 = *sizeLog2
	}

	if fset.Changed("hash") {
		cfg.Hash = *hash
	}

	err = validateConfig(cfg)
	if err != nil {
		return err
	}

	fsys := fs.NewReal()

	exists, err := fsys.Exists(descriptorPath(segmentPath))
	if err != nil {
		return err
	}

	if exists {
		return fmt.Errorf("table already exists: %s (use 'dshashctl %s' to attach)", descriptorPath(segmentPath), segmentPath)
	}

	seg, err := arena.Open(arena.Options{Path: segmentPath, Capacity: cfg.Capacity, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}

	defer func() { _ = seg.Close() }()

	desc := Descriptor{KeySize: cfg.KeySize, EntrySize: cfg.EntrySize, Hash: cfg.Hash}

	params, err := desc.Params()
	if err != nil {
		return err
	}

	params.InitialSizeLog2 = cfg.InitialSizeLog2
	params.Logger = logger

	h, err := dshash.Create(seg, params)
	if err != nil {
		return fmt.Errorf("creating table: %w", err)
	}

	defer func() { _ = h.Detach() }()

	desc.Identity = uint64(h.Identity())

	err = writeDescriptor(fsys, segmentPath, desc)
	if err != nil {
		return err
	}

	if len(session.exec) == 0 {
		formatted, _ := FormatConfig(cfg)
		fmt.Fprintf(stdout, "Created table %d in %s from %s with:\n%s\n\n", desc.Identity, segmentPath, sources, formatted)
	}

	return newREPL(seg, h, desc, stdout).session(session.exec)
}

func runOpen(args []string, stdout, stderr io.Writer) error {
	fset := flag.NewFlagSet("open", flag.ContinueOnError)
	fset.SetOutput(stderr)

	var session sessionFlags

	session.register(fset)

	fset.Usage = func() {
		fmt.Fprintf(stderr, "Usage: dshashctl [options] <segment>\n\n")
		fmt.Fprintf(stderr, "Attach to the table described by <segment>.table.json.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		return err
	}

	if fset.NArg() < 1 {
		fset.Usage()

		return errors.New("missing segment path")
	}

	segmentPath := fset.Arg(0)

	logger := session.logger(stderr)

	desc, err := readDescriptor(fs.NewReal(), segmentPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no table at %s (use 'dshashctl new %s' to create one)", segmentPath, segmentPath)
		}

		return err
	}

	seg, err := arena.Open(arena.Options{Path: segmentPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}

	defer func() { _ = seg.Close() }()

	params, err := desc.Params()
	if err != nil {
		return err
	}

	params.Logger = logger

	h, err := dshash.Attach(seg, dshash.Identity(desc.Identity), params)
	if err != nil {
		return fmt.Errorf("attaching table: %w", err)
	}

	defer func() { _ = h.Detach() }()

	return newREPL(seg, h, desc, stdout).session(session.exec)
}
