package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"strata/internal/db"
	"strata/internal/wal"
)

var commands = []string{
	"set", "get", "delete", "scan", "flush", "compact", "stats", "tables",
	"seed", "dump", "inspect", "history", "exit",
}

func main() {
	dir := flag.String("dir", "data", "database directory")
	flushThreshold := flag.Int64("flush-threshold", 64<<10, "memtable flush threshold in bytes")
	maxTiers := flag.Int("max-tiers", 4, "number of compaction tiers")
	batched := flag.Duration("sync-interval", 0, "fsync the WAL on this interval instead of on every write")
	verbose := flag.Bool("v", false, "log engine events at debug level")
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts := []db.Option{
		db.WithMemtableFlushThreshold(*flushThreshold),
		db.WithMaxTiers(*maxTiers),
		db.WithLogger(logger),
	}
	syncMode := wal.SyncEveryWrite
	if *batched > 0 {
		syncMode = wal.SyncBatched
		opts = append(opts, db.WithWALSync(syncMode, *batched))
	}

	engine, err := db.Open(*dir, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}()

	history, err := newHistory("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: history disabled: %v\n", err)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(prefix)) {
				out = append(out, c)
			}
		}
		return out
	})
	if history != nil {
		history.attach(line)
		defer func() {
			if err := history.save(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to save history: %v\n", err)
			}
		}()
	}

	fmt.Println("strata - embedded lsm key-value store")
	fmt.Printf("config: dir=%s flush_threshold=%d max_tiers=%d wal_sync=%s\n", *dir, *flushThreshold, *maxTiers, syncMode)
	fmt.Println("commands: " + strings.Join(commands, " | "))

	seedIndex := loadSeedIndex(engine)
	for {
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "input error: %v\n", err)
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if history != nil && history.add(input) {
			line.AppendHistory(input)
		}

		parts := strings.Fields(input)
		if !runCommand(engine, logger, history, parts, &seedIndex) {
			return
		}
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

// runCommand executes one REPL command and reports whether to keep going.
func runCommand(engine *db.DB, logger *zap.Logger, history *History, parts []string, seedIndex *int) bool {
	switch cmd := strings.ToLower(parts[0]); cmd {
	case "set", "put":
		if len(parts) != 3 {
			fmt.Println("usage: set <key> <value>")
			return true
		}
		if err := engine.Set([]byte(parts[1]), []byte(parts[2])); err != nil {
			fmt.Printf("set error: %v\n", err)
			return true
		}
		fmt.Println("ok")
	case "get":
		if len(parts) != 2 {
			fmt.Println("usage: get <key>")
			return true
		}
		value, err := engine.Get([]byte(parts[1]))
		if errors.Is(err, db.ErrNotFound) {
			fmt.Println("(not found)")
			return true
		}
		if err != nil {
			fmt.Printf("get error: %v\n", err)
			return true
		}
		fmt.Printf("%s\n", string(value))
	case "delete":
		if len(parts) != 2 {
			fmt.Println("usage: delete <key>")
			return true
		}
		if err := engine.Delete([]byte(parts[1])); err != nil {
			fmt.Printf("delete error: %v\n", err)
			return true
		}
		fmt.Println("ok")
	case "scan":
		if len(parts) > 3 {
			fmt.Println("usage: scan [start] [end]")
			return true
		}
		var start, end []byte
		if len(parts) > 1 && parts[1] != "-" {
			start = []byte(parts[1])
		}
		if len(parts) > 2 {
			end = []byte(parts[2])
		}
		dumpScan(engine, start, end)
	case "flush":
		if err := engine.Flush(); err != nil {
			fmt.Printf("flush error: %v\n", err)
			return true
		}
		fmt.Println("ok")
	case "compact":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := engine.Compact(ctx); err != nil {
			fmt.Printf("compact error: %v\n", err)
			return true
		}
		fmt.Println("ok")
	case "stats":
		printStats(engine)
	case "tables":
		printTables(engine)
	case "seed":
		if len(parts) != 2 {
			fmt.Println("usage: seed <x>")
			return true
		}
		x, err := strconv.Atoi(parts[1])
		if err != nil || x < 1 {
			fmt.Println("seed: x must be a positive integer")
			return true
		}
		runSeed(engine, logger, x, seedIndex)
	case "dump":
		if len(parts) != 2 {
			fmt.Println("usage: dump <file.log|file.sst>")
			return true
		}
		dumpFile(parts[1])
	case "inspect":
		if len(parts) != 2 {
			fmt.Println("usage: inspect <file.log|file.sst>")
			return true
		}
		inspectFile(parts[1])
	case "history":
		if history == nil {
			fmt.Println("history disabled")
			return true
		}
		n := 20
		if len(parts) == 2 {
			if v, err := strconv.Atoi(parts[1]); err == nil {
				n = v
			}
		}
		for i, c := range history.list(n) {
			fmt.Printf("%4d  %s\n", i+1, c)
		}
	case "exit", "quit":
		return false
	default:
		fmt.Printf("unknown command: %s\n", cmd)
	}
	return true
}
