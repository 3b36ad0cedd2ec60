package main

import (
	"fmt"
	"os"

	"strata/internal/db"
	"strata/internal/inspect"
)

func inspectFile(path string) {
	if err := inspect.File(os.Stdout, path); err != nil {
		fmt.Printf("inspect error: %v\n", err)
	}
	fmt.Println()
}

// printTables lists the live table set, newest first.
func printTables(engine *db.DB) {
	v := engine.Manifest().Current()
	fmt.Printf("log_number=%d next_file=%d last_seq=%d\n", v.LogNumber, v.NextFileNumber, v.LastSequence)
	for _, fm := range v.Files() {
		fmt.Printf("T%d %s  %8d bytes  %6d entries  seq %d..%d  keys %q..%q\n",
			fm.Tier, engine.Manifest().TablePath(fm), fm.Size, fm.EntryCount,
			fm.SmallestSeq, fm.LargestSeq, fm.SmallestKey, fm.LargestKey)
	}
}

func printStats(engine *db.DB) {
	s := engine.Stats()
	fmt.Printf("memtable: %d entries, %d bytes", s.MemtableEntries, s.MemtableBytes)
	if s.ImmutablePending {
		fmt.Printf(" (+%d bytes flushing)", s.ImmutableBytes)
	}
	fmt.Println()
	fmt.Printf("wal: segment %d, log number %d\n", s.WALSegment, s.LogNumber)
	fmt.Printf("next seq: %d  flushes: %d  compactions: %d\n", s.NextSeq, s.Flushes, s.Compactions)
	for _, ts := range s.Tiers {
		fmt.Printf("tier %d: %d tables, %d bytes\n", ts.Tier, ts.Tables, ts.Bytes)
	}
}
