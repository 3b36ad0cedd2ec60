package main

import (
	"fmt"
	"os"

	"strata/internal/db"
	"strata/internal/inspect"
)

// dumpScan prints the live pairs of [start, end).
func dumpScan(engine *db.DB, start, end []byte) {
	iter, err := engine.Scan(start, end)
	if err != nil {
		fmt.Printf("scan error: %v\n", err)
		return
	}
	if _, err := inspect.Dump(os.Stdout, iter); err != nil {
		fmt.Printf("scan error: %v\n", err)
	}
}

func dumpFile(path string) {
	if err := inspect.DumpFile(os.Stdout, path); err != nil {
		fmt.Printf("dump error: %v\n", err)
	}
}
