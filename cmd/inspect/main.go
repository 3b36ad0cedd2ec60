package main

import (
	"fmt"
	"os"

	"strata/internal/inspect"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "usage: %s [-dump] <file.log|file.sst>\n", os.Args[0])
		os.Exit(1)
	}

	var err error
	if os.Args[1] == "-dump" && len(os.Args) == 3 {
		err = inspect.DumpFile(os.Stdout, os.Args[2])
	} else {
		err = inspect.File(os.Stdout, os.Args[len(os.Args)-1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
