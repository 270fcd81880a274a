package main

import (
	"fmt"
	"os"

	"github.com/walnutdb/walnutdb/internal/wal"
)

// runWal prints frame counts, pending transactions, a truncation
// recommendation, and the tail frames for the WAL at args[0]. The optional
// second argument must be the literal "tailHistory" (the default) or "all";
// both print the same frames, the last 20 the scanner keeps. A numeric tail
// length is not accepted.
func runWal(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "wal: missing <path>")
		return 1
	}
	path := args[0]
	mode := "tailHistory"
	if len(args) >= 2 {
		mode = args[1]
	}
	if mode != "tailHistory" && mode != "all" {
		fmt.Fprintf(os.Stderr, "wal: unrecognized mode %q\n", mode)
		return 1
	}

	result, err := wal.Scan(path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wal: %v\n", err)
		return 2
	}

	fmt.Printf("path: %s\n", path)
	fmt.Println("frame counts:")
	for _, op := range []wal.Opcode{wal.OpBegin, wal.OpPut, wal.OpDelete, wal.OpDropTable, wal.OpCommit} {
		fmt.Printf("  %-10s %d\n", op, result.FrameCounts[op])
	}

	if len(result.TablesSeen) > 0 {
		fmt.Println("tables seen:")
		for t := range result.TablesSeen {
			fmt.Printf("  %s\n", t)
		}
	}

	if len(result.PendingTxAtEOF) > 0 {
		fmt.Println("pending transactions at EOF (never committed):")
		for txID := range result.PendingTxAtEOF {
			fmt.Printf("  %d\n", txID)
		}
	} else {
		fmt.Println("pending transactions at EOF: none")
	}

	if result.NeedsTruncation {
		fmt.Printf("truncation recommended: yes, to offset %d\n", result.LastGoodOffset)
	} else {
		fmt.Println("truncation recommended: no")
	}

	// TailFrames is already bounded to the scanner's keep window regardless
	// of mode; "all" and "tailHistory" print the same set.
	fmt.Printf("tail frames (%d):\n", len(result.TailFrames))
	for _, f := range result.TailFrames {
		fmt.Printf("  offset=%d op=%s len=%d\n", f.Offset, f.Op, len(f.Payload))
	}

	return 0
}
