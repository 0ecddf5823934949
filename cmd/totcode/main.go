// totcode runs tree-of-thought code generation over benchmark datasets.
//
// Usage:
//
//	totcode run --dataset data/mbppplus.jsonl --start 900 --end 1000
//	totcode run --config totcode.yaml --workers 8 --start-delay 5s
//	totcode merge --dataset data/lcb.jsonl --result-dir logs/code --pattern '*_lcb_*.jsonl' -o merged.jsonl
//	totcode pricing --model gpt-4o --prompt-tokens 120000 --completion-tokens 30000
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
