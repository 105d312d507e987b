// Package main implements the keybridge command: it runs a configured flow
// against key-expression sessions and offers one-shot query and put commands.
package main

import (
	"fmt"
	"os"
	"runtime"
)

// Build information, set with -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "keybridge"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
