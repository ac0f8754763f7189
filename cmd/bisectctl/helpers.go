package main

import (
	"io"

	"github.com/kbisect/kbisect/internal/output"
	"github.com/kbisect/kbisect/internal/remoteexec"
)

var outputFormat string

// newPrinter builds an output.Printer from the --format flag shared by
// every command that produces session-facing output.
func newPrinter() *output.Printer {
	return output.NewPrinter(output.ParseFormat(outputFormat))
}

// drain reads a remoteexec.Result's output to completion so its Close can
// report the exit code; used by callers that only need the exit code or a
// small payload, never a 50 MB build log.
func drain(res *remoteexec.Result) ([]byte, error) {
	return io.ReadAll(res.Output)
}
