package subprocess

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/reelgrab/reel-api/log"
)

// streamLines hands every line of src to fn without the trailing newline.
// Oversized lines are accumulated rather than dropped since the extractor's
// metadata output can exceed any fixed buffer.
func streamLines(src io.Reader, fn func(line string)) {
	r := bufio.NewReaderSize(src, 64*1024)
	var partial []byte
	for {
		chunk, err := r.ReadSlice('\n')
		partial = append(partial, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if len(partial) > 0 {
			fn(strings.TrimRight(string(partial), "\r\n"))
			partial = partial[:0]
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.LogNoJobID("subprocess output stream ended abnormally", "error", err)
			return
		}
	}
}

// ScanOutputs feeds cmd's stdout and stderr lines to the given callbacks.
// Must be called before cmd.Start. The returned func blocks until both
// streams are drained and must run before cmd.Wait.
func ScanOutputs(cmd *exec.Cmd, onStdout, onStderr func(line string)) (func(), error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdoutPipe, onStdout)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderrPipe, onStderr)
	}()
	return wg.Wait, nil
}
