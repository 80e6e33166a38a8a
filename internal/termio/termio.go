// Package termio serializes terminal output from many goroutines. Progress
// bars, notices and log lines all end up on the same stream.
package termio

import (
	"io"
	"os"
	"sync"
)

type writer struct {
	file *os.File
	ch   chan []byte
	wg   sync.WaitGroup
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.wg.Add(1)
	w.ch <- buf
	return len(p), nil
}

// File returns the underlying file, for terminal detection.
func (w *writer) File() *os.File {
	return w.file
}

// flush waits until everything written so far has reached the file.
func (w *writer) flush() {
	w.wg.Wait()
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan []byte, 1024),
	}
	go func() {
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
			w.wg.Done()
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush blocks until pending output on both streams is written.
func Flush() {
	Init()
	global.stdout.flush()
	global.stderr.flush()
}

// IsTerminal reports whether w writes to a character device.
func IsTerminal(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	default:
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
