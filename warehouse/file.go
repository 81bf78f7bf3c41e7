package warehouse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// returned by a forEachLine callback to stop iteration early
var errStopIteration = errors.New("stop iteration")

// forEachLine calls fn for every line in a file, without the trailing newline.
// A file that doesn't exist has no lines.
func forEachLine(path string, fn func(lineNo int, line string) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lineNo := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("error reading '%s': %w", path, err)
		}
		if line == "" && err == io.EOF {
			return nil
		}
		lineNo++
		line = strings.TrimSuffix(line, "\n")
		if ferr := fn(lineNo, line); ferr != nil {
			return ferr
		}
		if err == io.EOF {
			return nil
		}
	}
}

// appendToFile appends data to a file, creating it if needed
func appendToFile(path string, data []byte, sync bool) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	_, err = file.Write(data)
	if err != nil {
		file.Close()
		return err
	}
	if sync {
		err = file.Sync()
		if err != nil {
			file.Close()
			return err
		}
	}
	return file.Close()
}

// rewriteFile writes a new version of a file to a temporary file in the
// same directory and renames it over dstPath on Commit().
// If Commit() isn't called or fails, dstPath is not modified.
type rewriteFile struct {
	dstPath string
	dir     string
	tmpFile *os.File
	w       *bufio.Writer
	err     error
}

func newRewriteFile(path string) (*rewriteFile, error) {
	dir, fName := filepath.Split(path)
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if fName == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	tmpFile, err := os.CreateTemp(dir, fName+".tmp*")
	if err != nil {
		return nil, err
	}
	return &rewriteFile{
		dstPath: path,
		dir:     dir,
		tmpFile: tmpFile,
		w:       bufio.NewWriter(tmpFile),
	}, nil
}

// WriteLine writes s followed by a newline.
// The first error is remembered and returned by all subsequent calls.
func (f *rewriteFile) WriteLine(s string) error {
	if f.err != nil {
		return f.err
	}
	if _, err := f.w.WriteString(s); err != nil {
		f.err = err
		return err
	}
	if err := f.w.WriteByte('\n'); err != nil {
		f.err = err
	}
	return f.err
}

func (f *rewriteFile) closed() bool {
	return f.tmpFile == nil
}

// Cancel removes the temp file. A no-op after Commit().
func (f *rewriteFile) Cancel() {
	if f == nil || f.closed() {
		return
	}
	tmpPath := f.tmpFile.Name()
	_ = f.tmpFile.Close()
	_ = os.Remove(tmpPath)
	f.tmpFile = nil
}

// Commit flushes, syncs and renames the temp file over the destination
func (f *rewriteFile) Commit() error {
	if f.closed() {
		if f.err == nil {
			return errors.New("rewriteFile: already closed")
		}
		return f.err
	}
	tmpFile := f.tmpFile
	tmpPath := tmpFile.Name()
	f.tmpFile = nil

	err := f.err
	if err == nil {
		err = f.w.Flush()
	}
	// https://www.joeshaw.org/dont-defer-close-on-writable-files/
	if err == nil {
		err = tmpFile.Sync()
	}
	errClose := tmpFile.Close()
	if err == nil {
		err = errClose
	}
	if err == nil {
		err = os.Rename(tmpPath, f.dstPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		f.err = err
		return err
	}
	// sync the directory so that the rename survives a crash
	if dir, _ := os.Open(f.dir); dir != nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
