package backup

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
)

// ErrCancelled is returned by calls subsequent to Cancel()
var ErrCancelled = errors.New("cancelled")

// stagedFile is written to a temporary file in the destination directory
// and only becomes visible under its final name after Commit().
// It also calculates sha1 of the written data.
type stagedFile struct {
	dstPath string
	dir     string
	tmpFile *os.File
	sha1    hash.Hash
	size    int64
	err     error
}

func newStagedFile(path string) (*stagedFile, error) {
	dir, fName := filepath.Split(path)
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if fName == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	tmpFile, err := os.CreateTemp(dir, fName+".restore*")
	if err != nil {
		return nil, err
	}
	return &stagedFile{
		dstPath: path,
		dir:     dir,
		tmpFile: tmpFile,
		sha1:    sha1.New(),
	}, nil
}

func (f *stagedFile) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tmpFile.Write(d)
	f.sha1.Write(d[:n])
	f.size += int64(n)
	if err != nil {
		f.err = err
	}
	return n, err
}

// Sha1Hex returns hex-encoded sha1 of data written so far
func (f *stagedFile) Sha1Hex() string {
	return fmt.Sprintf("%x", f.sha1.Sum(nil))
}

func (f *stagedFile) closed() bool {
	return f.tmpFile == nil
}

// sync and close the temp file. Must be called before Commit()
func (f *stagedFile) Finish() error {
	if f.err != nil {
		return f.err
	}
	if f.closed() {
		return ErrCancelled
	}
	// https://www.joeshaw.org/dont-defer-close-on-writable-files/
	err := f.tmpFile.Sync()
	errClose := f.tmpFile.Close()
	if err == nil {
		err = errClose
	}
	if err != nil {
		f.err = err
	}
	return err
}

// Commit renames the temp file to the destination
func (f *stagedFile) Commit() error {
	if f.err != nil {
		return f.err
	}
	if f.closed() {
		return ErrCancelled
	}
	tmpPath := f.tmpFile.Name()
	f.tmpFile = nil
	if err := os.Rename(tmpPath, f.dstPath); err != nil {
		_ = os.Remove(tmpPath)
		f.err = err
		return err
	}
	return nil
}

// Cancel removes the temp file. A no-op after Commit()
func (f *stagedFile) Cancel() {
	if f == nil || f.closed() {
		return
	}
	tmpPath := f.tmpFile.Name()
	_ = f.tmpFile.Close()
	_ = os.Remove(tmpPath)
	f.tmpFile = nil
	if f.err == nil {
		f.err = ErrCancelled
	}
}

func syncDir(dir string) {
	if d, _ := os.Open(dir); d != nil {
		_ = d.Sync()
		_ = d.Close()
	}
}
