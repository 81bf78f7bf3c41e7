// Package backup writes and restores consistent snapshots of a warehouse
// directory, optionally compressed and stored in S3-compatible storage.
package backup

import (
	"bufio"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kjk/warehouse/log"
	"github.com/kjk/warehouse/warehouse"
	"github.com/tidwall/pretty"
)

const (
	snapshotMagic   = "warehouse-snapshot"
	snapshotVersion = 1

	// manifest is json describing a few files, anything larger is garbage
	maxManifestSize = 16 * 1024 * 1024
)

var (
	// ErrBadSnapshot is returned when the snapshot stream can't be parsed
	ErrBadSnapshot = errors.New("not a valid snapshot")
	// ErrChecksum is returned when size or sha1 of a restored file doesn't
	// match the manifest
	ErrChecksum = errors.New("checksum mismatch")
)

// ManifestFile describes a single file in a snapshot
type ManifestFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Sha1 string `json:"sha1"`
}

// Manifest is the header of a snapshot. File data follows it in the
// same order as Files.
type Manifest struct {
	Version   int            `json:"version"`
	CreatedMs int64          `json:"created"`
	Files     []ManifestFile `json:"files"`
}

// Created returns snapshot creation time
func (m *Manifest) Created() time.Time {
	return time.UnixMilli(m.CreatedMs)
}

// TotalSize returns uncompressed size of all files
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// only plain file names, no directories
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid file name '%s'", ErrBadSnapshot, name)
	}
	return nil
}

func sha1HexOfBytes(d []byte) string {
	return fmt.Sprintf("%x", sha1.Sum(d))
}

// Export writes a snapshot of files in dir to w.
// Files are read fully into memory.
func Export(w io.Writer, dir string, files []string, c Compression) (*Manifest, error) {
	m := &Manifest{
		Version:   snapshotVersion,
		CreatedMs: time.Now().UnixMilli(),
	}
	var datas [][]byte
	for _, name := range files {
		if err := validateName(name); err != nil {
			return nil, err
		}
		d, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, ManifestFile{
			Name: name,
			Size: int64(len(d)),
			Sha1: sha1HexOfBytes(d),
		})
		datas = append(datas, d)
	}

	manifest, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	manifest = pretty.Pretty(manifest)

	cw, err := compressWriter(w, c)
	if err != nil {
		return nil, err
	}
	hdr := fmt.Sprintf("%s %d\n%d\n", snapshotMagic, snapshotVersion, len(manifest))
	if _, err = io.WriteString(cw, hdr); err != nil {
		return nil, err
	}
	if _, err = cw.Write(manifest); err != nil {
		return nil, err
	}
	for _, d := range datas {
		if _, err = cw.Write(d); err != nil {
			return nil, err
		}
	}
	if err = cw.Close(); err != nil {
		return nil, err
	}
	return m, nil
}

// ExportWarehouse writes a snapshot of partition files and the index of wh.
// Writes to wh are blocked until the snapshot is written.
func ExportWarehouse(w io.Writer, wh *warehouse.Warehouse, c Compression) (*Manifest, error) {
	timeStart := time.Now()
	var m *Manifest
	err := wh.Snapshot(func(dir string, files []string) error {
		var err error
		m, err = Export(w, dir, files, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.EventWithDuration("wh.backup", time.Since(timeStart), "files", len(m.Files), "size", m.TotalSize(), "compression", c.String())
	return m, nil
}

// ExportToFile writes a snapshot of wh to path. Compression is
// based on the extension of path, see CompressionFromName.
func ExportToFile(path string, wh *warehouse.Warehouse) (*Manifest, error) {
	f, err := newStagedFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Cancel()
	m, err := ExportWarehouse(f, wh, CompressionFromName(path))
	if err != nil {
		return nil, err
	}
	if err = f.Finish(); err != nil {
		return nil, err
	}
	if err = f.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

func readManifest(br *bufio.Reader) (*Manifest, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSnapshot, err)
	}
	exp := fmt.Sprintf("%s %d\n", snapshotMagic, snapshotVersion)
	if line != exp {
		return nil, fmt.Errorf("%w: unexpected header '%s'", ErrBadSnapshot, strings.TrimSpace(line))
	}
	line, err = br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSnapshot, err)
	}
	size, err := strconv.Atoi(strings.TrimSuffix(line, "\n"))
	if err != nil || size < 0 || size > maxManifestSize {
		return nil, fmt.Errorf("%w: invalid manifest size '%s'", ErrBadSnapshot, strings.TrimSpace(line))
	}
	d := make([]byte, size)
	if _, err = io.ReadFull(br, d); err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %s", ErrBadSnapshot, err)
	}
	var m Manifest
	if err = json.Unmarshal(d, &m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSnapshot, err)
	}
	if m.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, m.Version)
	}
	for _, f := range m.Files {
		if err = validateName(f.Name); err != nil {
			return nil, err
		}
		if f.Size < 0 {
			return nil, fmt.Errorf("%w: negative size of '%s'", ErrBadSnapshot, f.Name)
		}
	}
	return &m, nil
}

// Restore reads a snapshot from r and writes its files to dir.
// Files are only written if all of them match size and sha1 from the manifest,
// otherwise dir is not modified.
// Partition and index files in dir that are not in the snapshot are removed
// so that dir holds exactly the snapshot. Other files are left alone.
// dir must not be used by an open Warehouse. A snapshot of a warehouse with
// a bolt index doesn't include the index, call RebuildIndex after opening.
func Restore(r io.Reader, dir string, c Compression) (*Manifest, error) {
	dr, err := decompressReader(r, c)
	if err != nil {
		return nil, err
	}
	defer dr.Close()
	br := bufio.NewReader(dr)

	m, err := readManifest(br)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var staged []*stagedFile
	defer func() {
		for _, f := range staged {
			f.Cancel()
		}
	}()
	for _, mf := range m.Files {
		f, err := newStagedFile(filepath.Join(dir, mf.Name))
		if err != nil {
			return nil, err
		}
		staged = append(staged, f)
		_, err = io.CopyN(f, br, mf.Size)
		if err == io.EOF {
			return nil, fmt.Errorf("%w: '%s' is truncated", ErrBadSnapshot, mf.Name)
		}
		if err != nil {
			return nil, err
		}
		if got := f.Sha1Hex(); got != mf.Sha1 {
			return nil, fmt.Errorf("%w: '%s' expected sha1 %s, got %s", ErrChecksum, mf.Name, mf.Sha1, got)
		}
		if err = f.Finish(); err != nil {
			return nil, err
		}
	}

	for _, f := range staged {
		if err = f.Commit(); err != nil {
			return nil, err
		}
	}
	if err = removeStaleFiles(dir, m); err != nil {
		return nil, err
	}
	syncDir(dir)
	log.Verbosef("restored %d files to '%s'\n", len(m.Files), dir)
	return m, nil
}

// warehouseFileNames returns names of files a warehouse keeps in its dir
func warehouseFileNames() []string {
	var res []string
	for _, p := range warehouse.Partitions {
		res = append(res, warehouse.PartitionFileName(p))
	}
	return append(res, warehouse.DefaultFileIndexName, warehouse.DefaultBoltIndexName)
}

// removeStaleFiles removes warehouse files in dir that are not part of m
func removeStaleFiles(dir string, m *Manifest) error {
	inSnapshot := map[string]bool{}
	for _, f := range m.Files {
		inSnapshot[f.Name] = true
	}
	for _, name := range warehouseFileNames() {
		if inSnapshot[name] {
			continue
		}
		err := os.Remove(filepath.Join(dir, name))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if err == nil {
			log.Verbosef("restore: removed '%s', not in the snapshot\n", name)
		}
	}
	return nil
}

// RestoreFromFile restores a snapshot written by ExportToFile
func RestoreFromFile(path string, dir string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Restore(f, dir, CompressionFromName(path))
}
