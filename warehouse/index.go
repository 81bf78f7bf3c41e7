package warehouse

import (
	"fmt"
	"iter"
	"strings"

	"github.com/kjk/warehouse/log"
)

// IndexEntry maps a record id to the partition that holds it
type IndexEntry struct {
	ID        string
	Partition string
}

// Index is a persistent mapping of record id => partition id
type Index interface {
	// Lookup returns partition => ids for the ids that are in the index.
	// Ids not in the index are not in the result.
	Lookup(ids []string) (map[string][]string, error)
	// Append adds an entry. It doesn't check if id is already in the index,
	// callers must Remove() first.
	Append(id string, partition string) error
	// Remove removes entries for id and returns the partition of the
	// removed entry. found is false if id wasn't in the index.
	Remove(id string) (partition string, found bool, err error)
	// All iterates over all entries. Call the returned error function
	// after iteration to check for errors.
	All() (iter.Seq[IndexEntry], func() error)
	// Replace replaces the content of the index with entries
	Replace(entries []IndexEntry) error
	Close() error
}

// FileIndex is an Index stored as a text file with id,partition lines.
// Lookup() is a scan of the whole file, which is still much less
// than scanning partitions.
type FileIndex struct {
	Path string
	// if true, will call file.Sync() after every append
	SyncWrites bool
}

var _ Index = &FileIndex{}

func NewFileIndex(path string) *FileIndex {
	return &FileIndex{Path: path}
}

func formatIndexLine(id string, partition string) string {
	return id + "," + partition
}

// ParseIndexLine parses id,partition line
func ParseIndexLine(line string) (IndexEntry, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 || parts[0] == "" || !IsPartition(parts[1]) {
		return IndexEntry{}, &MalformedRecordError{
			Partition: "index",
			Columns:   len(parts),
			Text:      line,
		}
	}
	return IndexEntry{ID: parts[0], Partition: parts[1]}, nil
}

func (x *FileIndex) forEachEntry(fn func(e IndexEntry) error) error {
	return forEachLine(x.Path, func(lineNo int, line string) error {
		if line == "" {
			return nil
		}
		e, err := ParseIndexLine(line)
		if err != nil {
			log.Logf("index '%s' line %d: %s\n", x.Path, lineNo, err)
			return nil
		}
		return fn(e)
	})
}

func (x *FileIndex) Lookup(ids []string) (map[string][]string, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	res := map[string][]string{}
	seen := map[IndexEntry]bool{}
	err := x.forEachEntry(func(e IndexEntry) error {
		if !want[e.ID] || seen[e] {
			return nil
		}
		seen[e] = true
		res[e.Partition] = append(res[e.Partition], e.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (x *FileIndex) Append(id string, partition string) error {
	line := formatIndexLine(id, partition) + "\n"
	return appendToFile(x.Path, []byte(line), x.SyncWrites)
}

func (x *FileIndex) Remove(id string) (string, bool, error) {
	var out *rewriteFile
	partition := ""
	found := false
	err := forEachLine(x.Path, func(lineNo int, line string) error {
		var err error
		if out == nil {
			out, err = newRewriteFile(x.Path)
			if err != nil {
				return err
			}
		}
		if line == "" {
			return nil
		}
		e, err := ParseIndexLine(line)
		if err != nil {
			// keep what we don't understand
			return out.WriteLine(line)
		}
		if e.ID == id {
			partition = e.Partition
			found = true
			return nil
		}
		return out.WriteLine(line)
	})
	if err != nil || !found {
		out.Cancel()
		return "", false, err
	}
	if err = out.Commit(); err != nil {
		return "", false, err
	}
	return partition, true, nil
}

func (x *FileIndex) All() (iter.Seq[IndexEntry], func() error) {
	var iterErr error
	seq := func(yield func(IndexEntry) bool) {
		iterErr = nil
		err := x.forEachEntry(func(e IndexEntry) error {
			if !yield(e) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && err != errStopIteration {
			iterErr = err
		}
	}
	return seq, func() error { return iterErr }
}

func (x *FileIndex) Replace(entries []IndexEntry) error {
	out, err := newRewriteFile(x.Path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err = out.WriteLine(formatIndexLine(e.ID, e.Partition)); err != nil {
			out.Cancel()
			return fmt.Errorf("writing index '%s': %w", x.Path, err)
		}
	}
	return out.Commit()
}

func (x *FileIndex) Close() error {
	return nil
}
