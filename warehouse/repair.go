package warehouse

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/kjk/warehouse/log"
)

type InconsistencyKind int

const (
	// index entry points to a partition that doesn't have the record
	DanglingEntry InconsistencyKind = iota
	// record in a partition without an index entry
	MissingEntry
	// more than one index entry for the same id
	DuplicateEntry
	// record with the same id in more than one partition
	DuplicateRecord
	// record stored in a partition that its address doesn't map to
	Misplaced
)

func (k InconsistencyKind) String() string {
	switch k {
	case DanglingEntry:
		return "dangling entry"
	case MissingEntry:
		return "missing entry"
	case DuplicateEntry:
		return "duplicate entry"
	case DuplicateRecord:
		return "duplicate record"
	case Misplaced:
		return "misplaced"
	}
	return fmt.Sprintf("InconsistencyKind(%d)", int(k))
}

type Inconsistency struct {
	Kind      InconsistencyKind
	ID        string
	Partition string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s: '%s' in '%s'", i.Kind, i.ID, i.Partition)
}

// where records live: id => partitions, in scan order
type placement struct {
	ids        []string // in order of first appearance
	partitions map[string][]string
	records    map[string]map[string]Record // id => partition => last copy
}

// must be called with w.mu held
func (w *Warehouse) scanPlacement() (*placement, error) {
	all, err := w.readPartitions(Partitions)
	if err != nil {
		return nil, err
	}
	pl := &placement{
		partitions: map[string][]string{},
		records:    map[string]map[string]Record{},
	}
	for i, p := range Partitions {
		for _, r := range all[i] {
			byPart := pl.records[r.ID]
			if byPart == nil {
				byPart = map[string]Record{}
				pl.records[r.ID] = byPart
				pl.ids = append(pl.ids, r.ID)
			}
			if _, ok := byPart[p]; !ok {
				pl.partitions[r.ID] = append(pl.partitions[r.ID], p)
			}
			byPart[p] = r
		}
	}
	return pl, nil
}

// must be called with w.mu held
func (w *Warehouse) indexEntries() (map[string][]string, error) {
	res := map[string][]string{}
	entries, errFn := w.index.All()
	for e := range entries {
		res[e.ID] = append(res[e.ID], e.Partition)
	}
	return res, errFn()
}

// Check compares the index with the content of partitions
func (w *Warehouse) Check() ([]Inconsistency, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	pl, err := w.scanPlacement()
	if err != nil {
		return nil, err
	}
	idx, err := w.indexEntries()
	if err != nil {
		return nil, err
	}

	var res []Inconsistency
	add := func(kind InconsistencyKind, id string, p string) {
		res = append(res, Inconsistency{Kind: kind, ID: id, Partition: p})
	}
	for _, id := range pl.ids {
		parts := pl.partitions[id]
		if len(parts) > 1 {
			for _, p := range parts {
				add(DuplicateRecord, id, p)
			}
		}
		for _, p := range parts {
			if PartitionFor(pl.records[id][p].Address) != p {
				add(Misplaced, id, p)
			}
		}
		if len(idx[id]) == 0 {
			add(MissingEntry, id, parts[len(parts)-1])
		}
	}
	// index order doesn't matter, report in scan order of partitions
	idxIDs := slices.Sorted(maps.Keys(idx))
	for _, p := range Partitions {
		for _, id := range idxIDs {
			entries := idx[id]
			n := 0
			for _, e := range entries {
				if e == p {
					n++
				}
			}
			if n == 0 {
				continue
			}
			if _, ok := pl.records[id][p]; !ok {
				add(DanglingEntry, id, p)
			}
			if len(entries) > 1 {
				add(DuplicateEntry, id, p)
			}
		}
	}
	return res, nil
}

// winners returns id => partition of the copy that should be kept:
// the one the index points to, otherwise the last one in scan order
func winners(pl *placement, idx map[string][]string) map[string]string {
	res := map[string]string{}
	for _, id := range pl.ids {
		have := map[string]bool{}
		for _, p := range pl.partitions[id] {
			have[p] = true
		}
		res[id] = pickCopy(have, toSet(idx[id]))
	}
	return res
}

// RebuildIndex replaces the index with entries derived from partition content.
// Returns number of entries in the new index.
func (w *Warehouse) RebuildIndex() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	return w.rebuildIndex()
}

// must be called with w.mu held
func (w *Warehouse) rebuildIndex() (int, error) {
	timeStart := time.Now()
	pl, err := w.scanPlacement()
	if err != nil {
		return 0, err
	}
	idx, err := w.indexEntries()
	if err != nil {
		// an unreadable index is what we're fixing
		log.Errorf("warehouse: reading index failed with '%s', rebuilding from scratch", err)
		idx = nil
	}
	keep := winners(pl, idx)
	entries := make([]IndexEntry, 0, len(pl.ids))
	for _, id := range pl.ids {
		entries = append(entries, IndexEntry{ID: id, Partition: keep[id]})
	}
	if err = w.index.Replace(entries); err != nil {
		return 0, err
	}
	log.EventWithDuration("wh.rebuild", time.Since(timeStart), "entries", len(entries))
	return len(entries), nil
}

// Dedup removes extra copies of records: copies of an id in partitions other
// than the winning one, and earlier copies within a partition.
// The index is rebuilt afterwards. Returns number of removed records.
func (w *Warehouse) Dedup() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	pl, err := w.scanPlacement()
	if err != nil {
		return 0, err
	}
	idx, err := w.indexEntries()
	if err != nil {
		return 0, err
	}
	keep := winners(pl, idx)
	removed := 0
	for _, id := range pl.ids {
		for _, p := range pl.partitions[id] {
			if p == keep[id] {
				continue
			}
			n, err := w.Partition(p).DeleteWhere(id)
			w.cache.invalidate(p)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	for _, p := range Partitions {
		n, err := w.Partition(p).DedupLast()
		w.cache.invalidate(p)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if _, err = w.rebuildIndex(); err != nil {
		return removed, err
	}
	w.unsettled = nil
	return removed, nil
}

type PartitionStats struct {
	Partition string
	Records   int
	Malformed int
	// size of partition file in bytes, -1 if the file doesn't exist
	Size int64
}

type Stats struct {
	Partitions   []PartitionStats
	Records      int
	Malformed    int
	IndexEntries int
}

// Stats returns record counts per partition and the size of the index
func (w *Warehouse) Stats() (*Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	res := &Stats{}
	for _, p := range Partitions {
		nRecords, nMalformed, err := w.Partition(p).Count()
		if err != nil {
			return nil, err
		}
		ps := PartitionStats{
			Partition: p,
			Records:   nRecords,
			Malformed: nMalformed,
			Size:      -1,
		}
		if st, err := os.Stat(w.PartitionPath(p)); err == nil {
			ps.Size = st.Size()
		}
		res.Partitions = append(res.Partitions, ps)
		res.Records += nRecords
		res.Malformed += nMalformed
	}
	entries, errFn := w.index.All()
	for range entries {
		res.IndexEntries++
	}
	if err := errFn(); err != nil {
		return nil, err
	}
	return res, nil
}

// Snapshot calls fn with paths of partition files and the text index
// (if used) that exist on disk. No writes happen while fn runs, so
// files can be copied consistently.
func (w *Warehouse) Snapshot(fn func(dir string, files []string) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	var files []string
	for _, p := range Partitions {
		if _, err := os.Stat(w.PartitionPath(p)); err == nil {
			files = append(files, PartitionFileName(p))
		}
	}
	if w.opts.IndexKind == IndexFile {
		if _, err := os.Stat(w.IndexPath()); err == nil {
			files = append(files, w.opts.IndexFileName)
		}
	}
	return fn(w.Dir, files)
}
