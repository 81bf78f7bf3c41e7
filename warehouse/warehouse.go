package warehouse

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kjk/warehouse/log"
	"golang.org/x/sync/errgroup"
)

type IndexKind int

const (
	// IndexFile is a text file with id,partition lines
	IndexFile IndexKind = iota
	// IndexBolt is a bbolt database
	IndexBolt
)

const (
	DefaultFileIndexName = "index.csv"
	DefaultBoltIndexName = "index.bolt"

	// max number of partitions read in parallel by full scans
	scanParallelism = 4
)

type Options struct {
	// directory with partition and index files.
	// For current directory, use "."
	Dir string

	IndexKind IndexKind
	// defaults to DefaultFileIndexName or DefaultBoltIndexName
	IndexFileName string

	// number of partitions cached in memory, 0 disables the cache
	CacheSize int

	// if true, don't take a file lock on Dir. Caller must
	// guarantee there's only one writer.
	NoLock bool

	// if true, will call file.Sync() after every append
	SyncWrites bool

	// called for partition lines that don't decode into a record.
	// Calls are serialized. If nil, malformed lines are logged.
	OnMalformed func(*MalformedRecordError)
}

// Warehouse is a set of partition files and an index of id => partition.
// It's safe for concurrent use within a process. Open() takes a file
// lock so that other processes can't open it at the same time.
type Warehouse struct {
	Dir string

	opts  Options
	index Index
	cache *partitionCache
	lock  *dirLock

	mu     sync.Mutex
	closed bool
	// id => partitions that may hold copies after a failed move.
	// Cleared by Dedup()
	unsettled map[string]map[string]bool

	malformedMu sync.Mutex
	nMalformed  atomic.Int64
}

// Open opens the warehouse in opts.Dir, creating the directory if needed
func Open(opts *Options) (*Warehouse, error) {
	if opts == nil || opts.Dir == "" {
		return nil, fmt.Errorf("data directory is not set. For current directory, use '.'")
	}
	o := *opts
	dir, err := filepath.Abs(o.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for '%s': %w", o.Dir, err)
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Warehouse{
		Dir:  dir,
		opts: o,
	}
	if !o.NoLock {
		w.lock, err = lockDir(filepath.Join(dir, lockFileName))
		if err != nil {
			return nil, err
		}
	}
	w.index, err = openIndex(dir, &w.opts)
	if err != nil {
		w.lock.Unlock()
		return nil, err
	}
	w.cache, err = newPartitionCache(o.CacheSize)
	if err != nil {
		w.index.Close()
		w.lock.Unlock()
		return nil, err
	}
	log.Verbosef("opened warehouse '%s'\n", dir)
	return w, nil
}

func openIndex(dir string, o *Options) (Index, error) {
	switch o.IndexKind {
	case IndexFile:
		if o.IndexFileName == "" {
			o.IndexFileName = DefaultFileIndexName
		}
		x := NewFileIndex(filepath.Join(dir, o.IndexFileName))
		x.SyncWrites = o.SyncWrites
		return x, nil
	case IndexBolt:
		if o.IndexFileName == "" {
			o.IndexFileName = DefaultBoltIndexName
		}
		return OpenBoltIndex(filepath.Join(dir, o.IndexFileName))
	}
	return nil, fmt.Errorf("unknown index kind %d", o.IndexKind)
}

// Close closes the index and releases the file lock.
// Calling Close() more than once is a no-op.
func (w *Warehouse) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.cache.purge()
	err := w.index.Close()
	if err2 := w.lock.Unlock(); err == nil {
		err = err2
	}
	return err
}

// Index returns the index used by the warehouse
func (w *Warehouse) Index() Index {
	return w.index
}

// PartitionPath returns path of the file for partition p
func (w *Warehouse) PartitionPath(p string) string {
	return filepath.Join(w.Dir, PartitionFileName(p))
}

// IndexPath returns path of the index file
func (w *Warehouse) IndexPath() string {
	return filepath.Join(w.Dir, w.opts.IndexFileName)
}

// Partition returns the partition store for partition p
func (w *Warehouse) Partition(p string) *Partition {
	return &Partition{
		ID:          p,
		Path:        w.PartitionPath(p),
		SyncWrites:  w.opts.SyncWrites,
		OnMalformed: w.onMalformed,
	}
}

// MalformedCount returns number of malformed lines skipped since Open()
func (w *Warehouse) MalformedCount() int64 {
	return w.nMalformed.Load()
}

func (w *Warehouse) onMalformed(e *MalformedRecordError) {
	w.nMalformed.Add(1)
	w.malformedMu.Lock()
	defer w.malformedMu.Unlock()
	if w.opts.OnMalformed != nil {
		w.opts.OnMalformed(e)
		return
	}
	log.Logf("warehouse: skipping %s\n", e.Error())
}

// must be called with w.mu held
func (w *Warehouse) checkOpen() error {
	if w.closed {
		return ErrClosed
	}
	return nil
}

// readPartition returns all records of a partition, possibly from cache.
// The result must not be modified.
func (w *Warehouse) readPartition(p string) ([]Record, error) {
	if recs, ok := w.cache.get(p); ok {
		return recs, nil
	}
	recs, err := w.Partition(p).ReadAll()
	if err != nil {
		return nil, err
	}
	recs = dropEarlierCopies(recs)
	w.cache.put(p, recs)
	return recs, nil
}

// dropEarlierCopies removes records that have a later copy with the same id.
// Appends go to the end of a partition so the last copy is the latest write.
func dropEarlierCopies(recs []Record) []Record {
	last := make(map[string]int, len(recs))
	for i, r := range recs {
		last[r.ID] = i
	}
	if len(last) == len(recs) {
		return recs
	}
	res := make([]Record, 0, len(last))
	for i, r := range recs {
		if last[r.ID] == i {
			res = append(res, r)
		}
	}
	return res
}

// readPartitions reads partitions in parallel.
// res[i] are records of partitions[i].
func (w *Warehouse) readPartitions(partitions []string) ([][]Record, error) {
	res := make([][]Record, len(partitions))
	var g errgroup.Group
	g.SetLimit(scanParallelism)
	for i, p := range partitions {
		g.Go(func() error {
			recs, err := w.readPartition(p)
			res[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// Add adds a record to the partition derived from its address.
// If a record with the same id already exists, it's replaced.
func (w *Warehouse) Add(rec Record) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}

	loc, err := w.index.Lookup([]string{rec.ID})
	if err != nil {
		return err
	}
	replaced := 0
	for _, p := range sortedPartitions(loc) {
		n, err := w.modify(rec.ID, p, true, func(Record) (Record, error) {
			return rec, nil
		})
		if err != nil {
			return err
		}
		replaced += n
	}
	if replaced > 0 {
		return nil
	}
	if len(loc) > 0 {
		// dangling index entry, the record is gone
		if _, _, err := w.index.Remove(rec.ID); err != nil {
			return err
		}
	}
	return w.addNew(rec)
}

// must be called with w.mu held
func (w *Warehouse) addNew(rec Record) error {
	p := PartitionFor(rec.Address)
	// data goes first: a crash between the two writes leaves a record
	// without index entry, which RebuildIndex() can fix or the next Add()
	// of the same id replaces
	orphan, err := w.hasRecord(p, rec.ID)
	if err != nil {
		return err
	}
	if orphan {
		_, err = w.Partition(p).ReplaceLast(rec)
	} else {
		err = w.Partition(p).Append(rec)
	}
	w.cache.invalidate(p)
	if err != nil {
		return err
	}
	if err := w.index.Append(rec.ID, p); err != nil {
		return fmt.Errorf("record '%s' written to partition '%s' but not indexed: %w", rec.ID, p, err)
	}
	log.Event("wh.add", "id", rec.ID, "partition", p)
	return nil
}

// must be called with w.mu held
func (w *Warehouse) hasRecord(p string, id string) (bool, error) {
	recs, err := w.readPartition(p)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// modify applies fn to the record with id stored in partition from.
// If the address of the result maps to a different partition, the record
// is moved. indexed is true if the index has an (id, from) entry.
// Returns number of modified records, 0 if from has no record with id.
// must be called with w.mu held
func (w *Warehouse) modify(id string, from string, indexed bool, fn func(Record) (Record, error)) (int, error) {
	var updated *Record
	recs, err := w.readPartition(from)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if r.ID == id {
			res, err := fn(r)
			if err != nil {
				return 0, err
			}
			updated = &res
			break
		}
	}
	if updated == nil {
		if indexed {
			log.Verbosef("warehouse: dangling index entry '%s' => '%s'\n", id, from)
		}
		return 0, nil
	}
	if updated.ID != id {
		return 0, fmt.Errorf("%w: '%s' => '%s'", ErrImmutableID, id, updated.ID)
	}

	to := PartitionFor(updated.Address)
	if to == from {
		n, err := w.Partition(from).ReplaceLast(*updated)
		w.cache.invalidate(from)
		if err != nil {
			return 0, err
		}
		if !indexed {
			if err = w.index.Append(id, from); err != nil {
				return n, err
			}
		}
		log.Event("wh.update", "id", id, "partition", from)
		return n, nil
	}
	if err = w.move(*updated, from, to); err != nil {
		return 0, err
	}
	return 1, nil
}

// move writes rec to partition to, re-points the index and
// deletes the old copy from partition from. The new copy is written
// first so that a failure can leave a duplicate but never lose the record.
// must be called with w.mu held
func (w *Warehouse) move(rec Record, from string, to string) error {
	if err := w.Partition(to).Append(rec); err != nil {
		return err
	}
	w.cache.invalidate(to)

	partial := func(err error) error {
		w.markUnsettled(rec.ID, from, to)
		return &PartialMoveError{ID: rec.ID, From: from, To: to, Err: err}
	}
	if _, _, err := w.index.Remove(rec.ID); err != nil {
		return partial(err)
	}
	if err := w.index.Append(rec.ID, to); err != nil {
		return partial(err)
	}
	_, err := w.Partition(from).DeleteWhere(rec.ID)
	w.cache.invalidate(from)
	if err != nil {
		return partial(err)
	}
	log.Event("wh.move", "id", rec.ID, "from", from, "to", to)
	return nil
}

// must be called with w.mu held
func (w *Warehouse) markUnsettled(id string, partitions ...string) {
	if w.unsettled == nil {
		w.unsettled = map[string]map[string]bool{}
	}
	if w.unsettled[id] == nil {
		w.unsettled[id] = map[string]bool{}
	}
	for _, p := range partitions {
		w.unsettled[id][p] = true
	}
}

// Get returns the record with a given id or ErrNotFound
func (w *Warehouse) Get(id string) (Record, error) {
	recs, err := w.QueryByID([]string{id})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: '%s'", ErrNotFound, id)
	}
	return recs[len(recs)-1], nil
}

// QueryByID returns records with given ids. Only partitions that the
// index lists for those ids are read. Records are grouped by partition,
// within a partition they are in file order.
func (w *Warehouse) QueryByID(ids []string) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	return w.queryByID(ids)
}

// must be called with w.mu held
func (w *Warehouse) queryByID(ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	loc, err := w.index.Lookup(ids)
	if err != nil {
		return nil, err
	}
	partitions := sortedPartitions(loc)
	all, err := w.readPartitions(partitions)
	if err != nil {
		return nil, err
	}
	var res []Record
	for i, p := range partitions {
		want := toSet(loc[p])
		for _, r := range all[i] {
			if want[r.ID] {
				res = append(res, r)
			}
		}
	}
	return res, nil
}

type located struct {
	rec       Record
	partition string
}

// scanColumn reads all partitions and returns records whose column
// has one of the values in keys
// must be called with w.mu held
func (w *Warehouse) scanColumn(column string, keys []string) ([]located, error) {
	if err := validateColumn(column); err != nil {
		return nil, err
	}
	want := toSet(keys)
	all, err := w.readPartitions(Partitions)
	if err != nil {
		return nil, err
	}
	var res []located
	for i, p := range Partitions {
		for _, r := range all[i] {
			v, _ := r.Get(column)
			if want[v] {
				res = append(res, located{rec: r, partition: p})
			}
		}
	}
	return res, nil
}

// indexedIn returns id => partitions for ids according to the index
// must be called with w.mu held
func (w *Warehouse) indexedIn(ids []string) (map[string]map[string]bool, error) {
	loc, err := w.index.Lookup(ids)
	if err != nil {
		return nil, err
	}
	res := map[string]map[string]bool{}
	for p, pids := range loc {
		for _, id := range pids {
			if res[id] == nil {
				res[id] = map[string]bool{}
			}
			res[id][p] = true
		}
	}
	return res, nil
}

// QueryByColumn returns records whose column has one of the values in keys.
// It reads all partitions. If an id has copies in more than one partition
// (left by an interrupted move) only the copy the index points to is returned.
func (w *Warehouse) QueryByColumn(column string, keys []string) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	matches, err := w.scanColumn(column, keys)
	if err != nil {
		return nil, err
	}

	partitionsOf := map[string]map[string]bool{}
	var multi []string
	for _, m := range matches {
		id := m.rec.ID
		if partitionsOf[id] == nil {
			partitionsOf[id] = map[string]bool{}
		}
		partitionsOf[id][m.partition] = true
		if len(partitionsOf[id]) == 2 {
			multi = append(multi, id)
		}
	}
	if len(multi) == 0 {
		res := make([]Record, 0, len(matches))
		for _, m := range matches {
			res = append(res, m.rec)
		}
		return res, nil
	}

	indexed, err := w.indexedIn(multi)
	if err != nil {
		return nil, err
	}
	keep := map[string]string{}
	for _, id := range multi {
		keep[id] = pickCopy(partitionsOf[id], indexed[id])
	}
	var res []Record
	for _, m := range matches {
		if p, ok := keep[m.rec.ID]; ok && p != m.partition {
			continue
		}
		res = append(res, m.rec)
	}
	return res, nil
}

// pickCopy decides which of the partitions holding copies of a record wins:
// the one the index points to, otherwise the last one in scan order
func pickCopy(have map[string]bool, indexed map[string]bool) string {
	last := ""
	for _, p := range Partitions {
		if !have[p] {
			continue
		}
		if indexed[p] {
			return p
		}
		last = p
	}
	return last
}

// Query returns records whose column has one of the values in keys.
// For ColID it uses the index, for other columns it scans all partitions.
func (w *Warehouse) Query(column string, keys []string) ([]Record, error) {
	if column == ColID {
		return w.QueryByID(keys)
	}
	return w.QueryByColumn(column, keys)
}

// UpdateByID merges patch into the record with a given id.
// If the address changes the partition, the record is moved.
// Returns number of updated records, 0 if id is not in the warehouse.
func (w *Warehouse) UpdateByID(id string, patch Patch) (int, error) {
	if err := validatePatch(patch); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	loc, err := w.index.Lookup([]string{id})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range sortedPartitions(loc) {
		n, err := w.modify(id, p, true, func(r Record) (Record, error) {
			return r.Merge(patch)
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// UpdateByColumn merges patch into all records whose column equals value.
// Matching records are found with a full scan and then updated by id so
// that the index stays in sync.
func (w *Warehouse) UpdateByColumn(column string, value string, patch Patch) (int, error) {
	if err := validatePatch(patch); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	matches, err := w.scanColumn(column, []string{value})
	if err != nil {
		return 0, err
	}
	indexed, err := w.indexedIn(matchedIDs(matches))
	if err != nil {
		return 0, err
	}
	total := 0
	done := map[located]bool{}
	for _, m := range matches {
		key := located{rec: Record{ID: m.rec.ID}, partition: m.partition}
		if done[key] {
			continue
		}
		done[key] = true
		in := indexed[m.rec.ID]
		if len(in) > 0 && !in[m.partition] {
			// stale copy left by an interrupted move, Dedup() removes it
			continue
		}
		n, err := w.modify(m.rec.ID, m.partition, in[m.partition], func(r Record) (Record, error) {
			return r.Merge(patch)
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Update merges patch into records whose column equals value.
// Returns number of updated records.
func (w *Warehouse) Update(column string, value string, patch Patch) (int, error) {
	if column == ColID {
		return w.UpdateByID(value, patch)
	}
	return w.UpdateByColumn(column, value, patch)
}

// DeleteByID deletes all copies of the record with a given id and its
// index entry. Copies left by a failed move in this session are deleted too.
// Returns 1 if the record was deleted, 0 if id is not in the warehouse.
func (w *Warehouse) DeleteByID(id string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	loc, err := w.index.Lookup([]string{id})
	if err != nil {
		return 0, err
	}
	partitions := toSet(sortedPartitions(loc))
	for p := range w.unsettled[id] {
		partitions[p] = true
	}
	if len(partitions) == 0 {
		return 0, nil
	}
	nCopies := 0
	for _, p := range Partitions {
		if !partitions[p] {
			continue
		}
		n, err := w.Partition(p).DeleteWhere(id)
		w.cache.invalidate(p)
		if err != nil {
			return 0, err
		}
		if n == 0 && len(loc[p]) > 0 {
			log.Verbosef("warehouse: dangling index entry '%s' => '%s'\n", id, p)
		}
		nCopies += n
	}
	delete(w.unsettled, id)
	if len(loc) > 0 {
		if _, _, err = w.index.Remove(id); err != nil {
			return 0, err
		}
	}
	log.Event("wh.delete", "id", id, "copies", nCopies)
	if nCopies == 0 {
		return 0, nil
	}
	return 1, nil
}

// DeleteByColumn deletes all records whose column equals value,
// together with their index entries.
func (w *Warehouse) DeleteByColumn(column string, value string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	matches, err := w.scanColumn(column, []string{value})
	if err != nil {
		return 0, err
	}
	indexed, err := w.indexedIn(matchedIDs(matches))
	if err != nil {
		return 0, err
	}
	total := 0
	done := map[located]bool{}
	for _, m := range matches {
		id := m.rec.ID
		key := located{rec: Record{ID: id}, partition: m.partition}
		if done[key] {
			continue
		}
		done[key] = true
		n, err := w.Partition(m.partition).DeleteWhere(id)
		w.cache.invalidate(m.partition)
		if err != nil {
			return total, err
		}
		total += n
		in := indexed[id]
		// a stale copy doesn't own the index entry
		if len(in) == 0 || in[m.partition] {
			if _, _, err = w.index.Remove(id); err != nil {
				return total, err
			}
		}
		log.Event("wh.delete", "id", id, "n", n)
	}
	return total, nil
}

// Delete deletes records whose column equals value.
// Deleting something that doesn't exist is not an error, it returns 0.
func (w *Warehouse) Delete(column string, value string) (int, error) {
	if column == ColID {
		return w.DeleteByID(value)
	}
	return w.DeleteByColumn(column, value)
}

func matchedIDs(matches []located) []string {
	seen := map[string]bool{}
	var res []string
	for _, m := range matches {
		if !seen[m.rec.ID] {
			seen[m.rec.ID] = true
			res = append(res, m.rec.ID)
		}
	}
	return res
}

func toSet(a []string) map[string]bool {
	res := make(map[string]bool, len(a))
	for _, s := range a {
		res[s] = true
	}
	return res
}

// sortedPartitions returns keys of m in scan order
func sortedPartitions(m map[string][]string) []string {
	var res []string
	for _, p := range Partitions {
		if _, ok := m[p]; ok {
			res = append(res, p)
		}
	}
	return res
}
