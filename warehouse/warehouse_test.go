package warehouse

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/kjk/warehouse/require"
)

func openTestWarehouse(t *testing.T, opts Options) *Warehouse {
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	w, err := Open(&opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Close()
	})
	return w
}

// scanAllPartitions returns records from all partitions, bypassing the index and cache
func scanAllPartitions(t *testing.T, w *Warehouse) map[string][]Record {
	res := map[string][]Record{}
	for _, p := range Partitions {
		recs, err := w.Partition(p).ReadAll()
		require.NoError(t, err)
		if len(recs) > 0 {
			res[p] = recs
		}
	}
	return res
}

func partitionExists(w *Warehouse, p string) bool {
	_, err := os.Stat(w.PartitionPath(p))
	return err == nil
}

func sortByID(recs []Record) []Record {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ID < recs[j].ID
	})
	return recs
}

var (
	recA = Record{ID: "1", Name: "A", Address: "1 Main St, 90210", Email: "a@x.com"}
	recB = Record{ID: "2", Name: "B", Address: "350 5th Ave\nNew York 10118", Email: "b@x.com"}
	recC = Record{ID: "3", Name: "C", Address: "unknown", Email: "c@x.com"}
	recD = Record{ID: "4", Name: "A", Address: "12 Oak Rd 60601", Email: "d@x.com"}
)

func addAll(t *testing.T, w *Warehouse, recs ...Record) {
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(&Options{})
	require.Error(t, err)
	_, err = Open(nil)
	require.Error(t, err)
}

func TestAddThenQueryByID(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	require.NoError(t, w.Add(recA))

	recs, err := w.Query(ColID, []string{"1"})
	require.NoError(t, err)
	require.Equal(t, []Record{recA}, recs)

	got, err := w.Get("1")
	require.NoError(t, err)
	require.Equal(t, recA, got)

	require.Equal(t, "1,A,1 Main St, 90210,a@x.com\n", readFileString(t, w.PartitionPath("9")))
	require.Equal(t, "1,9\n", readFileString(t, w.IndexPath()))
}

func TestAddPlacesByZip(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recA, recB, recC, recD)

	got := scanAllPartitions(t, w)
	require.Equal(t, map[string][]Record{
		"9": {recA},
		"1": {recB},
		"x": {recC},
		"6": {recD},
	}, got)
	require.False(t, partitionExists(w, "0"))
}

func TestAddValidatesID(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	require.ErrorIs(t, w.Add(Record{Name: "no id"}), ErrMissingID)
	require.ErrorIs(t, w.Add(Record{ID: "a,b"}), ErrInvalidID)
	require.False(t, partitionExists(w, "x"))
}

func TestQueryByIDDoesNotReadPartitions(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	recs, err := w.QueryByID([]string{"missing"})
	require.NoError(t, err)
	require.Len(t, recs, 0)
	for _, p := range Partitions {
		require.False(t, partitionExists(w, p))
	}

	// a partition that's not in the index is never read, even if broken
	require.NoError(t, w.Add(recB))
	require.NoError(t, os.WriteFile(w.PartitionPath("5"), []byte("garbage\n"), 0644))
	recs, err = w.QueryByID([]string{"2"})
	require.NoError(t, err)
	require.Equal(t, []Record{recB}, recs)
	require.Equal(t, int64(0), w.MalformedCount())

	_, err = w.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryByColumn(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB, recC, recD)
	a2 := Record{ID: "5", Name: "A", Address: "77001 Houston", Email: "e@x.com"}
	addAll(t, w, a2)

	recs, err := w.Query(ColName, []string{"A"})
	require.NoError(t, err)
	require.Equal(t, []Record{recD, a2}, sortByID(recs))

	recs, err = w.Query(ColEmail, []string{"b@x.com", "c@x.com", "nobody@x.com"})
	require.NoError(t, err)
	require.Equal(t, []Record{recB, recC}, sortByID(recs))

	recs, err = w.Query(ColAddress, []string{"350 5th Ave\nNew York 10118"})
	require.NoError(t, err)
	require.Equal(t, []Record{recB}, recs)

	// scanning by id gives the same result as the index
	recs, err = w.QueryByColumn(ColID, []string{"3"})
	require.NoError(t, err)
	require.Equal(t, []Record{recC}, recs)

	_, err = w.Query("phone", []string{"555"})
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestUpdateInPlace(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB, recC)

	n, err := w.Update(ColID, "2", Patch{"email": "b2@x.com"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	exp := recB
	exp.Email = "b2@x.com"
	got, err := w.Get("2")
	require.NoError(t, err)
	require.Equal(t, exp, got)
	require.Equal(t, map[string][]Record{"1": {exp}, "x": {recC}}, scanAllPartitions(t, w))
}

func TestUpdateRelocatesOnAddressChange(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	r := Record{ID: "7", Name: "G", Address: "9 Palm Dr 90210", Email: "g@x.com"}
	require.NoError(t, w.Add(r))

	n, err := w.Update(ColID, "7", Patch{"address": "5 Broadway 10001"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	exp := r
	exp.Address = "5 Broadway 10001"
	recs, err := w.QueryByID([]string{"7"})
	require.NoError(t, err)
	require.Equal(t, []Record{exp}, recs)

	recs9, err := w.Partition("9").ReadAll()
	require.NoError(t, err)
	require.Len(t, recs9, 0)
	recs1, err := w.Partition("1").ReadAll()
	require.NoError(t, err)
	require.Equal(t, []Record{exp}, recs1)
	require.Equal(t, "7,1\n", readFileString(t, w.IndexPath()))

	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
}

func TestUpdateNotFound(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB)
	n, err := w.Update(ColID, "nope", Patch{"name": "Z"})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	n, err = w.Update(ColName, "nobody", Patch{"name": "Z"})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, map[string][]Record{"1": {recB}}, scanAllPartitions(t, w))
}

func TestUpdateRejectsBadPatch(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB)
	_, err := w.Update(ColID, "2", Patch{"phone": "555"})
	require.ErrorIs(t, err, ErrUnknownColumn)
	_, err = w.Update(ColID, "2", Patch{"id": "22"})
	require.ErrorIs(t, err, ErrImmutableID)
	// setting id to the same value is fine
	n, err := w.Update(ColID, "2", Patch{"id": "2", "name": "BB"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpdateByColumnKeepsIndexInSync(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	a2 := Record{ID: "5", Name: "A", Address: "77001 Houston", Email: "e@x.com"}
	addAll(t, w, recB, recD, a2)

	// moves both "A" records to partition 3
	n, err := w.Update(ColName, "A", Patch{"address": "30301 Atlanta"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	recs, err := w.QueryByID([]string{"4", "5"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.Equal(t, "30301 Atlanta", r.Address)
	}
	got := scanAllPartitions(t, w)
	require.Len(t, got, 2)
	require.Len(t, got["3"], 2)

	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
}

func TestAddReplacesExistingID(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB)

	// same partition
	b2 := Record{ID: "2", Name: "B2", Address: "11111", Email: "b2@x.com"}
	require.NoError(t, w.Add(b2))
	// different partition
	b3 := Record{ID: "2", Name: "B3", Address: "44444", Email: "b3@x.com"}
	require.NoError(t, w.Add(b3))

	recs, err := w.Query(ColID, []string{"2"})
	require.NoError(t, err)
	require.Equal(t, []Record{b3}, recs)
	require.Equal(t, map[string][]Record{"4": {b3}}, scanAllPartitions(t, w))
	require.Equal(t, "2,4\n", readFileString(t, w.IndexPath()))
}

func TestDeleteByID(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB, recC, recD)

	n, err := w.Delete(ColID, "2")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recs, err := w.QueryByID([]string{"2"})
	require.NoError(t, err)
	require.Len(t, recs, 0)
	for _, recs := range scanAllPartitions(t, w) {
		for _, r := range recs {
			require.NotEqual(t, "2", r.ID)
		}
	}
	// emptied partition is kept
	require.True(t, partitionExists(w, "1"))

	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
}

func TestDeleteIsIdempotent(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB)
	before := readFileString(t, w.IndexPath())

	for i := 0; i < 2; i++ {
		n, err := w.Delete(ColID, "nope")
		require.NoError(t, err)
		require.Equal(t, 0, n)
		n, err = w.Delete(ColEmail, "nope@x.com")
		require.NoError(t, err)
		require.Equal(t, 0, n)
	}
	require.Equal(t, before, readFileString(t, w.IndexPath()))
	require.Equal(t, map[string][]Record{"1": {recB}}, scanAllPartitions(t, w))

	_, err := w.Delete("phone", "555")
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestDeleteByColumnRemovesIndexEntries(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	a2 := Record{ID: "5", Name: "A", Address: "77001 Houston", Email: "e@x.com"}
	addAll(t, w, recB, recD, a2)

	n, err := w.Delete(ColName, "A")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, map[string][]Record{"1": {recB}}, scanAllPartitions(t, w))
	require.Equal(t, "2,1\n", readFileString(t, w.IndexPath()))
	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
}

func TestDanglingIndexEntry(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB)
	// record disappears behind the index's back
	require.NoError(t, os.WriteFile(w.PartitionPath("1"), nil, 0644))

	recs, err := w.QueryByID([]string{"2"})
	require.NoError(t, err)
	require.Len(t, recs, 0)

	n, err := w.Update(ColID, "2", Patch{"name": "X"})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	issues, err := w.Check()
	require.NoError(t, err)
	require.Equal(t, []Inconsistency{{Kind: DanglingEntry, ID: "2", Partition: "1"}}, issues)

	n, err = w.Delete(ColID, "2")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	// the dangling entry is gone
	require.Equal(t, "", readFileString(t, w.IndexPath()))
}

func TestAddOverDanglingIndexEntry(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	addAll(t, w, recB)
	require.NoError(t, os.WriteFile(w.PartitionPath("1"), nil, 0644))

	require.NoError(t, w.Add(recC))
	require.NoError(t, w.Add(recB))
	recs, err := w.QueryByID([]string{"2"})
	require.NoError(t, err)
	require.Equal(t, []Record{recB}, recs)
	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	var malformed []*MalformedRecordError
	w := openTestWarehouse(t, Options{
		OnMalformed: func(e *MalformedRecordError) {
			malformed = append(malformed, e)
		},
	})
	addAll(t, w, recB)
	require.NoError(t, appendToFile(w.PartitionPath("1"), []byte("bad,line\n"), false))

	recs, err := w.Query(ColName, []string{"B"})
	require.NoError(t, err)
	require.Equal(t, []Record{recB}, recs)
	require.Len(t, malformed, 1)
	require.Equal(t, "1", malformed[0].Partition)
	require.Equal(t, 2, malformed[0].Line)
	require.Equal(t, int64(1), w.MalformedCount())

	// updates keep the malformed line
	_, err = w.Update(ColID, "2", Patch{"name": "B2"})
	require.NoError(t, err)
	require.Equal(t, "2,B2,350 5th Ave\\nNew York 10118,b@x.com\nbad,line\n", readFileString(t, w.PartitionPath("1")))

	st, err := w.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.Records)
	require.Equal(t, 1, st.Malformed)
	require.Equal(t, 1, st.IndexEntries)
}

func TestCacheDoesNotChangeResults(t *testing.T) {
	run := func(cacheSize int) []Record {
		w := openTestWarehouse(t, Options{CacheSize: cacheSize})
		a2 := Record{ID: "5", Name: "A", Address: "77001 Houston", Email: "e@x.com"}
		addAll(t, w, recB, recC, recD, a2)
		var res []Record
		query := func() {
			recs, err := w.Query(ColName, []string{"A", "B", "C"})
			require.NoError(t, err)
			res = append(res, sortByID(recs)...)
		}
		query()
		_, err := w.Update(ColID, "4", Patch{"address": "20001 DC"})
		require.NoError(t, err)
		query()
		_, err = w.Delete(ColEmail, "c@x.com")
		require.NoError(t, err)
		query()
		require.NoError(t, w.Add(Record{ID: "6", Name: "A", Address: "90001"}))
		query()
		recs, err := w.QueryByID([]string{"6", "4"})
		require.NoError(t, err)
		return append(res, recs...)
	}
	require.Equal(t, run(0), run(2))
}

func TestBoltIndexWarehouse(t *testing.T) {
	dir := t.TempDir()
	w := openTestWarehouse(t, Options{Dir: dir, IndexKind: IndexBolt})
	addAll(t, w, recB, recC)
	n, err := w.Update(ColID, "3", Patch{"address": "80202 Denver"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, DefaultBoltIndexName))
	require.NoError(t, err)

	w = openTestWarehouse(t, Options{Dir: dir, IndexKind: IndexBolt})
	recs, err := w.QueryByID([]string{"2", "3"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "80202 Denver", recs[1].Address)

	n, err = w.Delete(ColID, "2")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
}

func TestOpenLocksDir(t *testing.T) {
	dir := t.TempDir()
	w := openTestWarehouse(t, Options{Dir: dir})
	_, err := Open(&Options{Dir: dir})
	require.ErrorIs(t, err, ErrLocked)

	// caller guarantees a single writer
	w2, err := Open(&Options{Dir: dir, NoLock: true})
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	require.NoError(t, w.Close())
	w3, err := Open(&Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, w3.Close())
}

func TestClosedWarehouse(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Add(recB), ErrClosed)
	_, err := w.Query(ColID, []string{"2"})
	require.ErrorIs(t, err, ErrClosed)
	_, err = w.Delete(ColName, "B")
	require.ErrorIs(t, err, ErrClosed)
}

// failingIndex fails Append() after the given number of calls
type failingIndex struct {
	Index
	appendsLeft int
}

var errInjected = errors.New("injected failure")

func (x *failingIndex) Append(id string, partition string) error {
	if x.appendsLeft == 0 {
		return errInjected
	}
	x.appendsLeft--
	return x.Index.Append(id, partition)
}

func TestPartialMove(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	r := Record{ID: "7", Name: "G", Address: "9 Palm Dr 90210", Email: "g@x.com"}
	require.NoError(t, w.Add(r))

	orig := w.index
	w.index = &failingIndex{Index: orig}
	_, err := w.Update(ColID, "7", Patch{"address": "5 Broadway 10001"})
	w.index = orig

	require.ErrorIs(t, err, ErrPartialMove)
	require.ErrorIs(t, err, errInjected)
	var pme *PartialMoveError
	require.True(t, errors.As(err, &pme))
	require.Equal(t, "7", pme.ID)
	require.Equal(t, "9", pme.From)
	require.Equal(t, "1", pme.To)

	// nothing is lost: both copies are on disk
	got := scanAllPartitions(t, w)
	require.Len(t, got["9"], 1)
	require.Len(t, got["1"], 1)

	// full scan returns one copy per id
	recs, err := w.Query(ColName, []string{"G"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	removed, err := w.Dedup()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
	recs, err = w.QueryByID([]string{"7"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestAddOverUnindexedRecord(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	// what a crash between the partition write and the index write leaves
	require.NoError(t, w.Partition("9").Append(recA))

	a2 := recA
	a2.Email = "new@x.com"
	require.NoError(t, w.Add(a2))
	require.Equal(t, map[string][]Record{"9": {a2}}, scanAllPartitions(t, w))
	require.Equal(t, "1,9\n", readFileString(t, w.IndexPath()))

	recs, err := w.Query(ColName, []string{"A"})
	require.NoError(t, err)
	require.Equal(t, []Record{a2}, recs)
	recs, err = w.QueryByID([]string{"1"})
	require.NoError(t, err)
	require.Equal(t, []Record{a2}, recs)

	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)
}

func TestLastCopyInPartitionWins(t *testing.T) {
	for _, cacheSize := range []int{0, 4} {
		w := openTestWarehouse(t, Options{CacheSize: cacheSize})
		addAll(t, w, recB)
		b2 := recB
		b2.Name = "B2"
		require.NoError(t, w.Partition("1").Append(b2))
		w.cache.purge()

		recs, err := w.QueryByID([]string{"2"})
		require.NoError(t, err)
		require.Equal(t, []Record{b2}, recs)
		recs, err = w.Query(ColName, []string{"B"})
		require.NoError(t, err)
		require.Len(t, recs, 0)
		recs, err = w.Query(ColName, []string{"B2"})
		require.NoError(t, err)
		require.Equal(t, []Record{b2}, recs)

		// update rewrites the latest copy and drops the older one
		n, err := w.Update(ColID, "2", Patch{"email": "b3@x.com"})
		require.NoError(t, err)
		require.Equal(t, 1, n)
		exp := b2
		exp.Email = "b3@x.com"
		require.Equal(t, map[string][]Record{"1": {exp}}, scanAllPartitions(t, w))
	}
}

func TestDeleteAfterPartialMove(t *testing.T) {
	w := openTestWarehouse(t, Options{})
	r := Record{ID: "7", Name: "G", Address: "9 Palm Dr 90210", Email: "g@x.com"}
	require.NoError(t, w.Add(r))

	orig := w.index
	w.index = &failingIndex{Index: orig}
	_, err := w.Update(ColID, "7", Patch{"address": "5 Broadway 10001"})
	w.index = orig
	require.ErrorIs(t, err, ErrPartialMove)

	n, err := w.Delete(ColID, "7")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	// no copy comes back
	require.Len(t, scanAllPartitions(t, w), 0)
	recs, err := w.Query(ColName, []string{"G"})
	require.NoError(t, err)
	require.Len(t, recs, 0)
	issues, err := w.Check()
	require.NoError(t, err)
	require.Len(t, issues, 0)

	n, err = w.Delete(ColID, "7")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
