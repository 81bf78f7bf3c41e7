// Package warehouse implements a record store partitioned across flat files
// with an index of record id => partition.
//
// # Files
//
// A warehouse is a directory with:
//   - partition files "0.csv" ... "9.csv" and "x.csv"
//   - an index, "index.csv" (id,partition lines) or "index.bolt" (bbolt database)
//   - "warehouse.lock", held while the warehouse is open
//
// Each partition line is a record: id,name,address,email.
// Newlines in values are stored as `\n`. Commas are not escaped.
//
// A record goes to the partition named after the first digit of the first
// 5-digit run (zip code) in its address, or to "x" if there's none.
// Partition files are created on first write and never deleted.
//
// # Basic Usage
//
//	w, err := warehouse.Open(&warehouse.Options{Dir: "./data"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Close()
//
//	err = w.Add(warehouse.Record{ID: "1", Name: "A", Address: "1 Main St, 90210", Email: "a@x.com"})
//	recs, err := w.Query("id", []string{"1"})
//	n, err := w.Update("id", "1", warehouse.Patch{"address": "5 Broadway, 10001"})
//	n, err = w.Delete("email", "a@x.com")
//
// Queries, updates and deletes by id read only the partitions the index
// points to. By any other column they read all partitions.
//
// # Consistency
//
// Data is written before the index, so a crash leaves records without index
// entries rather than index entries without records. Adding the same id again
// replaces such a record.
//
// When a partition has more than one copy of an id, reads see only the last
// one, which is the latest write.
//
// An update that moves a record to another partition writes the new copy
// before deleting the old one. If it fails midway a *PartialMoveError is
// returned and a duplicate may remain. DeleteByID() removes both copies for
// the lifetime of the Warehouse, after a restart call Dedup() to remove
// the stale one. Check() reports inconsistencies, RebuildIndex() and Dedup()
// fix them.
//
// # Thread Safety
//
// A Warehouse is safe for concurrent use. Operations are serialized
// by a mutex. Open() takes a file lock so that a second process can't
// open the same directory (unless Options.NoLock is set).
package warehouse
