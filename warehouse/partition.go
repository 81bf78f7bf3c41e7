package warehouse

import (
	"errors"
	"iter"
	"strings"

	"github.com/kjk/warehouse/log"
)

// Partition is a single partition file.
// Each line is a record encoded with EncodeRecord().
// The file is created on first Append() and a missing file is an empty partition.
type Partition struct {
	ID   string
	Path string
	// if true, will call file.Sync() after every append
	SyncWrites bool
	// called for lines that don't decode into a record.
	// if nil, those are logged
	OnMalformed func(*MalformedRecordError)
}

func (p *Partition) malformed(lineNo int, err error) {
	var me *MalformedRecordError
	if !errors.As(err, &me) {
		me = &MalformedRecordError{Text: err.Error()}
	}
	me.Partition = p.ID
	me.Line = lineNo
	if p.OnMalformed != nil {
		p.OnMalformed(me)
		return
	}
	log.Logf("skipping %s\n", me.Error())
}

// Append appends records at the end of the partition
func (p *Partition) Append(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, r := range recs {
		sb.WriteString(EncodeRecord(r))
		sb.WriteByte('\n')
	}
	return appendToFile(p.Path, []byte(sb.String()), p.SyncWrites)
}

// Scan returns an iterator over records in the partition, in file order.
// Each iteration re-reads the file. Malformed lines are skipped.
// Call the returned error function after iteration to check for read errors.
func (p *Partition) Scan() (iter.Seq[Record], func() error) {
	var iterErr error
	seq := func(yield func(Record) bool) {
		iterErr = nil
		err := forEachLine(p.Path, func(lineNo int, line string) error {
			if line == "" {
				return nil
			}
			rec, err := DecodeRecord(line)
			if err != nil {
				p.malformed(lineNo, err)
				return nil
			}
			if !yield(rec) {
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

// ReadAll returns all records in the partition
func (p *Partition) ReadAll() ([]Record, error) {
	var res []Record
	records, errFn := p.Scan()
	for rec := range records {
		res = append(res, rec)
	}
	return res, errFn()
}

// Count returns number of records and malformed lines
func (p *Partition) Count() (nRecords int, nMalformed int, err error) {
	err = forEachLine(p.Path, func(lineNo int, line string) error {
		if line == "" {
			return nil
		}
		if _, err := DecodeRecord(line); err != nil {
			nMalformed++
		} else {
			nRecords++
		}
		return nil
	})
	return nRecords, nMalformed, err
}

// rewriteFn decides what happens to a record during rewrite.
// Returning keep=false drops the record, changed=true marks the rewrite as needed.
type rewriteFn func(lineNo int, rec Record) (out Record, keep bool, changed bool, err error)

// rewrite streams all lines through fn into a new version of the partition.
// Malformed lines are preserved as is. If fn didn't change anything
// the partition file is left untouched.
// Returns number of changed records.
func (p *Partition) rewrite(fn rewriteFn) (int, error) {
	var out *rewriteFile
	nChanged := 0
	err := forEachLine(p.Path, func(lineNo int, line string) error {
		var err error
		if out == nil {
			// only create the temp file if the partition exists
			out, err = newRewriteFile(p.Path)
			if err != nil {
				return err
			}
		}
		if line == "" {
			return nil
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			p.malformed(lineNo, err)
			return out.WriteLine(line)
		}
		res, keep, changed, err := fn(lineNo, rec)
		if err != nil {
			return err
		}
		if changed {
			nChanged++
		}
		if !keep {
			return nil
		}
		if !changed {
			return out.WriteLine(line)
		}
		return out.WriteLine(EncodeRecord(res))
	})
	if err != nil || nChanged == 0 {
		out.Cancel()
		return 0, err
	}
	if err = out.Commit(); err != nil {
		return 0, err
	}
	return nChanged, nil
}

// ModifyWhere replaces every record with a given id with fn(record)
func (p *Partition) ModifyWhere(id string, fn func(Record) (Record, error)) (int, error) {
	return p.rewrite(func(_ int, rec Record) (Record, bool, bool, error) {
		if rec.ID != id {
			return rec, true, false, nil
		}
		res, err := fn(rec)
		return res, true, true, err
	})
}

// UpdateWhere merges patch into every record with a given id.
// Columns not in patch keep their values.
func (p *Partition) UpdateWhere(id string, patch Patch) (int, error) {
	return p.ModifyWhere(id, func(rec Record) (Record, error) {
		return rec.Merge(patch)
	})
}

// ReplaceLast replaces the last copy of rec.ID with rec and removes
// earlier copies. Returns 1 if the partition had the record, 0 otherwise.
func (p *Partition) ReplaceLast(rec Record) (int, error) {
	last := 0
	err := forEachLine(p.Path, func(lineNo int, line string) error {
		if r, err := DecodeRecord(line); err == nil && r.ID == rec.ID {
			last = lineNo
		}
		return nil
	})
	if err != nil || last == 0 {
		return 0, err
	}
	_, err = p.rewrite(func(lineNo int, r Record) (Record, bool, bool, error) {
		if r.ID != rec.ID {
			return r, true, false, nil
		}
		if lineNo == last {
			return rec, true, r != rec, nil
		}
		return r, false, true, nil
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// DeleteWhere removes every record with a given id
func (p *Partition) DeleteWhere(id string) (int, error) {
	return p.rewrite(func(_ int, rec Record) (Record, bool, bool, error) {
		if rec.ID != id {
			return rec, true, false, nil
		}
		return rec, false, true, nil
	})
}

// DedupLast removes all but the last copy of records that share an id.
// The last line is the most recent write.
func (p *Partition) DedupLast() (int, error) {
	last := map[string]int{}
	err := forEachLine(p.Path, func(lineNo int, line string) error {
		if rec, err := DecodeRecord(line); err == nil {
			last[rec.ID] = lineNo
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return p.rewrite(func(lineNo int, rec Record) (Record, bool, bool, error) {
		if last[rec.ID] == lineNo {
			return rec, true, false, nil
		}
		return rec, false, true, nil
	})
}
