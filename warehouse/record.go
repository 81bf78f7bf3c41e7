package warehouse

import (
	"fmt"
	"strings"
)

const (
	ColID      = "id"
	ColName    = "name"
	ColAddress = "address"
	ColEmail   = "email"
)

// Columns lists columns in the order they are stored in a line
var Columns = []string{ColID, ColName, ColAddress, ColEmail}

// Record is a single row of the warehouse. ID is the primary key.
type Record struct {
	ID      string
	Name    string
	Address string
	Email   string
}

// Patch maps column name to a new value. Columns not in the patch
// keep their old value.
type Patch map[string]string

// Get returns value of a column
func (r *Record) Get(column string) (string, error) {
	switch column {
	case ColID:
		return r.ID, nil
	case ColName:
		return r.Name, nil
	case ColAddress:
		return r.Address, nil
	case ColEmail:
		return r.Email, nil
	}
	return "", fmt.Errorf("%w: '%s'", ErrUnknownColumn, column)
}

// Set sets value of a column
func (r *Record) Set(column string, v string) error {
	switch column {
	case ColID:
		r.ID = v
	case ColName:
		r.Name = v
	case ColAddress:
		r.Address = v
	case ColEmail:
		r.Email = v
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownColumn, column)
	}
	return nil
}

// Merge returns a copy of r with values from p applied
func (r Record) Merge(p Patch) (Record, error) {
	for k, v := range p {
		if err := r.Set(k, v); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Map returns the record as column => value
func (r Record) Map() map[string]string {
	return map[string]string{
		ColID:      r.ID,
		ColName:    r.Name,
		ColAddress: r.Address,
		ColEmail:   r.Email,
	}
}

// RecordFromMap builds a record from column => value.
// Missing columns are empty, unknown columns are an error.
func RecordFromMap(m map[string]string) (Record, error) {
	return Record{}.Merge(Patch(m))
}

func validateColumn(column string) error {
	for _, c := range Columns {
		if c == column {
			return nil
		}
	}
	return fmt.Errorf("%w: '%s'", ErrUnknownColumn, column)
}

func validatePatch(p Patch) error {
	for k := range p {
		if err := validateColumn(k); err != nil {
			return err
		}
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return ErrMissingID
	}
	if strings.ContainsAny(id, ",\n") {
		return fmt.Errorf("%w: '%s'", ErrInvalidID, id)
	}
	return nil
}

// the only escaping we do: a newline becomes `\n` so that
// a record always takes exactly one line
func escapeNewlines(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	return strings.ReplaceAll(s, "\n", `\n`)
}

func unescapeNewlines(s string) string {
	if !strings.Contains(s, `\n`) {
		return s
	}
	return strings.ReplaceAll(s, `\n`, "\n")
}

// EncodeRecord serializes a record as a single line (without trailing newline):
// id,name,address,email
// Commas inside values are not escaped.
func EncodeRecord(r Record) string {
	var sb strings.Builder
	sb.Grow(len(r.ID) + len(r.Name) + len(r.Address) + len(r.Email) + 3)
	sb.WriteString(escapeNewlines(r.ID))
	sb.WriteByte(',')
	sb.WriteString(escapeNewlines(r.Name))
	sb.WriteByte(',')
	sb.WriteString(escapeNewlines(r.Address))
	sb.WriteByte(',')
	sb.WriteString(escapeNewlines(r.Email))
	return sb.String()
}

// DecodeRecord parses a line created by EncodeRecord.
// Address is the free-text column so commas in it are kept: it's everything
// between name and the last column. Commas in other columns can't be decoded
// correctly. Only address is unescaped.
func DecodeRecord(line string) (Record, error) {
	parts := strings.Split(line, ",")
	n := len(parts)
	if n < len(Columns) {
		return Record{}, &MalformedRecordError{
			Columns: n,
			Text:    line,
		}
	}
	address := strings.Join(parts[2:n-1], ",")
	return Record{
		ID:      parts[0],
		Name:    parts[1],
		Address: unescapeNewlines(address),
		Email:   parts[n-1],
	}, nil
}
