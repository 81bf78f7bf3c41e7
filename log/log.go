package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/toon-format/toon-go"
)

var (
	log       *WriteDaily
	errorsLog *WriteDaily
	eventsLog *WriteDaily

	// if true, Verbosef() will log messages
	Verbose bool

	// if true, Logf() doesn't print to stdout
	Quiet bool

	onLog func(s string)
)

// WriteDaily appends to a file named after the current UTC day
// in Dir, switching to a new file when the day changes
type WriteDaily struct {
	Dir         string
	currentDate int // YYYYMMDD format
	file        *os.File
	mu          sync.Mutex
}

func NewWriteDaily(dir string) *WriteDaily {
	return &WriteDaily{
		Dir: dir,
	}
}

// dayFromTime converts a time.Time to YYYYMMDD integer format
func dayFromTime(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// Path returns path of today's log file
func (w *WriteDaily) Path() string {
	name := time.Now().UTC().Format("2006-01-02") + ".txt"
	return filepath.Join(w.Dir, name)
}

// must be called with w.mu held
func (w *WriteDaily) writer() (io.Writer, error) {
	now := time.Now().UTC()
	today := dayFromTime(now)

	if w.file != nil && w.currentDate != today {
		if err := w.close(); err != nil {
			return nil, err
		}
	}
	if w.file != nil {
		return w.file, nil
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w.file = f
	w.currentDate = today
	return w.file, nil
}

// Write writes data to the daily log file
// it's safe to call on nil receiver
func (w *WriteDaily) Write(d []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	wr, err := w.writer()
	if err != nil {
		return err
	}
	_, err = wr.Write(d)
	return err
}

// WriteString writes a string to the daily log file
// it's safe to call on nil receiver
func (w *WriteDaily) WriteString(s string) error {
	return w.Write([]byte(s))
}

func (w *WriteDaily) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.currentDate = 0
	return err
}

// Close closes the daily log file
// it's safe to call on nil receiver
func (w *WriteDaily) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.close()
}

// Sync flushes the daily log file to disk
// it's safe to call on nil receiver
func (w *WriteDaily) Sync() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}

type Config struct {
	// directory where log files are stored
	// each log type (regular, error, event) has its own subdirectory
	Dir string
	// called for every Logf() call
	OnLog func(s string)
	// don't echo Logf() to stdout
	Quiet bool
}

// Init initializes the logging system
// log files are stored in config.Dir
// without Init() logging only goes to stdout
func Init(config *Config) {
	dir := config.Dir
	log = NewWriteDaily(filepath.Join(dir, "log"))
	errorsLog = NewWriteDaily(filepath.Join(dir, "errors"))
	// events are only written if warehouse emits them
	eventsLog = NewWriteDaily(filepath.Join(dir, "events"))
	onLog = config.OnLog
	Quiet = config.Quiet
}

// CloseWriteDaily closes the WriteDaily and sets its pointer to nil
// it's safe to call with nil pointer
func CloseWriteDaily(wd **WriteDaily) {
	if *wd == nil {
		return
	}
	(*wd).Sync()
	(*wd).Close()
	*wd = nil
}

func Close() {
	CloseWriteDaily(&log)
	CloseWriteDaily(&errorsLog)
	CloseWriteDaily(&eventsLog)
	onLog = nil
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	if !Quiet {
		fmt.Print(s)
	}
	log.WriteString(s)
	if onLog != nil {
		onLog(s)
	}
}

func Verbosef(format string, args ...any) {
	if !Verbose {
		return
	}
	Logf(format, args...)
}

func GetCallstackFrames(skip int) []string {
	var callers [32]uintptr
	n := runtime.Callers(skip+1, callers[:])
	frames := runtime.CallersFrames(callers[:n])
	var cs []string
	for {
		frame, more := frames.Next()
		if !more {
			break
		}
		s := frame.File + ":" + strconv.Itoa(frame.Line)
		cs = append(cs, s)
	}
	return cs
}

func GetCallstack(skip int) string {
	frames := GetCallstackFrames(skip + 1)
	return strings.Join(frames, "\n")
}

// Errorf logs an error message along with the callstack
// it also goes to the errors log
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	cs := GetCallstack(1)
	s = fmt.Sprintf("%s\n%s\n", s, cs)
	errorsLog.WriteString(s)
	Logf("%s", s)
}

// if err != nil, log and return true
// IfErrf(err) => logs err.Error()
// IfErrf(err, "error is: %v", err) => logs message formatted
func IfErrf(err error, a ...any) bool {
	if err == nil {
		return false
	}
	if len(a) == 0 {
		Errorf("%s", err.Error())
		return true
	}
	s, ok := a[0].(string)
	if !ok {
		// shouldn't happen but just in case
		s = fmt.Sprintf("%s", a[0])
	}
	if len(a) > 1 {
		s = fmt.Sprintf(s, a[1:]...)
	}
	Errorf("%s", s)
	return true
}

func panicIf(cond bool) {
	if cond {
		panic("condition is true")
	}
}

// simpleTypeToStr converts simple types to string
// panics if v is of complex type
func simpleTypeToStr(v any) string {
	rt := reflect.TypeOf(v)
	kind := rt.Kind()
	switch kind {
	case reflect.Array, reflect.Slice, reflect.Struct, reflect.Map, reflect.Chan, reflect.Interface, reflect.Pointer:
		panic(fmt.Sprintf("toStr: value is of kind %v", kind))
	case reflect.String:
		return v.(string)
	}
	return fmt.Sprintf("%v", v)
}

var hdrPrefix = []byte("--- ")

// MarshalEvent frames an event as:
// --- <len> <unix ms> <name>\n
// <data>\n
// the trailing newline is only added if data doesn't end with one
func MarshalEvent(name string, t time.Time, d []byte) []byte {
	var wb bytes.Buffer
	wb.Grow(len(hdrPrefix) + len(name) + len(d) + 32)
	wb.Write(hdrPrefix)
	wb.WriteString(strconv.Itoa(len(d)))
	wb.WriteString(" ")
	wb.WriteString(strconv.FormatInt(t.UnixMilli(), 10))
	if name != "" {
		wb.WriteString(" ")
		wb.WriteString(name)
	}
	wb.WriteByte('\n')
	if n := len(d); n > 0 {
		wb.Write(d)
		if d[n-1] != '\n' {
			wb.WriteByte('\n')
		}
	}
	return wb.Bytes()
}

// Event logs an event with key/value pairs encoded in toon format
// vals must be an even number of key, value
func Event(name string, vals ...any) {
	n := len(vals)
	panicIf(n%2 != 0)
	if eventsLog == nil {
		return
	}
	var d []byte
	if n > 0 {
		m := map[string]any{}
		for i := 0; i < n; i += 2 {
			k := simpleTypeToStr(vals[i])
			m[k] = vals[i+1]
		}
		var err error
		d, err = toon.Marshal(m)
		if err != nil {
			Errorf("log.Event: toon.Marshal() failed with '%s'", err)
			return
		}
	}
	t := time.Now().UTC()
	eventsLog.Write(MarshalEvent(name, t, d))
}

func EventWithDuration(name string, dur time.Duration, vals ...any) {
	vals = append(vals, "durmicro", dur.Microseconds())
	Event(name, vals...)
}

// EventsPath returns path of today's events file, "" if Init() wasn't called
func EventsPath() string {
	if eventsLog == nil {
		return ""
	}
	return eventsLog.Path()
}
