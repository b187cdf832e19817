package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Reject is a bulk row that could not be imported.
type Reject struct {
	Row    int64
	Line   int
	Reason string
	Fields []string
}

var rejectHeader = []string{"row", "line", "reason", "fields..."}

// csvFile wraps an opened CSV file with its writer.
type csvFile struct {
	file   *os.File
	writer *csv.Writer
}

// RejectWriter appends rejected rows to one CSV file per import, named
// "<name>.rejects.csv" in the configured directory. The original columns
// follow the row, line and reason columns, so a file can be fixed up and
// fed back in.
type RejectWriter struct {
	dir   string
	mu    sync.Mutex
	files map[string]*csvFile
}

// NewRejectWriter creates dir if it does not exist yet.
func NewRejectWriter(dir string) (*RejectWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create rejects directory")
	}
	return &RejectWriter{dir: dir, files: make(map[string]*csvFile)}, nil
}

// Path returns the rejects file of name.
func (w *RejectWriter) Path(name string) string {
	return filepath.Join(w.dir, name+".rejects.csv")
}

// Write appends rj to the rejects file of name, lazily creating it. A file
// left by an earlier run of the same import is appended to, so resumed
// imports keep one file.
func (w *RejectWriter) Write(name string, rj Reject) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cf, ok := w.files[name]
	if !ok {
		fp := w.Path(name)
		_, err := os.Stat(fp)
		exists := !os.IsNotExist(err)

		f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open rejects file %s", fp)
		}
		cw := csv.NewWriter(f)
		if !exists {
			if err := cw.Write(rejectHeader); err != nil {
				f.Close()
				return errors.Wrapf(err, "write rejects header for %s", fp)
			}
		}
		cf = &csvFile{file: f, writer: cw}
		w.files[name] = cf
	}

	row := make([]string, 0, 3+len(rj.Fields))
	row = append(row, strconv.FormatInt(rj.Row, 10), strconv.Itoa(rj.Line), rj.Reason)
	row = append(row, rj.Fields...)
	if err := cf.writer.Write(row); err != nil {
		return err
	}
	cf.writer.Flush()
	return cf.writer.Error()
}

// Close flushes and closes every open file.
func (w *RejectWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for name, cf := range w.files {
		cf.writer.Flush()
		if err := cf.writer.Error(); err != nil && first == nil {
			first = err
		}
		if err := cf.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.files, name)
	}
	return first
}
