package bulk

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const DefaultChunkSize = 50_000

// maxLineBytes bounds a single row. Longer lines are consumed and reported
// as malformed rows.
const maxLineBytes = 1 << 20

var ErrLineTooLong = errors.New("line too long")

// Row is one data row of a bulk file. Index counts data rows from zero in
// file order, including malformed ones, so positions are stable across runs.
type Row struct {
	Index  int64
	Line   int
	Fields []string
	// Err is set for rows that could not be split into fields.
	Err error
}

// Chunk is a run of consecutive rows.
type Chunk struct {
	// Index is the chunk number counted from the start of the file.
	Index int
	// Start is the index of the first row, End one past the last.
	Start, End int64
	Rows       []Row
}

// ReaderOptions configure a ChunkReader.
type ReaderOptions struct {
	// Delimiter separates fields, '|' when unset.
	Delimiter rune
	ChunkSize int
	// Start is the number of data rows to skip.
	Start int64
	// Header is set when the first line holds column names.
	Header bool
}

// ChunkReader splits a delimited stream into chunks without holding more
// than one chunk in memory. Each line is one row: bulk files carry no
// quoting, so quote characters are ordinary field content.
type ChunkReader struct {
	r       *bufio.Reader
	sep     string
	line    int
	size    int
	next    int64
	start   int64
	header  bool
	started bool
	done    bool
}

func NewChunkReader(r io.Reader, opts ReaderOptions) *ChunkReader {
	sep := "|"
	if opts.Delimiter != 0 {
		sep = string(opts.Delimiter)
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	start := opts.Start
	if start < 0 {
		start = 0
	}
	return &ChunkReader{r: bufio.NewReaderSize(r, 64*1024), sep: sep, size: size, start: start, header: opts.Header}
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
// Rows before Start are read and discarded; chunk numbering continues as if
// they had been returned.
func (c *ChunkReader) Next() (*Chunk, error) {
	if c.done {
		return nil, io.EOF
	}
	if !c.started {
		c.started = true
		if c.header {
			if err := c.skipHeader(); err != nil {
				c.done = true
				if err == io.EOF {
					return nil, io.EOF
				}
				return nil, errors.Wrap(err, "read header")
			}
		}
		if err := c.skip(); err != nil {
			return nil, err
		}
	}

	chunk := &Chunk{Index: int(c.next / int64(c.size)), Start: c.next}
	for len(chunk.Rows) < c.size {
		row, err := c.read()
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		chunk.Rows = append(chunk.Rows, row)
	}
	chunk.End = c.next
	if len(chunk.Rows) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (c *ChunkReader) skipHeader() error {
	for {
		text, long, err := c.readLine()
		if err != nil {
			return err
		}
		if long || text != "" {
			return nil
		}
	}
}

func (c *ChunkReader) skip() error {
	for c.next < c.start {
		_, err := c.read()
		if err == io.EOF {
			c.done = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// read returns the next non-blank row. Rows that cannot be split carry Err;
// only I/O failures are returned.
func (c *ChunkReader) read() (Row, error) {
	for {
		text, long, err := c.readLine()
		if err != nil {
			return Row{}, err
		}
		if !long && text == "" {
			continue
		}
		row := Row{Index: c.next, Line: c.line}
		if long {
			row.Err = errors.Wrapf(ErrLineTooLong, "line %d exceeds %d bytes", c.line, maxLineBytes)
		} else {
			row.Fields = strings.Split(text, c.sep)
		}
		c.next++
		return row, nil
	}
}

// readLine returns the next line without its terminator. long reports a line
// over maxLineBytes, whose content is dropped.
func (c *ChunkReader) readLine() (text string, long bool, err error) {
	var buf []byte
	for {
		frag, rerr := c.r.ReadSlice('\n')
		if !long {
			if len(buf)+len(frag) > maxLineBytes {
				long = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		if rerr == io.EOF {
			if len(buf) == 0 && !long {
				return "", false, io.EOF
			}
			break
		}
		if rerr != nil {
			return "", false, rerr
		}
		break
	}
	c.line++
	return strings.TrimRight(string(buf), "\r\n"), long, nil
}
