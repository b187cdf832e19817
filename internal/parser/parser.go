package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"filingsync/internal/record"
)

var (
	// ErrMalformed marks a row whose shape does not match its layout.
	ErrMalformed = errors.New("malformed row")
	// ErrMissingID marks a row without a natural id.
	ErrMissingID = errors.New("row has no id")
)

// Layout describes the fixed column order of one bulk dataset and how its
// columns map onto record fields. Columns without a mapping are kept in
// Extra under their lowercased name.
type Layout struct {
	Dataset string
	Kind    record.Kind
	Columns []string
	// ID names the column holding the natural id.
	ID string
	// Fields maps column names to canonical field names.
	Fields map[string]string
	// Lookup, when both are set, names the columns feeding the parent to
	// related id table used to backfill rows that only carry a parent id.
	LookupParent, LookupRelated string

	index map[string]int
}

// Parser turns raw rows of a layout into records.
type Parser struct {
	layout Layout
	origin string
}

// New builds a parser for the dataset's layout. Records it produces carry
// origin as their provenance.
func New(dataset string, cycle int) (*Parser, error) {
	l, ok := Layouts[dataset]
	if !ok {
		return nil, errors.Errorf("unknown dataset kind '%s'", dataset)
	}
	return &Parser{layout: l, origin: fmt.Sprintf("bulk:%s:%d", dataset, cycle)}, nil
}

func (p *Parser) Layout() Layout { return p.layout }

// Parse normalizes one row. It returns ErrMalformed for a column count that
// does not match the layout and ErrMissingID for rows without an id.
func (p *Parser) Parse(fields []string) (*record.Record, error) {
	l := p.layout
	if len(fields) != len(l.Columns) {
		return nil, errors.Wrapf(ErrMalformed, "expected %d columns, got %d", len(l.Columns), len(fields))
	}

	id := Clean(fields[l.index[l.ID]])
	if id == "" {
		return nil, ErrMissingID
	}

	var f record.Fields
	extra := record.Extra{}
	for i, col := range l.Columns {
		if col == l.ID {
			continue
		}
		v := Clean(fields[i])
		if v == "" {
			continue
		}
		name, mapped := l.Fields[col]
		if !mapped {
			extra[strings.ToLower(col)] = v
			continue
		}
		switch name {
		case record.FieldAmount:
			f.Amount = ParseAmount(v)
		case record.FieldDate:
			f.Date = ParseDate(v)
		default:
			f.Set(name, v)
		}
	}
	return record.New(id, l.Kind, f, extra, record.ChannelBulk, p.origin), nil
}

// Lookup returns the parent to related id pair a row contributes to the
// backfill table, if the layout defines one.
func (p *Parser) Lookup(fields []string) (parent, related string, ok bool) {
	l := p.layout
	if l.LookupParent == "" || len(fields) != len(l.Columns) {
		return "", "", false
	}
	parent = Clean(fields[l.index[l.LookupParent]])
	related = Clean(fields[l.index[l.LookupRelated]])
	return parent, related, parent != "" && related != ""
}

// Clean trims surrounding whitespace. An empty result means absent.
func Clean(s string) string {
	return strings.TrimSpace(s)
}

// ParseAmount parses a numeric column. Unparseable input yields 0 rather
// than absent, so a present column always leaves a value.
func ParseAmount(s string) *float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		v = 0
	}
	return &v
}

var dateLayouts = []string{"01022006", "20060102"}

// ParseDate tries MMDDYYYY, then YYYYMMDD. It returns nil when neither
// matches.
func ParseDate(s string) *time.Time {
	if len(s) != 8 {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func (l Layout) compile() Layout {
	l.index = make(map[string]int, len(l.Columns))
	for i, c := range l.Columns {
		l.index[c] = i
	}
	for _, c := range []string{l.ID, l.LookupParent, l.LookupRelated} {
		if _, ok := l.index[c]; c != "" && !ok {
			panic(fmt.Sprintf("layout %s: unknown column %s", l.Dataset, c))
		}
	}
	for c := range l.Fields {
		if _, ok := l.index[c]; !ok {
			panic(fmt.Sprintf("layout %s: unknown column %s", l.Dataset, c))
		}
	}
	return l
}
