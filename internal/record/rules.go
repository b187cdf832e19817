package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/pkg/errors"
)

// Canonical field names used by extraction rules and backfill targets.
const (
	FieldParentID    = "parent_id"
	FieldRelatedID   = "related_id"
	FieldName        = "name"
	FieldCity        = "city"
	FieldState       = "state"
	FieldZip         = "zip"
	FieldEmployer    = "employer"
	FieldOccupation  = "occupation"
	FieldCode        = "code"
	FieldMemo        = "memo"
	FieldDocumentURL = "document_url"
	FieldAmount      = "amount"
	FieldDate        = "date"
)

// Rule is one JSONPath selector tried against a source document.
type Rule struct {
	Path string
	expr jp.Expr
}

// RuleSet is an ordered list of selectors. The first one yielding a
// non-empty value wins.
type RuleSet []Rule

// CompileRules parses the given JSONPath selectors in priority order.
func CompileRules(paths ...string) (RuleSet, error) {
	rs := make(RuleSet, 0, len(paths))
	for _, p := range paths {
		x, err := jp.ParseString(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid jsonpath '%s'", p)
		}
		rs = append(rs, Rule{Path: p, expr: x})
	}
	return rs, nil
}

// MustCompileRules is CompileRules for package-level rule tables.
func MustCompileRules(paths ...string) RuleSet {
	rs, err := CompileRules(paths...)
	if err != nil {
		panic(err)
	}
	return rs
}

// First evaluates the rules against doc and returns the first non-empty match.
func (rs RuleSet) First(doc any) (any, bool) {
	if doc == nil {
		return nil, false
	}
	for _, r := range rs {
		for _, v := range r.expr.Get(doc) {
			if !isEmptyMatch(v) {
				return v, true
			}
		}
	}
	return nil, false
}

// FirstString is First converted to a trimmed string.
func (rs RuleSet) FirstString(doc any) (string, bool) {
	v, ok := rs.First(doc)
	if !ok {
		return "", false
	}
	s := AsString(v)
	return s, s != ""
}

func isEmptyMatch(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// AsString renders a decoded JSON scalar as a trimmed string.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// apiDateLayouts are tried in order for date values coming from JSON.
var apiDateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC3339,
	"01022006",
	"20060102",
}

// ParseAPIDate parses the date formats the upstream API emits.
func ParseAPIDate(s string) (*time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, layout := range apiDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d, true
		}
	}
	return nil, false
}

// Get returns the string form of a canonical field and whether it is present.
func (f *Fields) Get(name string) (string, bool) {
	var s string
	switch name {
	case FieldParentID:
		s = f.ParentID
	case FieldRelatedID:
		s = f.RelatedID
	case FieldName:
		s = f.Name
	case FieldCity:
		s = f.City
	case FieldState:
		s = f.State
	case FieldZip:
		s = f.Zip
	case FieldEmployer:
		s = f.Employer
	case FieldOccupation:
		s = f.Occupation
	case FieldCode:
		s = f.Code
	case FieldMemo:
		s = f.Memo
	case FieldDocumentURL:
		s = f.DocumentURL
	case FieldAmount:
		if f.Amount == nil {
			return "", false
		}
		s = strconv.FormatFloat(*f.Amount, 'f', -1, 64)
	case FieldDate:
		if f.Date == nil {
			return "", false
		}
		s = f.Date.Format("2006-01-02")
	}
	return s, s != ""
}

// Set assigns a decoded value to a canonical field. Unparseable amounts fall
// back to 0; unparseable dates leave the field absent. It reports whether the
// field was set.
func (f *Fields) Set(name string, v any) bool {
	if name == FieldAmount {
		s := AsString(v)
		if s == "" {
			return false
		}
		a, err := strconv.ParseFloat(s, 64)
		if err != nil {
			a = 0
		}
		f.Amount = &a
		return true
	}
	if name == FieldDate {
		d, ok := ParseAPIDate(AsString(v))
		if ok {
			f.Date = d
		}
		return ok
	}

	s := AsString(v)
	if s == "" {
		return false
	}
	switch name {
	case FieldParentID:
		f.ParentID = s
	case FieldRelatedID:
		f.RelatedID = s
	case FieldName:
		f.Name = s
	case FieldCity:
		f.City = s
	case FieldState:
		f.State = s
	case FieldZip:
		f.Zip = s
	case FieldEmployer:
		f.Employer = s
	case FieldOccupation:
		f.Occupation = s
	case FieldCode:
		f.Code = s
	case FieldMemo:
		f.Memo = s
	case FieldDocumentURL:
		f.DocumentURL = s
	default:
		return false
	}
	return true
}
