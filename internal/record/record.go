package record

import (
	"time"
)

// Channel identifies which upstream produced a write.
type Channel string

const (
	ChannelBulk Channel = "bulk"
	ChannelAPI  Channel = "api"
)

// Kind is the entity type of a record. Bulk dataset kinds map onto it.
type Kind string

const (
	KindContribution Kind = "contribution"
	KindCommittee    Kind = "committee"
	KindCandidate    Kind = "candidate"
)

// Extra preserves source fields that have no typed counterpart. Keys are
// source field names, values whatever the source produced (strings for bulk
// rows, decoded JSON for API payloads).
type Extra map[string]any

// Fields holds the typed domain fields of a record. The zero value of every
// field means "absent": empty strings and nil pointers are never written over
// a stored value by Merge.
type Fields struct {
	ParentID    string     `json:"parent_id,omitempty"`
	RelatedID   string     `json:"related_id,omitempty"`
	Name        string     `json:"name,omitempty"`
	City        string     `json:"city,omitempty"`
	State       string     `json:"state,omitempty"`
	Zip         string     `json:"zip,omitempty"`
	Employer    string     `json:"employer,omitempty"`
	Occupation  string     `json:"occupation,omitempty"`
	Code        string     `json:"code,omitempty"`
	Memo        string     `json:"memo,omitempty"`
	DocumentURL string     `json:"document_url,omitempty"`
	Amount      *float64   `json:"amount,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
}

// Record is the canonical, merged representation of one upstream entity.
type Record struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Fields
	SourceChannel   Channel   `json:"source_channel"`
	LastUpdatedFrom string    `json:"last_updated_from"`
	Extra           Extra     `json:"extra,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// New builds a record for an id that has never been stored. No merge is
// involved; the incoming values are taken as-is.
func New(id string, kind Kind, f Fields, extra Extra, source Channel, origin string) *Record {
	r := &Record{
		ID:              id,
		Kind:            kind,
		Fields:          f,
		SourceChannel:   source,
		LastUpdatedFrom: origin,
		Extra:           Extra{},
	}
	for k, v := range extra {
		r.Extra[k] = v
	}
	return r
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Amount != nil {
		a := *r.Amount
		c.Amount = &a
	}
	if r.Date != nil {
		d := *r.Date
		c.Date = &d
	}
	c.Extra = make(Extra, len(r.Extra))
	for k, v := range r.Extra {
		c.Extra[k] = v
	}
	return &c
}

// Float is a helper for building Fields literals.
func Float(v float64) *float64 { return &v }

// Day returns a pointer to midnight UTC of the given date.
func Day(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}
