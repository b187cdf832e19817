package record

import (
	"reflect"
	"time"
)

// Merge applies incoming values to existing in place using field-level
// last-write-wins: every non-empty incoming field overwrites the stored one,
// whichever channel it came from. Extra is merged by key union with the
// incoming side winning on collisions, so keys learned earlier are never
// dropped. The channel and origin of existing are set to the incoming ones.
//
// It reports whether any stored value changed.
func Merge(existing *Record, incoming Fields, extra Extra, source Channel, origin string) bool {
	changed := mergeFields(&existing.Fields, incoming)

	if existing.Extra == nil {
		existing.Extra = Extra{}
	}
	for k, v := range extra {
		if isEmptyValue(v) {
			continue
		}
		if cur, ok := existing.Extra[k]; ok && reflect.DeepEqual(cur, v) {
			continue
		}
		existing.Extra[k] = v
		changed = true
	}

	if existing.SourceChannel != source || existing.LastUpdatedFrom != origin {
		changed = true
	}
	existing.SourceChannel = source
	existing.LastUpdatedFrom = origin
	return changed
}

// MergeRecord merges a fully-formed incoming record into existing.
func MergeRecord(existing, incoming *Record) bool {
	changed := false
	if existing.Kind == "" && incoming.Kind != "" {
		existing.Kind = incoming.Kind
		changed = true
	}
	if Merge(existing, incoming.Fields, incoming.Extra, incoming.SourceChannel, incoming.LastUpdatedFrom) {
		changed = true
	}
	return changed
}

func mergeFields(dst *Fields, src Fields) bool {
	changed := false
	str := func(d *string, s string) {
		if s != "" && *d != s {
			*d = s
			changed = true
		}
	}
	str(&dst.ParentID, src.ParentID)
	str(&dst.RelatedID, src.RelatedID)
	str(&dst.Name, src.Name)
	str(&dst.City, src.City)
	str(&dst.State, src.State)
	str(&dst.Zip, src.Zip)
	str(&dst.Employer, src.Employer)
	str(&dst.Occupation, src.Occupation)
	str(&dst.Code, src.Code)
	str(&dst.Memo, src.Memo)
	str(&dst.DocumentURL, src.DocumentURL)

	if src.Amount != nil && (dst.Amount == nil || *dst.Amount != *src.Amount) {
		a := *src.Amount
		dst.Amount = &a
		changed = true
	}
	if src.Date != nil && (dst.Date == nil || !dst.Date.Equal(*src.Date)) {
		d := *src.Date
		dst.Date = &d
		changed = true
	}
	return changed
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case time.Time:
		return t.IsZero()
	}
	return false
}
