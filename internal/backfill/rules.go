package backfill

import (
	"fmt"
	"net/url"

	"filingsync/internal/record"
)

// Derivation computes a target field from a record's preserved payload.
// When Template is set the matched value is substituted into it.
type Derivation struct {
	Rules    record.RuleSet
	Template string
}

const imageURLTemplate = "https://docquery.fec.gov/cgi-bin/fecimg/?%s"

// Derivations lists, per target field, the ways to compute it in priority
// order.
var Derivations = map[string][]Derivation{
	record.FieldDocumentURL: {
		{Rules: record.MustCompileRules("$.pdf_url", "$.image_url", "$.document_url")},
		{Rules: record.MustCompileRules("$.image_num", "$.image_number"), Template: imageURLTemplate},
	},
	record.FieldRelatedID: {
		{Rules: record.MustCompileRules("$.candidate_id", "$.candidate_ids[0]", "$.committee.candidate_ids[0]", "$.cand_id")},
	},
}

// Targets are the derived fields checked on reads, per record kind.
var Targets = map[record.Kind][]string{
	record.KindContribution: {record.FieldDocumentURL, record.FieldRelatedID},
	record.KindCommittee:    {record.FieldRelatedID},
}

// Derive computes target from extra, returning false when no rule matches.
func Derive(extra record.Extra, target string) (string, bool) {
	if len(extra) == 0 {
		return "", false
	}
	doc := map[string]any(extra)
	for _, d := range Derivations[target] {
		v, ok := d.Rules.FirstString(doc)
		if !ok {
			continue
		}
		if d.Template != "" {
			v = fmt.Sprintf(d.Template, url.QueryEscape(v))
		}
		return v, true
	}
	return "", false
}
