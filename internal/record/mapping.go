package record

// FieldRule binds a canonical field to the selectors that may populate it.
type FieldRule struct {
	Field string
	Rules RuleSet
}

// Mapping converts one upstream JSON object into a record. Fields are
// evaluated in declaration order; each field takes the first selector that
// matches.
type Mapping struct {
	Kind   Kind
	ID     RuleSet
	Fields []FieldRule
}

// Apply builds a record from doc. The whole document is kept in Extra so
// later derivations can look at fields the mapping does not know about.
// It returns false when no id can be extracted.
func (m Mapping) Apply(doc map[string]any, origin string) (*Record, bool) {
	id, ok := m.ID.FirstString(doc)
	if !ok {
		return nil, false
	}
	var f Fields
	for _, fr := range m.Fields {
		if v, ok := fr.Rules.First(doc); ok {
			f.Set(fr.Field, v)
		}
	}
	return New(id, m.Kind, f, Extra(doc), ChannelAPI, origin), true
}

// Mappings for the upstream list and detail payloads, keyed by kind.
var Mappings = map[Kind]Mapping{
	KindContribution: {
		Kind: KindContribution,
		ID:   MustCompileRules("$.sub_id", "$.transaction_sub_id"),
		Fields: []FieldRule{
			{FieldParentID, MustCompileRules("$.committee_id", "$.committee.committee_id")},
			{FieldRelatedID, MustCompileRules("$.candidate_id", "$.committee.candidate_ids[0]")},
			{FieldName, MustCompileRules("$.contributor_name", "$.contributor.name")},
			{FieldCity, MustCompileRules("$.contributor_city")},
			{FieldState, MustCompileRules("$.contributor_state")},
			{FieldZip, MustCompileRules("$.contributor_zip")},
			{FieldEmployer, MustCompileRules("$.contributor_employer")},
			{FieldOccupation, MustCompileRules("$.contributor_occupation")},
			{FieldCode, MustCompileRules("$.receipt_type", "$.line_number")},
			{FieldMemo, MustCompileRules("$.memo_text", "$.receipt_type_full")},
			{FieldDocumentURL, MustCompileRules("$.pdf_url", "$.image_url")},
			{FieldAmount, MustCompileRules("$.contribution_receipt_amount", "$.amount")},
			{FieldDate, MustCompileRules("$.contribution_receipt_date", "$.receipt_date")},
		},
	},
	KindCommittee: {
		Kind: KindCommittee,
		ID:   MustCompileRules("$.committee_id"),
		Fields: []FieldRule{
			{FieldRelatedID, MustCompileRules("$.candidate_ids[0]", "$.candidate_id")},
			{FieldName, MustCompileRules("$.name", "$.committee_name")},
			{FieldCity, MustCompileRules("$.city")},
			{FieldState, MustCompileRules("$.state")},
			{FieldZip, MustCompileRules("$.zip")},
			{FieldCode, MustCompileRules("$.committee_type", "$.designation")},
			{FieldMemo, MustCompileRules("$.party_full", "$.party")},
		},
	},
	KindCandidate: {
		Kind: KindCandidate,
		ID:   MustCompileRules("$.candidate_id"),
		Fields: []FieldRule{
			{FieldParentID, MustCompileRules("$.principal_committees[0].committee_id")},
			{FieldName, MustCompileRules("$.name", "$.candidate_name")},
			{FieldState, MustCompileRules("$.state", "$.address_state")},
			{FieldCity, MustCompileRules("$.address_city")},
			{FieldZip, MustCompileRules("$.address_zip")},
			{FieldCode, MustCompileRules("$.office", "$.office_full")},
			{FieldMemo, MustCompileRules("$.party_full", "$.party")},
		},
	},
}
