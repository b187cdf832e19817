package parser

import "filingsync/internal/record"

// Dataset kinds published as bulk files.
const (
	DatasetContributions = "contributions"
	DatasetCommittees    = "committees"
	DatasetCandidates    = "candidates"
)

// Layouts of the bulk datasets, keyed by dataset kind.
var Layouts = map[string]Layout{
	DatasetContributions: Layout{
		Dataset: DatasetContributions,
		Kind:    record.KindContribution,
		Columns: []string{
			"CMTE_ID", "AMNDT_IND", "RPT_TP", "TRANSACTION_PGI", "IMAGE_NUM", "TRANSACTION_TP",
			"ENTITY_TP", "NAME", "CITY", "STATE", "ZIP_CODE", "EMPLOYER", "OCCUPATION",
			"TRANSACTION_DT", "TRANSACTION_AMT", "OTHER_ID", "TRAN_ID", "FILE_NUM", "MEMO_CD",
			"MEMO_TEXT", "SUB_ID",
		},
		ID: "SUB_ID",
		Fields: map[string]string{
			"CMTE_ID":         record.FieldParentID,
			"TRANSACTION_TP":  record.FieldCode,
			"NAME":            record.FieldName,
			"CITY":            record.FieldCity,
			"STATE":           record.FieldState,
			"ZIP_CODE":        record.FieldZip,
			"EMPLOYER":        record.FieldEmployer,
			"OCCUPATION":      record.FieldOccupation,
			"TRANSACTION_DT":  record.FieldDate,
			"TRANSACTION_AMT": record.FieldAmount,
			"MEMO_TEXT":       record.FieldMemo,
		},
	}.compile(),

	DatasetCommittees: Layout{
		Dataset: DatasetCommittees,
		Kind:    record.KindCommittee,
		Columns: []string{
			"CMTE_ID", "CMTE_NM", "TRES_NM", "CMTE_ST1", "CMTE_ST2", "CMTE_CITY", "CMTE_ST",
			"CMTE_ZIP", "CMTE_DSGN", "CMTE_TP", "CMTE_PTY_AFFILIATION", "CMTE_FILING_FREQ",
			"ORG_TP", "CONNECTED_ORG_NM", "CAND_ID",
		},
		ID: "CMTE_ID",
		Fields: map[string]string{
			"CMTE_NM":              record.FieldName,
			"CMTE_CITY":            record.FieldCity,
			"CMTE_ST":              record.FieldState,
			"CMTE_ZIP":             record.FieldZip,
			"CMTE_TP":              record.FieldCode,
			"CMTE_PTY_AFFILIATION": record.FieldMemo,
			"CAND_ID":              record.FieldRelatedID,
		},
		LookupParent:  "CMTE_ID",
		LookupRelated: "CAND_ID",
	}.compile(),

	DatasetCandidates: Layout{
		Dataset: DatasetCandidates,
		Kind:    record.KindCandidate,
		Columns: []string{
			"CAND_ID", "CAND_NAME", "CAND_PTY_AFFILIATION", "CAND_ELECTION_YR", "CAND_OFFICE_ST",
			"CAND_OFFICE", "CAND_OFFICE_DISTRICT", "CAND_ICI", "CAND_STATUS", "CAND_PCC",
			"CAND_ST1", "CAND_ST2", "CAND_CITY", "CAND_ST", "CAND_ZIP",
		},
		ID: "CAND_ID",
		Fields: map[string]string{
			"CAND_NAME":            record.FieldName,
			"CAND_PTY_AFFILIATION": record.FieldMemo,
			"CAND_OFFICE":          record.FieldCode,
			"CAND_PCC":             record.FieldParentID,
			"CAND_CITY":            record.FieldCity,
			"CAND_ST":              record.FieldState,
			"CAND_ZIP":             record.FieldZip,
		},
		LookupParent:  "CAND_PCC",
		LookupRelated: "CAND_ID",
	}.compile(),
}
