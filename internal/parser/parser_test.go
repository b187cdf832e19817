package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filingsync/internal/record"
)

func contributionRow(sub, date, amount string) []string {
	return strings.Split("C00000001|N|Q1|P|202401059000001|15|IND| SMITH, JANE |SPRINGFIELD|IL|62701||ENGINEER|"+
		date+"|"+amount+"||SA11AI.1|1700001|||"+sub, "|")
}

func TestParseContribution(t *testing.T) {
	p, err := New(DatasetContributions, 2024)
	require.NoError(t, err)

	rec, err := p.Parse(contributionRow("4010520241234", "01052024", "250.00"))
	require.NoError(t, err)
	assert.Equal(t, "4010520241234", rec.ID)
	assert.Equal(t, record.KindContribution, rec.Kind)
	assert.Equal(t, "C00000001", rec.ParentID)
	assert.Equal(t, "SMITH, JANE", rec.Name)
	assert.Equal(t, "", rec.Employer, "empty columns stay absent")
	require.NotNil(t, rec.Amount)
	assert.Equal(t, 250.0, *rec.Amount)
	require.NotNil(t, rec.Date)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), *rec.Date)
	assert.Equal(t, "202401059000001", rec.Extra["image_num"])
	assert.NotContains(t, rec.Extra, "other_id")
	assert.Equal(t, record.ChannelBulk, rec.SourceChannel)
	assert.Equal(t, "bulk:contributions:2024", rec.LastUpdatedFrom)
}

func TestParseNormalization(t *testing.T) {
	p, err := New(DatasetContributions, 2024)
	require.NoError(t, err)

	rec, err := p.Parse(contributionRow("1", "20240105", "abc"))
	require.NoError(t, err)
	require.NotNil(t, rec.Date, "YYYYMMDD is the second layout")
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), *rec.Date)
	require.NotNil(t, rec.Amount)
	assert.Equal(t, 0.0, *rec.Amount, "unparseable numbers fall back to zero")

	rec, err = p.Parse(contributionRow("2", "2024-01-05", ""))
	require.NoError(t, err)
	assert.Nil(t, rec.Date)
	assert.Nil(t, rec.Amount)
}

func TestParseRejects(t *testing.T) {
	p, err := New(DatasetContributions, 2024)
	require.NoError(t, err)

	_, err = p.Parse([]string{"C1", "N"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = p.Parse(contributionRow("  ", "01052024", "1"))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = New("expenditures", 2024)
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	cm, err := New(DatasetCommittees, 2024)
	require.NoError(t, err)
	row := strings.Split("C00000001|FRIENDS OF SMITH|DOE|1 MAIN||SPRINGFIELD|IL|62701|P|H|DEM|Q|||H4IL00001", "|")

	parent, related, ok := cm.Lookup(row)
	assert.True(t, ok)
	assert.Equal(t, "C00000001", parent)
	assert.Equal(t, "H4IL00001", related)

	rec, err := cm.Parse(row)
	require.NoError(t, err)
	assert.Equal(t, "H4IL00001", rec.RelatedID)
	assert.Equal(t, "DOE", rec.Extra["tres_nm"])

	row[14] = ""
	_, _, ok = cm.Lookup(row)
	assert.False(t, ok)

	ct, err := New(DatasetContributions, 2024)
	require.NoError(t, err)
	_, _, ok = ct.Lookup(contributionRow("1", "", ""))
	assert.False(t, ok, "contributions feed no lookup")
}

func TestParseDate(t *testing.T) {
	assert.Nil(t, ParseDate("1052024"))
	assert.Nil(t, ParseDate("13452024"))
	d := ParseDate("12312023")
	require.NotNil(t, d)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), *d)
}
