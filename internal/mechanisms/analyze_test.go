package mechanisms

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportRecords() []Record {
	mk := func(country, agency, partnerCode, partnerName, code string) Record {
		return Record{Country: country, Agency: agency, PartnerCode: partnerCode, PartnerName: partnerName,
			Code: code, Name: "Mechanism " + code, FiscalYear: 2017, Active: true}
	}
	return []Record{
		mk("Kenya", "USAID", "100", "Acme Health", "10001"),
		mk("Kenya", "USAID", "100", "Acme Health", "10002"),
		mk("Kenya", "HHS/CDC", "100", "Acme Health", "10003"),
		mk("Ghana", "USAID", "200", "Beta Care", "20001"),
		mk("Ghana", "USAID", "200", "Beta Care", "20001"),
	}
}

func TestWriteReport(t *testing.T) {
	a := Analyze(NewIndex(reportRecords(), nil))

	var buf bytes.Buffer
	require.NoError(t, a.WriteReport(&buf))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, "report", buf.Bytes())
}

func TestAnalyzeCountsPartnerAgencies(t *testing.T) {
	a := Analyze(NewIndex(reportRecords(), nil))

	assert.Equal(t, 5, a.Lines)
	assert.Equal(t, 4, a.Mechanisms)
	assert.Equal(t, []string{"HHS/CDC", "USAID"}, a.PartnerAgencies("Kenya", "100"))
	assert.Equal(t, []string{"USAID"}, a.PartnerAgencies("Ghana", "200"))
	assert.Empty(t, a.PartnerAgencies("Ghana", "100"))
}

func TestFixPartnerCollision(t *testing.T) {
	records := reportRecords()
	records[3].PartnerName = "State/AF"
	records[4].PartnerName = "State/AF"
	records = append(records, Record{Country: "Ghana", Agency: "State/AF", PartnerCode: "300", PartnerName: "Other",
		Code: "30001", Name: "Mechanism 30001", FiscalYear: 2017, Active: true})
	ix := NewIndex(records, nil)
	a := Analyze(ix)

	m := ix.Get("20001")
	renamed, ok := a.FixPartnerCollision(m)
	require.True(t, ok)
	assert.Equal(t, "State/AF (partner)", renamed)
	assert.Equal(t, "State/AF (partner)", m.PartnerName)
	assert.Equal(t, "State/AF (partner)", a.PartnerNames["200"])

	_, ok = a.FixPartnerCollision(ix.Get("10001"))
	assert.False(t, ok)
}
