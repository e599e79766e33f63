package mechanisms

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Analysis tallies the indexed mechanisms by agency, partner and country.
// The per country partner to agency map drives agency management of
// partner user groups.
type Analysis struct {
	Lines      int
	Mechanisms int
	InOUs      int

	Agencies               map[string]int
	Partners               map[string]int
	PartnerNames           map[string]string
	CountryAgencies        map[string]map[string]int
	CountryPartnerAgencies map[string]map[string]map[string]int
}

func Analyze(ix *Index) *Analysis {
	a := &Analysis{
		Lines:                  ix.Lines,
		Mechanisms:             ix.Distinct,
		Agencies:               map[string]int{},
		Partners:               map[string]int{},
		PartnerNames:           map[string]string{},
		CountryAgencies:        map[string]map[string]int{},
		CountryPartnerAgencies: map[string]map[string]map[string]int{},
	}
	for _, m := range ix.Sorted() {
		a.InOUs++
		a.Agencies[m.Agency]++
		a.Partners[m.PartnerCode]++
		a.PartnerNames[m.PartnerCode] = m.PartnerName

		if a.CountryAgencies[m.Country] == nil {
			a.CountryAgencies[m.Country] = map[string]int{}
		}
		a.CountryAgencies[m.Country][m.Agency]++

		partners := a.CountryPartnerAgencies[m.Country]
		if partners == nil {
			partners = map[string]map[string]int{}
			a.CountryPartnerAgencies[m.Country] = partners
		}
		if partners[m.PartnerCode] == nil {
			partners[m.PartnerCode] = map[string]int{}
		}
		partners[m.PartnerCode][m.Agency]++
	}
	return a
}

// FixPartnerCollision renames a partner whose name is also an agency name,
// since one category option group cannot belong to both group sets.
func (a *Analysis) FixPartnerCollision(m *Record) (string, bool) {
	if a.Agencies[m.PartnerName] == 0 {
		return "", false
	}
	renamed := m.PartnerName + " (partner)"
	m.PartnerName = renamed
	a.PartnerNames[m.PartnerCode] = renamed
	return renamed, true
}

// PartnerAgencies returns the sorted agencies funding a partner in a country.
func (a *Analysis) PartnerAgencies(country, partnerCode string) []string {
	return sortedKeys(a.CountryPartnerAgencies[country][partnerCode])
}

// WriteReport writes the human readable tabulation logged before a run.
func (a *Analysis) WriteReport(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Processing %d import lines, %d mechanisms, %d in %d OUs, %d agencies, and %d partners.\n",
		a.Lines, a.Mechanisms, a.InOUs, len(a.CountryAgencies), len(a.Agencies), len(a.Partners))

	b.WriteString("Agencies:\n")
	for _, agency := range sortedKeys(a.Agencies) {
		fmt.Fprintf(&b, "    %s (%d)\n", agency, a.Agencies[agency])
	}

	b.WriteString("OUs:\n")
	for _, country := range sortedKeys(a.CountryAgencies) {
		total := 0
		var parts []string
		for _, agency := range sortedKeys(a.CountryAgencies[country]) {
			n := a.CountryAgencies[country][agency]
			total += n
			parts = append(parts, fmt.Sprintf("%s (%d)", agency, n))
		}
		fmt.Fprintf(&b, "    %s (%d): %s\n", country, total, strings.Join(parts, ", "))
	}

	for _, country := range sortedKeys(a.CountryPartnerAgencies) {
		fmt.Fprintf(&b, "%s Partners:\n", country)
		for _, code := range sortedKeys(a.CountryPartnerAgencies[country]) {
			agencies := a.PartnerAgencies(country, code)
			fmt.Fprintf(&b, "    %s %s [%s] {%d}\n", code, a.PartnerNames[code], strings.Join(agencies, ", "), len(agencies))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
