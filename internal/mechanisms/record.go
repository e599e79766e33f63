// Package mechanisms converges the remote metadata store onto a feed of
// funding mechanism records: countries, agencies, partners, mechanisms and
// the user groups and sharing that go with them.
package mechanisms

import (
	"strconv"
	"strings"
)

// Record is one feed line. A mechanism usually appears once per fiscal year.
type Record struct {
	Country     string
	CountryUUID string
	FiscalYear  int
	Cycle       string
	Code        string
	LegacyCode  string
	Name        string
	Agency      string
	PartnerName string
	PartnerCode string
	Active      bool

	// Start and End are the validity window, computed while indexing.
	Start string
	End   string
}

// ParseFiscalYear returns 0 for anything that is not a plain year.
func ParseFiscalYear(raw string) int {
	fy, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || fy < 0 {
		return 0
	}
	return fy
}

// OptionName is the display name of the mechanism's category option.
func (r *Record) OptionName() string {
	return r.Code + " - " + r.Name
}

// CountryOverride forces every code in [From, To] into Country. Codes
// compare as strings.
type CountryOverride struct {
	From    string `yaml:"from" json:"from"`
	To      string `yaml:"to" json:"to"`
	Country string `yaml:"country" json:"country"`
}

func (o CountryOverride) Matches(code string) bool {
	return code >= o.From && code <= o.To
}

// DefaultCountryOverrides reassigns the Guyana mechanisms that the feed
// files under another operating unit.
var DefaultCountryOverrides = []CountryOverride{{From: "18183", To: "18190", Country: "Guyana"}}
