package mechanisms

import (
	"log/slog"
	"sort"
	"strconv"

	"github.com/datim/mechsync/internal/logging"
)

const (
	lateStart = "2050-01-01"
	earlyEnd  = "1990-01-01"

	// NoValidYear is the window given to a mechanism with no active year
	// from 2014 on.
	NoValidYear = "2014-09-30"
)

// window maps a record's fiscal year to its validity window.
func window(r *Record) (start, end string) {
	switch {
	case !r.Active || r.FiscalYear < 2014:
		return lateStart, earlyEnd
	case r.FiscalYear == 2014:
		// September 2013 plus FY2014.
		return "2013-09-01", "2014-09-30"
	case r.FiscalYear == 2015:
		// FY2015 and FY2016.
		return "2014-10-01", "2016-09-30"
	default:
		return strconv.Itoa(r.FiscalYear) + "-10-01", strconv.Itoa(r.FiscalYear+1) + "-09-30"
	}
}

// Index holds one record per mechanism code.
type Index struct {
	Lines      int
	Distinct   int
	mechanisms map[string]*Record
	logger     *slog.Logger
}

// NewIndex collapses the per-year lines of each mechanism into one record.
// The latest year supplies the attributes; the window is the union of the
// windows of every year seen.
func NewIndex(records []Record, logger *slog.Logger) *Index {
	if logger == nil {
		logger = logging.Discard()
	}
	ix := &Index{Lines: len(records), mechanisms: map[string]*Record{}, logger: logger}
	for i := range records {
		m := records[i]
		logging.Trace(logger, "feed line", "fiscalYear", m.FiscalYear, "active", m.Active, "code", m.Code, "name", m.Name)
		m.Start, m.End = window(&m)

		existing := ix.mechanisms[m.Code]
		switch {
		case existing == nil:
			ix.mechanisms[m.Code] = &m
			ix.Distinct++
		case m.FiscalYear > existing.FiscalYear:
			m.Start = minString(m.Start, existing.Start)
			m.End = maxString(m.End, existing.End)
			ix.mechanisms[m.Code] = &m
		default:
			existing.Start = minString(m.Start, existing.Start)
			existing.End = maxString(m.End, existing.End)
		}
	}
	for _, m := range ix.mechanisms {
		if m.End == earlyEnd {
			logging.Trace(logger, "no valid fiscal year", "code", m.Code, "name", m.Name)
			m.Start, m.End = NoValidYear, NoValidYear
		}
	}
	return ix
}

func (ix *Index) Len() int { return len(ix.mechanisms) }

func (ix *Index) Get(code string) *Record { return ix.mechanisms[code] }

// DiscardNotPreexisting drops mechanisms with no valid year unless their
// code already exists remotely.
func (ix *Index) DiscardNotPreexisting(existing map[string]bool) int {
	n := 0
	for code, m := range ix.mechanisms {
		if m.End == NoValidYear && !existing[code] {
			logging.Trace(ix.logger, "discarding mechanism with no valid year", "code", code, "name", m.Name)
			delete(ix.mechanisms, code)
			n++
		}
	}
	return n
}

// DiscardUnknownCountries drops mechanisms whose country is unknown, first
// trying the country UUID against byEntityID (entity id to country name).
// A UUID match rewrites the record's country name.
func (ix *Index) DiscardUnknownCountries(names map[string]bool, byEntityID map[string]string) int {
	n := 0
	for code, m := range ix.mechanisms {
		if m.Country != "" && names[m.Country] {
			continue
		}
		uuid := m.CountryUUID
		if len(uuid) > 36 {
			uuid = uuid[len(uuid)-36:]
		}
		if name, ok := byEntityID[uuid]; ok && uuid != "" {
			m.Country = name
			continue
		}
		logging.Trace(ix.logger, "discarding mechanism with no country", "code", code, "country", m.Country, "uuid", uuid)
		delete(ix.mechanisms, code)
		n++
	}
	return n
}

// Sorted returns the mechanisms ordered by country, agency, partner code
// and code.
func (ix *Index) Sorted() []*Record {
	out := make([]*Record, 0, len(ix.mechanisms))
	for _, m := range ix.mechanisms {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		if a.Agency != b.Agency {
			return a.Agency < b.Agency
		}
		if a.PartnerCode != b.PartnerCode {
			return a.PartnerCode < b.PartnerCode
		}
		return a.Code < b.Code
	})
	return out
}

func minString(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func maxString(a, b string) string {
	if a > b {
		return a
	}
	return b
}
