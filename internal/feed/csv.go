package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/mechanisms"
)

// Column order of the FACTS Info nightly export.
const (
	colCountry = iota
	colFiscalYear
	colCycle
	colCode
	colLegacyCode
	colName
	colAgency
	colPartnerName
	colPartnerCode
	colStart
	colEnd
	colActive

	minColumns = colEnd + 1
)

// ReadCSV decodes a Windows-1252 FACTS Info export. The header line is
// skipped. A row without the active column counts as active.
func ReadCSV(r io.Reader, logger *slog.Logger) ([]mechanisms.Record, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	reader := csv.NewReader(charmap.Windows1252.NewDecoder().Reader(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	var out []mechanisms.Record
	header := true
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv feed: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(row) < minColumns {
			line, _ := reader.FieldPos(0)
			logger.Warn("skipping short feed line", "line", line, "columns", len(row))
			continue
		}
		field := func(i int) string { return strings.TrimSpace(row[i]) }
		rec := mechanisms.Record{
			Country:     field(colCountry),
			FiscalYear:  mechanisms.ParseFiscalYear(field(colFiscalYear)),
			Cycle:       field(colCycle),
			Code:        field(colCode),
			LegacyCode:  field(colLegacyCode),
			Name:        field(colName),
			Agency:      field(colAgency),
			PartnerName: field(colPartnerName),
			PartnerCode: field(colPartnerCode),
			Start:       field(colStart),
			End:         field(colEnd),
			Active:      true,
		}
		if len(row) > colActive {
			rec.Active = parseActive(field(colActive))
		}
		out = append(out, rec)
	}
	logging.Trace(logger, "read csv feed", "records", len(out))
	return out, nil
}

func parseActive(raw string) bool {
	switch strings.ToLower(raw) {
	case "", "0", "false", "no", "n", "inactive":
		return false
	}
	return true
}
