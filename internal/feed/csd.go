package feed

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/mechanisms"
)

type csdDocument struct {
	Organizations []csdOrganization `xml:"organizationDirectory>organization"`
}

type csdAttr struct {
	Code     string `xml:"code,attr"`
	EntityID string `xml:"entityID,attr"`
	Status   string `xml:"status,attr"`
}

type csdOrganization struct {
	EntityID    string        `xml:"entityID,attr"`
	CodedTypes  []csdAttr     `xml:"codedType"`
	PrimaryName string        `xml:"primaryName"`
	OtherNames  []string      `xml:"otherName"`
	OtherIDs    []csdAttr     `xml:"otherID"`
	Records     []csdAttr     `xml:"record"`
	Mechanism   *csdMechanism `xml:"extension>mechanismDescriptor"`
}

type csdMechanism struct {
	HQMechanismID          string  `xml:"HQMechanismID"`
	FiscalYear             string  `xml:"FiscalYear"`
	PlanningReportingCycle string  `xml:"PlanningReportingCycle"`
	FundingAgency          string  `xml:"FundingAgency"`
	PrimePartner           csdAttr `xml:"PrimePartner"`
	OperatingUnit          csdAttr `xml:"OperatingUnit"`
	StartDate              string  `xml:"StartDate"`
	EndDate                string  `xml:"EndDate"`
}

func first[T any](list []T) T {
	var zero T
	if len(list) == 0 {
		return zero
	}
	return list[0]
}

// ReadCSD decodes a CSD organization directory. Mechanism organizations
// name their partner and operating unit by entity id; partners are resolved
// from the partner organizations in the same document, and the country is
// left for resolution by UUID. A mechanism whose partner is missing is
// skipped.
func ReadCSD(r io.Reader, logger *slog.Logger) ([]mechanisms.Record, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	var doc csdDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("read csd feed: %w", err)
	}

	type partner struct{ name, code string }
	partners := map[string]partner{}
	var pending []csdOrganization
	for _, org := range doc.Organizations {
		switch first(org.CodedTypes).Code {
		case "mechanism":
			if org.Mechanism == nil {
				logger.Warn("csd mechanism without descriptor", "entityID", org.EntityID)
				continue
			}
			pending = append(pending, org)
		case "partner":
			partners[strings.TrimSpace(org.EntityID)] = partner{
				name: strings.TrimSpace(org.PrimaryName),
				code: strings.TrimSpace(first(org.OtherIDs).Code),
			}
		}
	}

	out := make([]mechanisms.Record, 0, len(pending))
	for _, org := range pending {
		m := org.Mechanism
		partnerID := strings.TrimSpace(m.PrimePartner.EntityID)
		p, ok := partners[partnerID]
		if !ok {
			logger.Error("can't find partner", "uuid", partnerID, "mechanism", strings.TrimSpace(m.HQMechanismID))
			continue
		}
		out = append(out, mechanisms.Record{
			CountryUUID: strings.TrimSpace(m.OperatingUnit.EntityID),
			FiscalYear:  mechanisms.ParseFiscalYear(m.FiscalYear),
			Cycle:       strings.TrimSpace(m.PlanningReportingCycle),
			Code:        strings.TrimSpace(m.HQMechanismID),
			Name:        strings.TrimSpace(first(org.OtherNames)),
			Agency:      strings.TrimSpace(m.FundingAgency),
			PartnerName: p.name,
			PartnerCode: p.code,
			Start:       strings.TrimSpace(m.StartDate),
			End:         strings.TrimSpace(m.EndDate),
			Active:      first(org.Records).Status == "Active",
		})
	}
	logging.Trace(logger, "read csd feed", "records", len(out), "partners", len(partners))
	return out, nil
}
