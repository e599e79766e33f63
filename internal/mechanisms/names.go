package mechanisms

import "github.com/datim/mechsync/internal/metadata"

// Well-known metadata.
const (
	FundingMechanism    = "Funding Mechanism"
	FundingAgency       = "Funding Agency"
	ImplementingPartner = "Implementing Partner"

	fundingMechanismCategoryID = "SH885jaRe0o"
	fundingMechanismComboID    = "wUpfppgjEza"
	fundingAgencySetID         = "bw8KHXzxd9i"
	implementingPartnerSetID   = "BOyWrF33hiR"

	GlobalAllMechanisms  = "Global all mechanisms"
	GlobalMetadataAdmins = "Global Metadata Administrators"
	GlobalUserAdmins     = "Global User Administrators"
	GlobalUsers          = "Global Users"
	DataSIAccess         = "Data SI access"

	allMechanismsWithoutDedup     = "All mechanisms without deduplication"
	allMechanismsWithoutDedupCode = "ALL_MECH_WO_DEDUP"

	dedupOptionID    = "xEzelmtHWPn" // 00000 De-duplication adjustment
	dedupGroupID     = "nzQrpc6Dl58" // Deduplication adjustments
	allMechWoDedupID = "UwIZeT7Ciz3"
	dedupGroupSetID  = "sdoDQv2EDjp"
)

var dataAccessGroups = []string{"Data EA access", DataSIAccess, "Data SIMS access"}

func groupName(s string) string { return metadata.Truncate(s, metadata.MaxNameLength) }

func countryTeam(country string) string    { return "OU " + country + " Country team" }
func countryAdmins(country string) string  { return "OU " + country + " User administrators" }
func countryAllMech(country string) string { return "OU " + country + " All mechanisms" }

func agencyCode(agency string) string          { return "Agency_" + agency }
func globalAgencyUsers(agency string) string   { return "Global Agency " + agency + " users" }
func globalAgencyAdmins(agency string) string  { return "Global Agency " + agency + " user administrators" }
func globalAgencyAllMech(agency string) string { return "Global Agency " + agency + " all mechanisms" }

func countryAgencyUsers(country, agency string) string {
	return groupName("OU " + country + " Agency " + agency + " users")
}

func countryAgencyAdmins(country, agency string) string {
	return groupName("OU " + country + " Agency " + agency + " user administrators")
}

func countryAgencyAllMech(country, agency string) string {
	return groupName("OU " + country + " Agency " + agency + " all mechanisms")
}

func partnerCode(code string) string { return "Partner_" + code }

func countryPartnerUsers(country, code, name string) string {
	return groupName("OU " + country + " Partner " + code + " users - " + name)
}

func countryPartnerAdmins(country, code, name string) string {
	return groupName("OU " + country + " Partner " + code + " user administrators - " + name)
}

func countryPartnerAllMech(country, code, name string) string {
	return groupName("OU " + country + " Partner " + code + " all mechanisms - " + name)
}

func mechanismGroup(country, optionName string) string {
	return groupName("OU " + country + " Mechanism " + optionName)
}

func byNames(names ...string) []metadata.Reference {
	refs := make([]metadata.Reference, 0, len(names))
	for _, name := range names {
		refs = append(refs, metadata.ByName(name))
	}
	return refs
}

func read(name string) metadata.Grant      { return metadata.Read(metadata.ByName(name)) }
func readWrite(name string) metadata.Grant { return metadata.ReadWrite(metadata.ByName(name)) }
