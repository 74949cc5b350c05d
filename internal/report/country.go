package report

import (
	"sort"
	"strconv"
	"strings"
)

// hexRange is one ICAO 24-bit address allocation block.
type hexRange struct {
	start   uint32
	end     uint32
	country string
}

// Major ICAO address allocations, ordered by start address. Small island
// allocations are omitted; anything unlisted reports as Unassigned.
var icaoRanges = []hexRange{
	{0x008000, 0x00FFFF, "South Africa"},
	{0x010000, 0x017FFF, "Egypt"},
	{0x018000, 0x01FFFF, "Libya"},
	{0x020000, 0x027FFF, "Morocco"},
	{0x028000, 0x02FFFF, "Tunisia"},
	{0x0A0000, 0x0A7FFF, "Algeria"},
	{0x0D0000, 0x0D7FFF, "Mexico"},
	{0x100000, 0x1FFFFF, "Russia"},
	{0x300000, 0x33FFFF, "Italy"},
	{0x340000, 0x37FFFF, "Spain"},
	{0x380000, 0x3BFFFF, "France"},
	{0x3C0000, 0x3FFFFF, "Germany"},
	{0x400000, 0x43FFFF, "United Kingdom"},
	{0x440000, 0x447FFF, "Austria"},
	{0x448000, 0x44FFFF, "Belgium"},
	{0x450000, 0x457FFF, "Bulgaria"},
	{0x458000, 0x45FFFF, "Denmark"},
	{0x460000, 0x467FFF, "Finland"},
	{0x468000, 0x46FFFF, "Greece"},
	{0x470000, 0x477FFF, "Hungary"},
	{0x478000, 0x47FFFF, "Norway"},
	{0x480000, 0x487FFF, "Netherlands"},
	{0x488000, 0x48FFFF, "Poland"},
	{0x490000, 0x497FFF, "Portugal"},
	{0x498000, 0x49FFFF, "Czech Republic"},
	{0x4A0000, 0x4A7FFF, "Romania"},
	{0x4A8000, 0x4AFFFF, "Sweden"},
	{0x4B0000, 0x4B7FFF, "Switzerland"},
	{0x4B8000, 0x4BFFFF, "Turkey"},
	{0x4C8000, 0x4C83FF, "Cyprus"},
	{0x4CA000, 0x4CAFFF, "Ireland"},
	{0x4CC000, 0x4CCFFF, "Iceland"},
	{0x4D0000, 0x4D03FF, "Luxembourg"},
	{0x4D2000, 0x4D23FF, "Malta"},
	{0x500000, 0x5003FF, "San Marino"},
	{0x501C00, 0x501FFF, "Croatia"},
	{0x502C00, 0x502FFF, "Latvia"},
	{0x503C00, 0x503FFF, "Lithuania"},
	{0x505C00, 0x505FFF, "Slovakia"},
	{0x506C00, 0x506FFF, "Slovenia"},
	{0x508000, 0x50FFFF, "Ukraine"},
	{0x510000, 0x5103FF, "Belarus"},
	{0x511000, 0x5113FF, "Estonia"},
	{0x514000, 0x5143FF, "Georgia"},
	{0x680000, 0x6803FF, "Bhutan"},
	{0x682000, 0x6823FF, "Mongolia"},
	{0x683000, 0x6833FF, "Kazakhstan"},
	{0x700000, 0x700FFF, "Afghanistan"},
	{0x702000, 0x702FFF, "Bangladesh"},
	{0x704000, 0x704FFF, "Myanmar"},
	{0x706000, 0x706FFF, "Kuwait"},
	{0x70A000, 0x70AFFF, "Nepal"},
	{0x70C000, 0x70C3FF, "Oman"},
	{0x70E000, 0x70EFFF, "Cambodia"},
	{0x710000, 0x717FFF, "Saudi Arabia"},
	{0x718000, 0x71FFFF, "South Korea"},
	{0x720000, 0x727FFF, "North Korea"},
	{0x728000, 0x72FFFF, "Iraq"},
	{0x730000, 0x737FFF, "Iran"},
	{0x738000, 0x73FFFF, "Israel"},
	{0x740000, 0x747FFF, "Jordan"},
	{0x748000, 0x74FFFF, "Lebanon"},
	{0x750000, 0x757FFF, "Malaysia"},
	{0x758000, 0x75FFFF, "Philippines"},
	{0x760000, 0x767FFF, "Pakistan"},
	{0x768000, 0x76FFFF, "Singapore"},
	{0x770000, 0x777FFF, "Sri Lanka"},
	{0x778000, 0x77FFFF, "Syria"},
	{0x780000, 0x7BFFFF, "China"},
	{0x7C0000, 0x7FFFFF, "Australia"},
	{0x800000, 0x83FFFF, "India"},
	{0x840000, 0x87FFFF, "Japan"},
	{0x880000, 0x887FFF, "Thailand"},
	{0x888000, 0x88FFFF, "Vietnam"},
	{0x890000, 0x890FFF, "Yemen"},
	{0x894000, 0x894FFF, "Bahrain"},
	{0x896000, 0x896FFF, "United Arab Emirates"},
	{0x898000, 0x898FFF, "Papua New Guinea"},
	{0x899000, 0x8993FF, "Taiwan"},
	{0x8A0000, 0x8A7FFF, "Indonesia"},
	{0xA00000, 0xAFFFFF, "United States"},
	{0xC00000, 0xC3FFFF, "Canada"},
	{0xC80000, 0xC87FFF, "New Zealand"},
	{0xC88000, 0xC88FFF, "Fiji"},
	{0xE00000, 0xE3FFFF, "Argentina"},
	{0xE40000, 0xE7FFFF, "Brazil"},
	{0xE80000, 0xE80FFF, "Chile"},
	{0xE84000, 0xE84FFF, "Ecuador"},
	{0xE88000, 0xE88FFF, "Paraguay"},
	{0xE8C000, 0xE8CFFF, "Peru"},
	{0xE90000, 0xE90FFF, "Uruguay"},
	{0xE94000, 0xE94FFF, "Bolivia"},
}

// CountryForHex returns the registering country for an ICAO 24-bit address.
// Non-ICAO addresses (those with a "~" prefix) report as "Non-ICAO";
// addresses outside every known allocation report as "Unassigned".
func CountryForHex(hex string) string {
	h := strings.ToLower(strings.TrimSpace(hex))
	if strings.HasPrefix(h, "~") {
		return "Non-ICAO"
	}

	addr, err := strconv.ParseUint(h, 16, 32)
	if err != nil || addr > 0xFFFFFF {
		return "Unassigned"
	}
	a := uint32(addr)

	// Find the first range starting after addr; the candidate is the one
	// before it.
	i := sort.Search(len(icaoRanges), func(i int) bool {
		return icaoRanges[i].start > a
	})
	if i == 0 {
		return "Unassigned"
	}
	r := icaoRanges[i-1]
	if a >= r.start && a <= r.end {
		return r.country
	}
	return "Unassigned"
}
