package ingest

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// BuildNarrative composes a narrative from the structured fields of a
// record, for sources that don't carry one. The result is a few short
// sentences: name, location, identifiers, assets, staff, services and
// clients, each present only when known.
func BuildNarrative(r Record, crd int64) string {
	var parts []string

	if name := strings.TrimSpace(r.Name); name != "" {
		parts = append(parts, name+" is a registered investment adviser")
	}

	var location []string
	for _, s := range []string{r.City, r.State} {
		if s = strings.TrimSpace(s); s != "" {
			location = append(location, s)
		}
	}
	if len(location) > 0 {
		parts = append(parts, "located in "+strings.Join(location, ", "))
	}

	var ids []string
	if crd > 0 {
		ids = append(ids, fmt.Sprintf("CRD number %d", crd))
	}
	if sec := strings.TrimSpace(r.SECNumber); sec != "" {
		ids = append(ids, "SEC file number "+sec)
	}
	if len(ids) > 0 {
		parts = append(parts, "with "+strings.Join(ids, " and "))
	}

	if r.AUM != nil && *r.AUM > 0 {
		parts = append(parts, "managing "+FormatAUM(*r.AUM)+" in assets")
	}
	if r.EmployeeCount > 0 {
		parts = append(parts, fmt.Sprintf("with %d employees", r.EmployeeCount))
	}
	if s := strings.TrimSpace(r.Services); s != "" {
		parts = append(parts, "offering services including "+strings.ToLower(s))
	}
	if s := strings.TrimSpace(r.ClientTypes); s != "" {
		parts = append(parts, "serving "+strings.ToLower(s))
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.ReplaceAll(strings.Join(parts, ". ")+".", "..", ".")
}

// FormatAUM renders a dollar amount as "$2.5 billion", "$12.0 million" or
// "$950,000".
func FormatAUM(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.1f billion", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.1f million", v/1e6)
	default:
		return "$" + humanize.Comma(int64(math.Round(v)))
	}
}
