// Package poi acquires and normalizes points of interest from
// OpenStreetMap, custom coordinate files, and address lists.
package poi

import (
	"context"
	"math/rand"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mihiarc/socialmapper/internal/model"
)

// Source produces a batch of POIs. Implementations: OSMSource,
// CustomSource, AddressSource.
type Source interface {
	Produce(ctx context.Context) (*model.POIBatch, error)
}

// Sample reduces a batch to at most maxCount POIs by uniform sampling,
// recording the original count in the metadata. Batches at or under the
// limit pass through unchanged. A non-positive maxCount disables sampling.
func Sample(batch *model.POIBatch, maxCount int, rng *rand.Rand) *model.POIBatch {
	if maxCount <= 0 || len(batch.POIs) <= maxCount {
		return batch
	}

	idx := rng.Perm(len(batch.POIs))[:maxCount]
	sampled := make([]model.POI, 0, maxCount)
	for _, i := range idx {
		sampled = append(sampled, batch.POIs[i])
	}

	out := *batch
	out.POIs = sampled
	out.Metadata.OriginalCount = len(batch.POIs)
	out.Metadata.Sampled = true
	return &out
}

// stateInfo is one row of the state table.
type stateInfo struct {
	fips string
	name string
}

// statesByAbbrev covers the 50 states plus DC.
var statesByAbbrev = map[string]stateInfo{
	"AL": {"01", "Alabama"}, "AK": {"02", "Alaska"}, "AZ": {"04", "Arizona"},
	"AR": {"05", "Arkansas"}, "CA": {"06", "California"}, "CO": {"08", "Colorado"},
	"CT": {"09", "Connecticut"}, "DE": {"10", "Delaware"}, "DC": {"11", "District of Columbia"},
	"FL": {"12", "Florida"}, "GA": {"13", "Georgia"}, "HI": {"15", "Hawaii"},
	"ID": {"16", "Idaho"}, "IL": {"17", "Illinois"}, "IN": {"18", "Indiana"},
	"IA": {"19", "Iowa"}, "KS": {"20", "Kansas"}, "KY": {"21", "Kentucky"},
	"LA": {"22", "Louisiana"}, "ME": {"23", "Maine"}, "MD": {"24", "Maryland"},
	"MA": {"25", "Massachusetts"}, "MI": {"26", "Michigan"}, "MN": {"27", "Minnesota"},
	"MS": {"28", "Mississippi"}, "MO": {"29", "Missouri"}, "MT": {"30", "Montana"},
	"NE": {"31", "Nebraska"}, "NV": {"32", "Nevada"}, "NH": {"33", "New Hampshire"},
	"NJ": {"34", "New Jersey"}, "NM": {"35", "New Mexico"}, "NY": {"36", "New York"},
	"NC": {"37", "North Carolina"}, "ND": {"38", "North Dakota"}, "OH": {"39", "Ohio"},
	"OK": {"40", "Oklahoma"}, "OR": {"41", "Oregon"}, "PA": {"42", "Pennsylvania"},
	"RI": {"44", "Rhode Island"}, "SC": {"45", "South Carolina"}, "SD": {"46", "South Dakota"},
	"TN": {"47", "Tennessee"}, "TX": {"48", "Texas"}, "UT": {"49", "Utah"},
	"VT": {"50", "Vermont"}, "VA": {"51", "Virginia"}, "WA": {"53", "Washington"},
	"WV": {"54", "West Virginia"}, "WI": {"55", "Wisconsin"}, "WY": {"56", "Wyoming"},
}

var titleCaser = cases.Title(language.AmericanEnglish)

// NormalizeState resolves a state given as a two-letter abbreviation or a
// full name (any casing) to its (abbreviation, FIPS). ok is false for
// unrecognized input.
func NormalizeState(s string) (abbrev, fips string, ok bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 2 {
		upper := strings.ToUpper(trimmed)
		if info, found := statesByAbbrev[upper]; found {
			return upper, info.fips, true
		}
	}

	canonical := titleCaser.String(strings.ToLower(trimmed))
	if canonical == "District Of Columbia" {
		canonical = "District of Columbia"
	}
	for ab, info := range statesByAbbrev {
		if info.name == canonical {
			return ab, info.fips, true
		}
	}
	return "", "", false
}

// StateName returns the full name for an abbreviation, or the input when
// unknown.
func StateName(abbrev string) string {
	if info, ok := statesByAbbrev[strings.ToUpper(abbrev)]; ok {
		return info.name
	}
	return abbrev
}
