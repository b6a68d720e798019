package normalize

import (
	"strings"

	"bidaggregator/internal/sources/pportal"
	"bidaggregator/lib/textutil"

	"github.com/antzucaro/matchr"
)

// minOrgSimilarity is the Jaro-Winkler score below which no code is assigned.
const minOrgSimilarity = 0.85

// MatchOrgCode maps an organization name onto a portal ministry code. A name
// naming a ministry (including its bureaus) matches by containment, anything
// else by the most similar ministry name. It returns "" when nothing is
// close enough.
func MatchOrgCode(name string) string {
	key := textutil.NormalizeName(name)
	if key == "" {
		return ""
	}

	var bestCode string
	var bestLen int
	for _, o := range pportal.Organizations {
		orgKey := textutil.NormalizeName(o.Name)
		if strings.Contains(key, orgKey) && len(orgKey) > bestLen {
			bestCode = o.Code
			bestLen = len(orgKey)
		}
	}
	if bestCode != "" {
		return bestCode
	}

	var bestSimilarity float64
	for _, o := range pportal.Organizations {
		similarity := matchr.JaroWinkler(key, textutil.NormalizeName(o.Name), false)
		if similarity > bestSimilarity {
			bestSimilarity = similarity
			bestCode = o.Code
		}
	}
	if bestSimilarity < minOrgSimilarity {
		return ""
	}
	return bestCode
}
