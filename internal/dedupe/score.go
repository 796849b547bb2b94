package dedupe

import (
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/leadflow/internal/model"
)

// Weights distributes the similarity score across the comparable
// components. Components where neither record has data are excluded and
// the remaining weights are renormalized, so two records that agree on
// everything they both know can still reach 1.0.
type Weights struct {
	Name    float64 `yaml:"name" mapstructure:"name"`
	Address float64 `yaml:"address" mapstructure:"address"`
	Phone   float64 `yaml:"phone" mapstructure:"phone"`
}

// DefaultWeights returns the standard 0.5/0.3/0.2 split.
func DefaultWeights() Weights {
	return Weights{Name: 0.5, Address: 0.3, Phone: 0.2}
}

// Score computes the weighted similarity of two records in [0, 1].
func Score(a, b *model.BusinessRecord, w Weights) float64 {
	var sum, total float64

	if a.Name != "" || b.Name != "" {
		sum += w.Name * nameSimilarity(a.Name, b.Name)
		total += w.Name
	}

	aAddr, bAddr := addressLine(a), addressLine(b)
	if aAddr != "" || bAddr != "" {
		sum += w.Address * addressSimilarity(aAddr, bAddr)
		total += w.Address
	}

	if a.Phone != "" || b.Phone != "" {
		sum += w.Phone * phoneSimilarity(a.Phone, b.Phone)
		total += w.Phone
	}

	if total == 0 {
		return 0
	}
	return sum / total
}

func nameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return levenshtein.Similarity(na, nb, nil)
}

func addressLine(r *model.BusinessRecord) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{r.Street, r.City, r.State, r.ZipCode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// addressSimilarity is the Jaccard index of normalized address tokens.
// Edit distance is too forgiving for addresses, where "12 Main St" and
// "21 Main St" are different places.
func addressSimilarity(a, b string) float64 {
	ta := strings.Fields(NormalizeAddress(a))
	tb := strings.Fields(NormalizeAddress(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	set := make(map[string]bool, len(ta))
	for _, tok := range ta {
		set[tok] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(tb))
	for _, tok := range tb {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if set[tok] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// phoneSimilarity is exact match on normalized digits, with partial
// credit when only the local 7-digit portion agrees (area code splits and
// typos in the prefix are common in source data).
func phoneSimilarity(a, b string) float64 {
	pa, pb := NormalizePhone(a), NormalizePhone(b)
	if pa == "" || pb == "" {
		return 0
	}
	if pa == pb {
		return 1
	}
	if len(pa) >= 7 && len(pb) >= 7 && pa[len(pa)-7:] == pb[len(pb)-7:] {
		return 0.7
	}
	return 0
}
