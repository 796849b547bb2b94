package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/leadflow/internal/model"
)

func TestScore_SameBusinessDifferentSuffix(t *testing.T) {
	a := &model.BusinessRecord{ID: "a", Name: "Joe's Pizza", Phone: "555-1234"}
	b := &model.BusinessRecord{ID: "b", Name: "Joes Pizza LLC", Phone: "555-1234"}

	score := Score(a, b, DefaultWeights())
	assert.GreaterOrEqual(t, score, 0.85,
		"identical business with entity suffix and same phone must auto-merge")
}

func TestScore_MissingComponentsRenormalize(t *testing.T) {
	// Neither record has an address or phone; a perfect name match must
	// still score 1.0 rather than being capped at the name weight.
	a := &model.BusinessRecord{ID: "a", Name: "Blue Bottle Coffee"}
	b := &model.BusinessRecord{ID: "b", Name: "Blue Bottle Coffee"}
	assert.InDelta(t, 1.0, Score(a, b, DefaultWeights()), 1e-9)
}

func TestScore_DissimilarRecords(t *testing.T) {
	a := &model.BusinessRecord{ID: "a", Name: "Joe's Pizza", Phone: "555-1234"}
	b := &model.BusinessRecord{ID: "b", Name: "Riverside Dental", Phone: "555-9999"}
	assert.LessOrEqual(t, Score(a, b, DefaultWeights()), 0.30)
}

func TestScore_OneSidedFieldCountsAgainst(t *testing.T) {
	// Only one record has a phone: the phone component is present (one
	// side has data) and scores 0, pulling the total below a pure name
	// match.
	a := &model.BusinessRecord{ID: "a", Name: "Harbor Books", Phone: "555-1234"}
	b := &model.BusinessRecord{ID: "b", Name: "Harbor Books"}

	withPhone := Score(a, b, DefaultWeights())
	assert.Less(t, withPhone, 1.0)
	assert.InDelta(t, 0.5/0.7, withPhone, 1e-9)
}

func TestAddressSimilarity(t *testing.T) {
	a := &model.BusinessRecord{ID: "a", Name: "X", Street: "12 Main St", City: "Austin", State: "TX"}
	b := &model.BusinessRecord{ID: "b", Name: "X", Street: "12 Main St", City: "Austin", State: "TX"}
	assert.InDelta(t, 1.0, Score(a, b, DefaultWeights()), 1e-9)

	// Transposed street number shares most tokens but not all.
	c := b.Clone()
	c.Street = "21 Main St"
	assert.Less(t, Score(a, c, DefaultWeights()), 1.0)
}

func TestPhoneSimilarity_LocalPortion(t *testing.T) {
	assert.InDelta(t, 1.0, phoneSimilarity("(512) 555-1234", "+1 512 555 1234"), 1e-9)
	assert.InDelta(t, 0.7, phoneSimilarity("512-555-1234", "737-555-1234"), 1e-9)
	assert.Zero(t, phoneSimilarity("512-555-1234", "512-555-9999"))
	assert.Zero(t, phoneSimilarity("", "512-555-1234"))
}
