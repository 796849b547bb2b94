package adjudicate

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/dedupe"
	"github.com/sells-group/leadflow/internal/model"
)

type fakeMessenger struct {
	answer  string
	err     error
	prompts []string
}

func (f *fakeMessenger) Complete(ctx context.Context, system, user string) (string, error) {
	f.prompts = append(f.prompts, user)
	return f.answer, f.err
}

func pair() (*model.BusinessRecord, *model.BusinessRecord) {
	return &model.BusinessRecord{ID: "a", Name: "Acme Plumbing"},
		&model.BusinessRecord{ID: "b", Name: "Acme Plumbing Supply"}
}

func TestAdjudicate_ParsesVerdicts(t *testing.T) {
	cases := []struct {
		answer string
		want   dedupe.Verdict
	}{
		{"MERGE", dedupe.VerdictMerge},
		{"  merge\n", dedupe.VerdictMerge},
		{"REJECT", dedupe.VerdictReject},
		{"I am not sure", dedupe.VerdictReject},
	}
	for _, c := range cases {
		m := &fakeMessenger{answer: c.answer}
		j := NewLLMJudge(m, 1000)

		a, b := pair()
		got, err := j.Adjudicate(context.Background(), a, b)
		require.NoError(t, err, "answer %q", c.answer)
		assert.Equal(t, c.want, got, "answer %q", c.answer)
	}
}

func TestAdjudicate_PromptContainsBothRecords(t *testing.T) {
	m := &fakeMessenger{answer: "REJECT"}
	j := NewLLMJudge(m, 1000)

	a, b := pair()
	_, err := j.Adjudicate(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, m.prompts, 1)
	assert.Contains(t, m.prompts[0], "Acme Plumbing")
	assert.Contains(t, m.prompts[0], "Acme Plumbing Supply")
}

func TestAdjudicate_PropagatesErrors(t *testing.T) {
	m := &fakeMessenger{err: eris.New("upstream down")}
	j := NewLLMJudge(m, 1000)

	a, b := pair()
	_, err := j.Adjudicate(context.Background(), a, b)
	assert.Error(t, err)
}

func TestRejectAll(t *testing.T) {
	a, b := pair()
	v, err := RejectAll{}.Adjudicate(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, dedupe.VerdictReject, v)
}
