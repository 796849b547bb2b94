package registry

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// ErrCyclicDependency is returned when registering a stage whose edges
// would make the dependency graph cyclic. Detected at registration time,
// before any stage executes.
var ErrCyclicDependency = eris.New("registry: cyclic stage dependency")

// ErrUnknownDependency is returned by Validate when a registered stage
// depends on a stage id that was never registered.
var ErrUnknownDependency = eris.New("registry: unknown stage dependency")

// Stage declares one pipeline stage. Immutable once registered.
type Stage struct {
	ID            model.StageID
	Ordinal       int
	DependsOn     []model.StageID
	CostIncurring bool

	// Essential marks stages allowed to proceed while the scaling gate
	// is active. Deliberately independent of CostIncurring.
	Essential bool

	// Service is the budget account charged when CostIncurring.
	Service string

	// AttemptTimeout bounds a single execution attempt. Zero means the
	// orchestrator default applies.
	AttemptTimeout time.Duration
}

// Registry owns the stage set and its dependency graph.
type Registry struct {
	stages map[model.StageID]Stage
}

// New creates an empty stage registry.
func New() *Registry {
	return &Registry{stages: make(map[model.StageID]Stage)}
}

// Register adds a stage. It fails with ErrCyclicDependency if the stage's
// edges would introduce a cycle among the stages registered so far, and
// rejects duplicate ids. Dependencies on not-yet-registered stages are
// allowed until Validate.
func (r *Registry) Register(s Stage) error {
	if s.ID == "" {
		return eris.New("registry: stage id is required")
	}
	if _, dup := r.stages[s.ID]; dup {
		return eris.Errorf("registry: stage %s already registered", s.ID)
	}

	r.stages[s.ID] = s
	if r.hasCycle() {
		delete(r.stages, s.ID)
		return eris.Wrapf(ErrCyclicDependency, "registry: registering %s", s.ID)
	}
	return nil
}

// Validate checks that every declared dependency refers to a registered
// stage. Called once before a run starts; a failure here is fatal to the
// whole run.
func (r *Registry) Validate() error {
	for _, s := range r.stages {
		for _, dep := range s.DependsOn {
			if _, ok := r.stages[dep]; !ok {
				return eris.Wrapf(ErrUnknownDependency, "registry: stage %s depends on %s", s.ID, dep)
			}
		}
	}
	return nil
}

// Get returns a registered stage by id.
func (r *Registry) Get(id model.StageID) (Stage, bool) {
	s, ok := r.stages[id]
	return s, ok
}

// Stages returns all registered stages in ascending ordinal order.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Ready returns the execution frontier for one work unit: stages whose
// every dependency has a Completed or Skipped result and whose own result
// is still Pending (a missing result counts as Pending). Sorted by
// ascending ordinal for reproducible scheduling.
func (r *Registry) Ready(results map[model.StageID]*model.StageResult) []Stage {
	var out []Stage
	for _, s := range r.Stages() {
		if res, ok := results[s.ID]; ok && res.Status != model.StagePending {
			continue
		}
		if r.depsSatisfied(s, results) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) depsSatisfied(s Stage, results map[model.StageID]*model.StageResult) bool {
	for _, dep := range s.DependsOn {
		res, ok := results[dep]
		if !ok {
			return false
		}
		if res.Status != model.StageCompleted && res.Status != model.StageSkipped {
			return false
		}
	}
	return true
}

// hasCycle runs Kahn's algorithm over the registered stages. Edges to
// unregistered stages are ignored; they cannot close a cycle until the
// missing stage is registered, at which point that Register call detects it.
func (r *Registry) hasCycle() bool {
	indegree := make(map[model.StageID]int, len(r.stages))
	dependents := make(map[model.StageID][]model.StageID, len(r.stages))

	for id := range r.stages {
		indegree[id] = 0
	}
	for id, s := range r.stages {
		for _, dep := range s.DependsOn {
			if _, ok := r.stages[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]model.StageID, 0, len(r.stages))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(r.stages)
}

// Default returns the standard lead pipeline: ingest → enrich → dedupe →
// score → personalize → deliver. Enrich, score and personalize are the
// cost-incurring growth stages; ingest, dedupe and deliver are essential.
func Default() *Registry {
	r := New()
	stages := []Stage{
		{ID: model.StageIngest, Ordinal: 1, Essential: true},
		{ID: model.StageEnrich, Ordinal: 2, DependsOn: []model.StageID{model.StageIngest}, CostIncurring: true, Service: "enrich"},
		{ID: model.StageDedupe, Ordinal: 3, DependsOn: []model.StageID{model.StageEnrich}, Essential: true},
		{ID: model.StageScore, Ordinal: 4, DependsOn: []model.StageID{model.StageDedupe}, CostIncurring: true, Service: "score"},
		{ID: model.StagePersonalize, Ordinal: 5, DependsOn: []model.StageID{model.StageScore}, CostIncurring: true, Service: "personalize"},
		{ID: model.StageDeliver, Ordinal: 6, DependsOn: []model.StageID{model.StagePersonalize}, Essential: true},
	}
	for _, s := range stages {
		// Construction of the default graph cannot cycle.
		_ = r.Register(s)
	}
	return r
}
