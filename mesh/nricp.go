package mesh

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// RegistrationConfig holds the settings of a non-rigid registration.
// A value is passed to Register and never modified by it.
//
// Damping must be positive for planar meshes: with Damping 0 the out-of-plane
// rows of every affine block are unconstrained and the first solve fails
// with ErrSingularSystem. The same happens in any iteration that rejects
// every match, since stiffness alone leaves a shared offset of all blocks free.
type RegistrationConfig struct {
	StiffnessSchedule    []float64 `yaml:"stiffnessSchedule,omitempty" json:"stiffnessSchedule,omitempty"` // Strictly decreasing alpha values
	Gamma                float64   `yaml:"gamma" json:"gamma"`                                             // Translation weight in the stiffness term
	InnerIterations      int       `yaml:"innerIterations" json:"innerIterations"`                         // Solves per alpha
	RejectionDistance    float64   `yaml:"rejectionDistance" json:"rejectionDistance"`                     // Matches farther than this get weight 0
	NormalWeighting      bool      `yaml:"normalWeighting" json:"normalWeighting"`                         // Reject matches with disagreeing normals
	NormalAngleThreshold float64   `yaml:"normalAngleThreshold" json:"normalAngleThreshold"`               // Radians
	ProjectToTarget      bool      `yaml:"projectToTarget" json:"projectToTarget"`                         // Snap accepted vertices onto their match at the end
	Damping              float64   `yaml:"damping" json:"damping"`                                         // Proximal weight toward the previous iterate; 0 disables
}

// DefaultRegistrationConfig returns the reference settings: 20 alphas evenly
// spaced from 200 down to 1.2, three solves per alpha.
func DefaultRegistrationConfig() RegistrationConfig {
	return RegistrationConfig{
		StiffnessSchedule:    LinearSchedule(200, 1.2, 20),
		Gamma:                1,
		InnerIterations:      3,
		RejectionDistance:    1.0,
		NormalWeighting:      false,
		NormalAngleThreshold: math.Pi / 4,
		ProjectToTarget:      true,
		Damping:              1e-4,
	}
}

// Validate reports settings Register cannot run with
func (c RegistrationConfig) Validate() error {
	if len(c.StiffnessSchedule) == 0 {
		return fmt.Errorf("%w: empty stiffness schedule", ErrInvalidConfig)
	}
	for i, a := range c.StiffnessSchedule {
		if math.IsNaN(a) || math.IsInf(a, 0) || a < 0 {
			return fmt.Errorf("%w: stiffness schedule[%d] = %v", ErrInvalidConfig, i, a)
		}
		if i > 0 && a >= c.StiffnessSchedule[i-1] {
			return fmt.Errorf("%w: stiffness schedule must be strictly decreasing (schedule[%d]=%v >= schedule[%d]=%v)",
				ErrInvalidConfig, i, a, i-1, c.StiffnessSchedule[i-1])
		}
	}
	if c.Gamma < 0 || math.IsNaN(c.Gamma) {
		return fmt.Errorf("%w: gamma = %v", ErrInvalidConfig, c.Gamma)
	}
	if c.InnerIterations < 1 {
		return fmt.Errorf("%w: innerIterations = %d", ErrInvalidConfig, c.InnerIterations)
	}
	if c.RejectionDistance < 0 || math.IsNaN(c.RejectionDistance) {
		return fmt.Errorf("%w: rejectionDistance = %v", ErrInvalidConfig, c.RejectionDistance)
	}
	if c.NormalWeighting && (c.NormalAngleThreshold <= 0 || c.NormalAngleThreshold > math.Pi) {
		return fmt.Errorf("%w: normalAngleThreshold = %v", ErrInvalidConfig, c.NormalAngleThreshold)
	}
	if c.Damping < 0 || math.IsNaN(c.Damping) {
		return fmt.Errorf("%w: damping = %v", ErrInvalidConfig, c.Damping)
	}
	return nil
}

// Policy returns the weighting policy described by the config
func (c RegistrationConfig) Policy() WeightingPolicy {
	return WeightingPolicy{
		RejectionDistance:    c.RejectionDistance,
		NormalWeighting:      c.NormalWeighting,
		NormalAngleThreshold: c.NormalAngleThreshold,
	}
}

// LinearSchedule returns n evenly spaced values from start to end inclusive
func LinearSchedule(start, end float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = end
	return out
}

// GeometricSchedule returns n values from start to end inclusive with a
// constant ratio between neighbours. start and end must be positive.
func GeometricSchedule(start, end float64, n int) []float64 {
	if n <= 0 || start <= 0 || end <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	ratio := math.Pow(end/start, 1/float64(n-1))
	for i := range out {
		out[i] = start * math.Pow(ratio, float64(i))
	}
	out[n-1] = end
	return out
}

// IterationState is everything one inner iteration hands to the next
type IterationState struct {
	Params    *AffineParams
	Positions []r3.Vec  // D·X the correspondences were searched from
	Matches   []int     // Matched target vertex per source vertex
	Distances []float64 // Distance to the match
	Weights   []float64 // Policy output per source vertex
}

// Progress describes one completed inner iteration
type Progress struct {
	Step         int     `json:"step"` // 1-based alpha index
	Steps        int     `json:"steps"`
	Alpha        float64 `json:"alpha"`
	Iteration    int     `json:"iteration"` // 1-based inner iteration
	Iterations   int     `json:"iterations"`
	Accepted     int     `json:"accepted"`
	Vertices     int     `json:"vertices"`
	MeanDistance float64 `json:"meanDistance"` // Over accepted matches
}

// Result is the outcome of a completed registration
type Result struct {
	Mesh            *Mesh            // Deformed mesh: source connectivity, no normals
	Fitted          []r3.Vec         // D·X after the last solve, before projection
	Correspondences []Correspondence // Matches and weights of the last iteration
	Params          *AffineParams
	Solves          int
	Warnings        []error // EmptyCorrespondenceError values
}

// Accepted returns the number of vertices with a trusted final match
func (r *Result) Accepted() int {
	n := 0
	for _, c := range r.Correspondences {
		if c.Weight > 0 {
			n++
		}
	}
	return n
}

// MeanDistance returns the mean final match distance over accepted vertices
func (r *Result) MeanDistance() float64 {
	sum, n := 0.0, 0
	for _, c := range r.Correspondences {
		if c.Weight > 0 {
			sum += c.Distance
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Option customises a registration run
type Option func(*registration)

// WithSolver replaces the default SparseCholesky solver
func WithSolver(s LeastSquaresSolver) Option {
	return func(r *registration) {
		r.solver = s
	}
}

// WithProgress registers a callback invoked after every inner iteration
func WithProgress(fn func(Progress)) Option {
	return func(r *registration) {
		r.progress = fn
	}
}

// registration holds the per-run operators; they depend only on the inputs
type registration struct {
	cfg           RegistrationConfig
	policy        WeightingPolicy
	solver        LeastSquaresSolver
	progress      func(Progress)
	source        *Mesh
	index         *CorrespondenceIndex
	d             *CSR
	stiffness     *CSR
	sourceNormals []r3.Vec
	targetNormals []r3.Vec
}

// Register deforms source toward target with non-rigid ICP. The source is
// expected to be rigidly pre-aligned. Neither input is modified.
//
// For every alpha of the schedule it runs InnerIterations solves; each one
// recomputes correspondences and weights, assembles the stiffness and data
// terms, and solves for new affine parameters. A singular solve aborts the
// run and no partial result is returned. An iteration that rejects every
// match solves the stiffness term alone, which is only regular with Damping > 0.
func Register(source, target *Mesh, cfg RegistrationConfig, opts ...Option) (*Result, error) {
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := newRegistration(source, target, cfg, opts)
	state := IterationState{Params: NewAffineParams(len(source.Vertices))}

	var warnings []error
	solves := 0
	for step, alpha := range cfg.StiffnessSchedule {
		log.Printf("[NICP] step %d/%d alpha=%.3f", step+1, len(cfg.StiffnessSchedule), alpha)
		for it := 0; it < cfg.InnerIterations; it++ {
			next, warn, err := r.iterate(state, step, alpha, it)
			if err != nil {
				return nil, fmt.Errorf("step %d (alpha=%.3f) iteration %d: %w", step+1, alpha, it+1, err)
			}
			if warn != nil {
				log.Printf("[NICP] Warning: %v", warn)
				warnings = append(warnings, warn)
			}
			state = next
			solves++
		}
	}

	return r.finish(state, solves, warnings), nil
}

func newRegistration(source, target *Mesh, cfg RegistrationConfig, opts []Option) *registration {
	edges := BuildEdges(source.Faces)
	n := len(source.Vertices)

	r := &registration{
		cfg:       cfg,
		policy:    cfg.Policy(),
		solver:    SparseCholesky{},
		source:    source,
		index:     NewCorrespondenceIndex(target.Vertices),
		d:         VertexOperator(source.Vertices),
		stiffness: StiffnessOperator(edges, n, cfg.Gamma),
	}
	for _, opt := range opts {
		opt(r)
	}

	if cfg.NormalWeighting {
		r.sourceNormals = WithNormals(source).Normals
		r.targetNormals = WithNormals(target).Normals
	}

	log.Printf("[NICP] %d source vertices, %d edges, %d target vertices, %d solves scheduled",
		n, len(edges), len(target.Vertices), len(cfg.StiffnessSchedule)*cfg.InnerIterations)
	return r
}

// iterate performs one inner iteration and returns the next state. The
// warning is non-nil when every correspondence was rejected; the solve then
// runs on the stiffness term alone.
func (r *registration) iterate(state IterationState, step int, alpha float64, it int) (IterationState, *EmptyCorrespondenceError, error) {
	positions := TransformVertices(r.d, state.Params)
	matches, distances := r.index.NearestBatch(positions)

	var srcNormals, tgtNormals []r3.Vec
	if r.cfg.NormalWeighting {
		srcNormals = make([]r3.Vec, len(positions))
		tgtNormals = make([]r3.Vec, len(positions))
		for i := range positions {
			srcNormals[i] = state.Params.ApplyLinear(i, r.sourceNormals[i])
			tgtNormals[i] = r.targetNormals[matches[i]]
		}
	}
	weights := r.policy.Weights(distances, srcNormals, tgtNormals)

	matched := make([]r3.Vec, len(matches))
	for i, m := range matches {
		matched[i] = r.index.Point(m)
	}

	accepted := countAccepted(weights)
	var warn *EmptyCorrespondenceError
	if accepted == 0 {
		warn = &EmptyCorrespondenceError{Step: step + 1, Alpha: alpha, Iteration: it + 1}
	}

	sys := AssembleSystem(r.stiffness, alpha, r.d, weights, matched).
		WithProximal(r.cfg.Damping, state.Params.X)
	x, err := r.solver.Solve(sys.A, sys.B)
	if err != nil {
		return IterationState{}, nil, err
	}
	params, err := AffineParamsFrom(x)
	if err != nil {
		return IterationState{}, nil, err
	}

	if r.progress != nil {
		r.progress(Progress{
			Step:         step + 1,
			Steps:        len(r.cfg.StiffnessSchedule),
			Alpha:        alpha,
			Iteration:    it + 1,
			Iterations:   r.cfg.InnerIterations,
			Accepted:     accepted,
			Vertices:     len(positions),
			MeanDistance: meanWeightedDistance(distances, weights),
		})
	}

	return IterationState{
		Params:    params,
		Positions: positions,
		Matches:   matches,
		Distances: distances,
		Weights:   weights,
	}, warn, nil
}

// finish evaluates the final fit and applies the projection step: vertices
// with a nonzero final weight are replaced by their matched target vertex,
// rejected vertices keep their fitted position.
func (r *registration) finish(state IterationState, solves int, warnings []error) *Result {
	fitted := TransformVertices(r.d, state.Params)

	out := make([]r3.Vec, len(fitted))
	copy(out, fitted)
	corr := make([]Correspondence, len(fitted))
	for i := range corr {
		corr[i] = Correspondence{Index: state.Matches[i], Distance: state.Distances[i], Weight: state.Weights[i]}
		if r.cfg.ProjectToTarget && state.Weights[i] > 0 {
			out[i] = r.index.Point(state.Matches[i])
		}
	}

	faces := make([]Face, len(r.source.Faces))
	copy(faces, r.source.Faces)

	res := &Result{
		Mesh:            &Mesh{Vertices: out, Faces: faces},
		Fitted:          fitted,
		Correspondences: corr,
		Params:          state.Params,
		Solves:          solves,
		Warnings:        warnings,
	}
	log.Printf("[NICP] done: %d solves, %d/%d accepted, mean distance %.4f, %d warnings",
		solves, res.Accepted(), len(corr), res.MeanDistance(), len(warnings))
	return res
}

func meanWeightedDistance(distances, weights []float64) float64 {
	sum, n := 0.0, 0
	for i, d := range distances {
		if weights[i] > 0 {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
