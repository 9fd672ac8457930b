package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMesh is returned for empty meshes, out-of-range face indices
	// or a normal count that does not match the vertex count.
	ErrInvalidMesh = errors.New("invalid mesh")

	// ErrSingularSystem is returned when the normal equations of a solve are
	// not positive definite. The registration is aborted.
	ErrSingularSystem = errors.New("singular system: normal equations not positive definite")

	// ErrEmptyCorrespondence marks an inner iteration in which every vertex
	// was rejected. It is reported as a warning, never returned as a failure.
	ErrEmptyCorrespondence = errors.New("no accepted correspondences")

	// ErrInvalidConfig is returned for registration settings that cannot run.
	ErrInvalidConfig = errors.New("invalid config")
)

// EmptyCorrespondenceError records where all correspondences were rejected.
// The iteration continues as a stiffness-only solve; with Damping 0 that
// solve is singular and the run fails with ErrSingularSystem instead.
type EmptyCorrespondenceError struct {
	Step      int
	Alpha     float64
	Iteration int
}

func (e *EmptyCorrespondenceError) Error() string {
	return fmt.Sprintf("step %d (alpha=%.3f) iteration %d: %v", e.Step, e.Alpha, e.Iteration, ErrEmptyCorrespondence)
}

func (e *EmptyCorrespondenceError) Unwrap() error {
	return ErrEmptyCorrespondence
}
