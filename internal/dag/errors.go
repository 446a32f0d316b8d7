package dag

import "errors"

var (
	// ErrDuplicateKey is returned by AddVertex/AddVertices when the key
	// already identifies a vertex in the DAG.
	ErrDuplicateKey = errors.New("dag: vertex already exists")
	// ErrUnknownKey is returned whenever a key is looked up that does not
	// identify a vertex in the DAG.
	ErrUnknownKey = errors.New("dag: no such vertex")
	// ErrCycle is returned by AddEdge when the edge would introduce a cycle.
	ErrCycle = errors.New("dag: edge would create a cycle")
	// ErrNotVisiting is returned by CompleteVisit when the vertex is not
	// currently in the visiting set.
	ErrNotVisiting = errors.New("dag: vertex is not currently visiting")
	// ErrBadTransition is returned by SetVertexState for any transition not
	// enumerated in the state machine.
	ErrBadTransition = errors.New("dag: unsupported state transition")
)
