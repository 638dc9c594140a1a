package models

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a concept identity collides with another
// concept's alias (or vice versa). Fatal to that single upsert.
var ErrConflict = errors.New("identity conflict")

// ErrNotFound is returned on a lookup miss.
var ErrNotFound = errors.New("not found")

// DimensionMismatchError signals a vector whose dimensionality does not match
// the index. It indicates cache corruption and a full index rebuild is the
// recommended recovery.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Want)
}

// ServiceStage identifies which external service a ServiceError came from.
type ServiceStage string

const (
	StageEmbedding ServiceStage = "embedding"
	StageRerank    ServiceStage = "rerank"
)

// ServiceError wraps a failure of an external model service (timeout, quota,
// malformed response). Embedding failures abort the concept's pipeline run;
// rerank failures degrade to recall ordering.
type ServiceError struct {
	Stage ServiceStage
	Err   error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service: %v", e.Stage, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err is a ServiceError for the given stage.
func IsServiceError(err error, stage ServiceStage) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Stage == stage
}
