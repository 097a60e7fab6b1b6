package backup

import (
	"context"
	"errors"
	"os"

	"github.com/casapps/labops/src/internal/database/models"
)

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, job *models.BackupJob, rep Reporter) (*models.Result, error)

// Run implements Executor
func (f ExecutorFunc) Run(ctx context.Context, job *models.BackupJob, rep Reporter) (*models.Result, error) {
	return f(ctx, job, rep)
}

// RunError carries a structured execution error out of an executor so the
// engine records the right code and transience instead of a generic
// IO_ERROR.
type RunError struct {
	Err models.ExecutionError
}

// Error implements the error interface
func (e *RunError) Error() string {
	return e.Err.Message
}

// NewRunError creates an executor error with an explicit code
func NewRunError(code, message string, transient bool) *RunError {
	return &RunError{Err: models.ExecutionError{
		Code:      code,
		Message:   message,
		Transient: transient,
	}}
}

// AsExecutionError extracts a structured execution error from an executor
// return value, if one was provided.
func AsExecutionError(err error, target **models.ExecutionError) bool {
	var re *RunError
	if errors.As(err, &re) {
		copied := re.Err
		*target = &copied
		return true
	}
	return false
}

// LocalArtifactStore deletes pruned artifacts from the local filesystem.
// Remote destination types are handled by their storage backends; this is
// the collaborator for destination type "local".
type LocalArtifactStore struct{}

// Delete implements ArtifactStore
func (LocalArtifactStore) Delete(ctx context.Context, artifact *models.BackupArtifact) error {
	err := os.Remove(artifact.FilePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
