package orchestrator

import (
	"context"
	"errors"

	"github.com/gitgenie/genie/internal/ports"
	"github.com/gitgenie/genie/internal/project"
	"github.com/gitgenie/genie/internal/remote"
	"github.com/gitgenie/genie/internal/runscript"
	"github.com/gitgenie/genie/internal/supervisor"
)

// Error kinds reported by Kind.
const (
	KindNone        = "ok"
	KindValidation  = "validation"
	KindNotFound    = "not_found"
	KindConnection  = "connection"
	KindUpload      = "upload"
	KindNoPort      = "no_port"
	KindGeneration  = "generation"
	KindStartFailed = "start_failed"
	KindTimeout     = "timeout"
	KindCanceled    = "canceled"
	KindInternal    = "internal"
)

// Kind classifies an error returned by the orchestrator.
func Kind(err error) string {
	var (
		connErr    *remote.ConnectionError
		uploadErr  *UploadError
		genErr     *runscript.GenerationError
		startErr   *supervisor.StartFailedError
		timeoutErr *TimeoutError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, project.ErrInvalidName):
		return KindValidation
	case errors.Is(err, ErrProjectNotFound):
		return KindNotFound
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &uploadErr):
		return KindUpload
	case errors.Is(err, ports.ErrNoPortAvailable):
		return KindNoPort
	case errors.As(err, &genErr):
		return KindGeneration
	case errors.As(err, &startErr):
		return KindStartFailed
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}
