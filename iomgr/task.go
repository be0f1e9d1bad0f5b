package iomgr

import (
	"context"

	"runner/client"
	"runner/codec"
	"runner/model"
)

// ReportLifecycleFailure reports a container-lifecycle exception via
// TaskResult. The container then exits non-retriably; ErrTaskFailed marks
// that the failure has already been reported.
func (m *Manager) ReportLifecycleFailure(ctx context.Context, lifecycleErr error) error {
	traceback, frames := captureTraceback(lifecycleErr)
	serializedTB, err := codec.Serialize(frames, model.FormatJSON)
	if err != nil {
		serializedTB = nil
	}

	result := model.GenericResult{
		Status:       model.StatusFailure,
		Data:         m.serializeException(lifecycleErr),
		Exception:    truncateRepr(exceptionRepr(lifecycleErr)),
		Traceback:    traceback,
		SerializedTB: serializedTB,
	}

	reportErr := client.Retry(ctx, client.RetryOptions{}, func(ctx context.Context) error {
		return m.cp().TaskResult(ctx, model.TaskResultRequest{Result: result})
	})
	if reportErr != nil {
		m.log.Error().Err(reportErr).Msg("failed to report task result")
		return reportErr
	}
	return ErrTaskFailed
}
