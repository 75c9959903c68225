package analysis

import "errors"

var (
	// Transient upstream failures, retryable by the queue worker.
	ErrLLMConnection = errors.New("llm connection error")
	ErrLLMTimeout    = errors.New("llm timeout")
	ErrLLMServer     = errors.New("llm server error")

	// Permanent client failures: log and drop.
	ErrBatchNotFound = errors.New("batch not found")
	ErrNoDetections  = errors.New("batch has no detections")

	// ErrParse means the completion carried no usable risk JSON.
	ErrParse = errors.New("no risk assessment found in completion")
)
