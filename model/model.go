// Package model holds the logical wire types exchanged with the control
// plane. The transport marshals these with a JSON codec, so field tags here
// define the wire format.
package model

// DataFormat names the serialization used for a payload.
type DataFormat string

const (
	FormatUnspecified   DataFormat = ""
	FormatJSON          DataFormat = "json"
	FormatStruct        DataFormat = "struct"
	FormatRaw           DataFormat = "raw"
	FormatGeneratorDone DataFormat = "generator_done"
)

// GenericStatus is the terminal status of one input.
type GenericStatus string

const (
	StatusUnspecified GenericStatus = ""
	StatusSuccess     GenericStatus = "success"
	StatusFailure     GenericStatus = "failure"
	StatusTerminated  GenericStatus = "terminated"
)

// FunctionInput is the argument payload of one input. Args holds inline
// bytes; ArgsBlobID points at out-of-line bytes that must be hydrated before
// execution. At most one of the two is set.
type FunctionInput struct {
	Args       []byte     `json:"args,omitempty"`
	ArgsBlobID string     `json:"args_blob_id,omitempty"`
	MethodName string     `json:"method_name"`
	DataFormat DataFormat `json:"data_format,omitempty"`
	FinalInput bool       `json:"final_input,omitempty"`
}

// Input is one unit of work handed out by GetInputs. A kill-switch item
// carries no payload and terminates the fetcher.
type Input struct {
	InputID        string        `json:"input_id"`
	RetryCount     int           `json:"retry_count"`
	FunctionCallID string        `json:"function_call_id"`
	KillSwitch     bool          `json:"kill_switch,omitempty"`
	Input          FunctionInput `json:"input"`
}

type GetInputsRequest struct {
	FunctionID       string  `json:"function_id"`
	AverageCallTime  float64 `json:"average_call_time"`
	MaxValues        int     `json:"max_values"`
	InputConcurrency int     `json:"input_concurrency"`
	BatchMaxSize     int     `json:"batch_max_size"`
	BatchLingerMs    int     `json:"batch_linger_ms"`
}

type GetInputsResponse struct {
	Inputs []Input `json:"inputs,omitempty"`
	// RateLimitSleepDuration is in seconds; when set the fetcher sleeps and
	// retries instead of processing items.
	RateLimitSleepDuration float64 `json:"rate_limit_sleep_duration,omitempty"`
}

// GenericResult is the outcome of one input: a status plus either inline
// data or a blob handle, and exception details on failure.
type GenericResult struct {
	Status     GenericStatus `json:"status"`
	Data       []byte        `json:"data,omitempty"`
	DataBlobID string        `json:"data_blob_id,omitempty"`
	Exception  string        `json:"exception,omitempty"`
	Traceback  string        `json:"traceback,omitempty"`
	// SerializedTB is the best-effort structured traceback; it may be empty
	// when the frames cannot be encoded.
	SerializedTB []byte `json:"serialized_tb,omitempty"`
}

type OutputItem struct {
	InputID         string        `json:"input_id"`
	InputStartedAt  float64       `json:"input_started_at"`
	OutputCreatedAt float64       `json:"output_created_at"`
	Result          GenericResult `json:"result"`
	DataFormat      DataFormat    `json:"data_format"`
	RetryCount      int           `json:"retry_count"`
}

type PutOutputsRequest struct {
	Outputs []OutputItem `json:"outputs"`
}

type HeartbeatRequest struct {
	CanceledInputsReturnOutputsV2 bool `json:"canceled_inputs_return_outputs_v2"`
}

type CancelInputEvent struct {
	InputIDs []string `json:"input_ids"`
}

type HeartbeatResponse struct {
	CancelInputEvent *CancelInputEvent `json:"cancel_input_event,omitempty"`
}

type DynamicConcurrencyRequest struct {
	FunctionID        string `json:"function_id"`
	TargetConcurrency int    `json:"target_concurrency"`
	MaxConcurrency    int    `json:"max_concurrency"`
}

type DynamicConcurrencyResponse struct {
	Concurrency int `json:"concurrency"`
}

type CheckpointRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

type TaskResultRequest struct {
	Result GenericResult `json:"result"`
}

// DataChunk is one framed message on a function call's data_out stream.
// Index is 1-based and strictly monotonic per function call.
type DataChunk struct {
	DataFormat DataFormat `json:"data_format"`
	Index      uint64     `json:"index"`
	Data       []byte     `json:"data,omitempty"`
	DataBlobID string     `json:"data_blob_id,omitempty"`
}

type PutDataRequest struct {
	FunctionCallID string      `json:"function_call_id"`
	DataChunks     []DataChunk `json:"data_chunks"`
}

// StreamDataRequest opens a read on one direction of a function call's data
// streams ("data_in" or "data_out").
type StreamDataRequest struct {
	FunctionCallID string `json:"function_call_id"`
	Direction      string `json:"direction"`
	LastIndex      uint64 `json:"last_index,omitempty"`
}

type VolumeCommitRequest struct {
	VolumeID string `json:"volume_id"`
}

// GeneratorDone is the terminal record pushed as the output of a generator
// input once its data_out stream is exhausted.
type GeneratorDone struct {
	ItemsTotal uint64 `json:"items_total"`
}

// TracebackFrame is one entry of the structured traceback attached to
// failure results.
type TracebackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}
