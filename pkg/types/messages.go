package types

// Message type tags exchanged between the bundle manager and workers. These
// ride inside a JSON object with a "type" field.
const (
	MessageRun           = "run"
	MessageRead          = "read"
	MessageNetcat        = "netcat"
	MessageWrite         = "write"
	MessageKill          = "kill"
	MessageMarkFinalized = "mark_finalized"
)

// Read modes supported by the worker's read pass-through.
const (
	ReadGetTargetInfo   = "get_target_info"
	ReadStreamDirectory = "stream_directory"
	ReadStreamFile      = "stream_file"
	ReadFileSection     = "read_file_section"
	ReadSummarizeFile   = "summarize_file"
)

// Message is the single directive a worker receives per checkin response or
// over its socket. Fields beyond Type are populated per directive.
type Message struct {
	Type string `json:"type"`

	// run
	Bundle    *Bundle       `json:"bundle,omitempty"`
	Resources *RunResources `json:"resources,omitempty"`

	// read / netcat / write / kill / mark_finalized
	UUID string `json:"uuid,omitempty"`

	// read
	Path     string `json:"path,omitempty"`
	ReadMode string `json:"read_args_mode,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
	Length   int64  `json:"length,omitempty"`
	MaxLines int    `json:"max_lines,omitempty"`

	// netcat
	Port    int    `json:"port,omitempty"`
	Payload string `json:"message,omitempty"`

	// write
	Contents string `json:"string,omitempty"`
}

// ReplyError mirrors the (http_code, text) error half of a reply tuple.
type ReplyError struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// Reply is the worker's answer to a read or netcat directive.
type Reply struct {
	Err     *ReplyError    `json:"err,omitempty"`
	Message map[string]any `json:"message,omitempty"`
	Data    []byte         `json:"data,omitempty"`
}

// RunStatusReport is the per-run slice of a worker checkin.
type RunStatusReport struct {
	UUID        string      `json:"uuid"`
	RunStatus   string      `json:"run_status,omitempty"`
	Stage       RunStage    `json:"stage"`
	BundleState BundleState `json:"bundle_state"`

	DockerImage string `json:"docker_image,omitempty"`
	RemoteHost  string `json:"remote,omitempty"`

	ContainerTimeTotal int64 `json:"container_time_total,omitempty"`
	ContainerTimeUser  int64 `json:"container_time_user,omitempty"`
	ContainerTimeSys   int64 `json:"container_time_system,omitempty"`
	MaxMemory          int64 `json:"max_memory,omitempty"`
	DiskUtilization    int64 `json:"disk_utilization,omitempty"`

	Finished       bool   `json:"finished,omitempty"`
	Finalized      bool   `json:"finalized,omitempty"`
	IsKilled       bool   `json:"is_killed,omitempty"`
	Exitcode       *int   `json:"exitcode,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`

	TimePreparing        int64 `json:"time_preparing,omitempty"`
	TimeRunning          int64 `json:"time_running,omitempty"`
	TimeCleaningUp       int64 `json:"time_cleaning_up,omitempty"`
	TimeUploadingResults int64 `json:"time_uploading_results,omitempty"`
}

// WorkerCheckin is the full payload a worker posts each checkin interval.
type WorkerCheckin struct {
	WorkerID         string            `json:"worker_id"`
	Version          string            `json:"version"`
	Tag              string            `json:"tag,omitempty"`
	TagExclusive     bool              `json:"tag_exclusive,omitempty"`
	CPUs             int               `json:"cpus"`
	GPUs             int               `json:"gpus"`
	MemoryBytes      int64             `json:"memory_bytes"`
	FreeDiskBytes    int64             `json:"free_disk_bytes"`
	Dependencies     []DependencyKey   `json:"dependencies,omitempty"`
	Hostname         string            `json:"hostname"`
	SharedFileSystem bool              `json:"shared_file_system,omitempty"`
	ExitAfterNumRuns int               `json:"exit_after_num_runs,omitempty"`
	IsTerminating    bool              `json:"is_terminating,omitempty"`
	Runs             []RunStatusReport `json:"runs"`
}
