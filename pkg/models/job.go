package models

import (
	"errors"
	"fmt"
	"strings"
)

// SyncOptions are the engine settings of one job.
type SyncOptions struct {
	ThreadCount                         int      `json:"thread_count"`
	RetryAttempts                       int      `json:"retry_attempts"`
	Verify                              bool     `json:"verify"`
	VerifyOnly                          bool     `json:"verify_only"`
	ForceSync                           bool     `json:"force_sync"`
	DeleteSource                        bool     `json:"delete_source"`
	EstimationEnabled                   bool     `json:"estimation_enabled"`
	SyncDirectoryMetadata               bool     `json:"sync_directory_metadata"`
	UseMetadataChecksumForVerification bool     `json:"use_metadata_checksum_for_verification"`
	SourceList                          []string `json:"source_list,omitempty"`
	SourceListFile                      string   `json:"source_list_file,omitempty"`

	DbFile          string `json:"db_file,omitempty"`
	DbConnectString string `json:"db_connect_string,omitempty"`
	DbEncPassword   string `json:"db_enc_password,omitempty"`
	DbTable         string `json:"db_table,omitempty"`
	MaxErrorSize    int    `json:"max_error_size"`
	LockRedisURL    string `json:"lock_redis_url,omitempty"`

	BufferSize int `json:"buffer_size"`
}

// DefaultSyncOptions returns the options applied before a job config is bound.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		ThreadCount:           16,
		RetryAttempts:         2,
		EstimationEnabled:     true,
		SyncDirectoryMetadata: true,
		DbTable:               DefaultRecordTable,
		MaxErrorSize:          2048,
		BufferSize:            128 * 1024,
	}
}

// FilterConfig names a filter and its parameters.
type FilterConfig struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// SyncConfig is the full description of a job.
type SyncConfig struct {
	JobName string         `json:"job_name,omitempty"`
	Source  string         `json:"source"`
	Target  string         `json:"target"`
	Filters []FilterConfig `json:"filters,omitempty"`
	Options SyncOptions    `json:"options"`
}

// NewSyncConfig returns a config with default options.
func NewSyncConfig() *SyncConfig {
	return &SyncConfig{Options: DefaultSyncOptions()}
}

// Validate checks the fields every job needs.
func (c *SyncConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source) == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if strings.TrimSpace(c.Target) == "" {
		errs = append(errs, errors.New("target is required"))
	}
	if c.Options.ThreadCount <= 0 {
		errs = append(errs, errors.New("thread_count must be positive"))
	}
	if c.Options.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry_attempts must not be negative"))
	}
	if c.Options.DbFile != "" && c.Options.DbConnectString != "" {
		errs = append(errs, errors.New("db_file and db_connect_string are mutually exclusive"))
	}
	for i, f := range c.Filters {
		if f.Type == "" {
			errs = append(errs, fmt.Errorf("filter %d: type is required", i))
		}
	}
	return errors.Join(errs...)
}

// JobControlStatus is the derived state of a job.
type JobControlStatus string

const (
	JobInitializing JobControlStatus = "Initializing"
	JobRunning      JobControlStatus = "Running"
	JobPausing      JobControlStatus = "Pausing"
	JobPaused       JobControlStatus = "Paused"
	JobStopping     JobControlStatus = "Stopping"
	JobStopped      JobControlStatus = "Stopped"
	JobComplete     JobControlStatus = "Complete"
	JobFailed       JobControlStatus = "Failed"
)

// IsFinal reports whether the job can no longer change state.
func (s JobControlStatus) IsFinal() bool {
	return s == JobStopped || s == JobComplete || s == JobFailed
}

// JobControl is both the control request and the control view of a job.
type JobControl struct {
	Status      JobControlStatus `json:"status,omitempty"`
	ThreadCount int              `json:"thread_count,omitempty"`
}

// JobInfo is a list entry for a job.
type JobInfo struct {
	JobID   int              `json:"job_id"`
	JobName string           `json:"job_name,omitempty"`
	Status  JobControlStatus `json:"status"`
	Config  *SyncConfig      `json:"config"`
}

// SyncProgress is a point-in-time snapshot of a running job.
type SyncProgress struct {
	JobName              string           `json:"job_name,omitempty"`
	Status               JobControlStatus `json:"status"`
	SyncStartTime        int64            `json:"sync_start_time"`
	SyncStopTime         int64            `json:"sync_stop_time"`
	EstimatingTotals     bool             `json:"estimating_totals"`
	TotalBytesExpected   int64            `json:"total_bytes_expected"`
	TotalObjectsExpected int64            `json:"total_objects_expected"`
	BytesComplete        int64            `json:"bytes_complete"`
	BytesSkipped         int64            `json:"bytes_skipped"`
	ObjectsComplete      int64            `json:"objects_complete"`
	ObjectsSkipped       int64            `json:"objects_skipped"`
	ObjectsFailed        int64            `json:"objects_failed"`
	ObjectsAwaitingRetry int64            `json:"objects_awaiting_retry"`
	RuntimeMs            int64            `json:"runtime_ms"`
	ActiveQueryTasks     int              `json:"active_query_tasks"`
	ActiveSyncTasks      int              `json:"active_sync_tasks"`
	CPUTimeMs            int64            `json:"cpu_time_ms"`
	ProcessMemoryUsed    uint64           `json:"process_memory_used"`
	ObjectCompleteRate   float64          `json:"object_complete_rate"`
	ObjectSkipRate       float64          `json:"object_skip_rate"`
	ObjectErrorRate      float64          `json:"object_error_rate"`
	SourceReadRate       int64            `json:"source_read_rate"`
	SourceWriteRate      int64            `json:"source_write_rate"`
	TargetReadRate       int64            `json:"target_read_rate"`
	TargetWriteRate      int64            `json:"target_write_rate"`
	RunError             string           `json:"run_error,omitempty"`
}
