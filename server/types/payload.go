package types

import "encoding/json"

// BenchmarkData is the body of one ingest request. Field names mirror the
// wire format produced by the benchmarking harnesses, which keeps the hot
// measurement arrays terse.
type BenchmarkData struct {
	ProjectName    string `json:"projectName"`
	ExperimentName string `json:"experimentName"`
	ExperimentDesc string `json:"experimentDesc,omitempty"`

	// StartTime is ISO-8601 UTC.
	StartTime string `json:"startTime"`

	Env      EnvData         `json:"env"`
	Source   SourceData      `json:"source"`
	Criteria []CriterionData `json:"criteria"`
	Data     []RunData       `json:"data"`
}

// EnvData describes the submitting environment and user.
type EnvData struct {
	HostName   string `json:"hostName"`
	OSType     string `json:"osType"`
	Memory     int64  `json:"memory"`
	CPU        string `json:"cpu"`
	ClockSpeed int64  `json:"clockSpeed"`
	UserName   string `json:"userName"`
	ManualRun  bool   `json:"manualRun"`
	Denoise    string `json:"denoise,omitempty"`
}

// SourceData describes the commit the results were produced from.
type SourceData struct {
	RepoURL        string `json:"repoURL"`
	BranchOrTag    string `json:"branchOrTag"`
	CommitID       string `json:"commitId"`
	CommitMsg      string `json:"commitMsg"`
	AuthorName     string `json:"authorName"`
	AuthorEmail    string `json:"authorEmail"`
	CommitterName  string `json:"committerName"`
	CommitterEmail string `json:"committerEmail"`
}

// CriterionData maps a payload-local criterion index to its name and unit.
type CriterionData struct {
	Index int    `json:"i"`
	Name  string `json:"c"`
	Unit  string `json:"u"`
}

// RunData groups the measurements and profiles of one run configuration.
type RunData struct {
	RunID    RunSpec       `json:"runId"`
	Data     []DataPoint   `json:"d,omitempty"`
	Profiles []ProfileData `json:"p,omitempty"`
}

// RunSpec identifies a run by its command line plus configuration.
type RunSpec struct {
	CmdLine           string        `json:"cmdline"`
	Benchmark         BenchmarkSpec `json:"benchmark"`
	Location          string        `json:"location,omitempty"`
	Cores             *string       `json:"cores,omitempty"`
	VarValue          *string       `json:"varValue,omitempty"`
	InputSize         *string       `json:"inputSize,omitempty"`
	ExtraArgs         *string       `json:"extraArgs,omitempty"`
	MaxInvocationTime int           `json:"maxInvocationTime"`
	MinIterationTime  int           `json:"minIterationTime"`
	Warmup            *int          `json:"warmup,omitempty"`
}

// BenchmarkSpec names the benchmark and, leaves first, its suite and executor.
type BenchmarkSpec struct {
	Name  string    `json:"name"`
	Desc  string    `json:"desc,omitempty"`
	Suite SuiteSpec `json:"suite"`
}

type SuiteSpec struct {
	Name     string       `json:"name"`
	Desc     string       `json:"desc,omitempty"`
	Executor ExecutorSpec `json:"executor"`
}

type ExecutorSpec struct {
	Name string `json:"name"`
	Desc string `json:"desc,omitempty"`
}

// DataPoint carries the measured values of one iteration of one invocation.
type DataPoint struct {
	Invocation int       `json:"in"`
	Iteration  int       `json:"it"`
	Measures   []Measure `json:"m"`
}

// Measure is a single value for the criterion at payload index C.
type Measure struct {
	Criterion int     `json:"c"`
	Value     float64 `json:"v"`
}

// ProfileData is an opaque profile blob for one invocation.
type ProfileData struct {
	Invocation    int             `json:"in"`
	NumIterations int             `json:"nit"`
	Data          json.RawMessage `json:"d"`
}

// CompletionData closes all open trials of an experiment.
type CompletionData struct {
	ProjectName    string `json:"projectName"`
	ExperimentName string `json:"experimentName"`
	EndTime        string `json:"endTime"`
}

// TimelineRequest selects a timeline series. Baseline is required; Change,
// when set, adds the second branch. The remaining filters narrow the run.
type TimelineRequest struct {
	Baseline  string  `json:"baseline"`
	Change    string  `json:"change,omitempty"`
	Benchmark string  `json:"b"`
	Executor  string  `json:"e"`
	Suite     string  `json:"s"`
	VarValue  *string `json:"v,omitempty"`
	Cores     *string `json:"c,omitempty"`
	InputSize *string `json:"i,omitempty"`
	ExtraArgs *string `json:"ea,omitempty"`
}

// PlotData is the columnar timeline result. Column 0 holds start times as
// unix milliseconds; baseline-only requests carry 4 columns
// (time, low, median, up), two-branch requests carry 7. Cells that belong to
// the other branch are nil and marshal as JSON null.
type PlotData struct {
	Columns         [][]*float64 `json:"data"`
	SourceIDs       []int64      `json:"sourceIds"`
	BaseTimestamp   *int64       `json:"baseTimestamp"`
	ChangeTimestamp *int64       `json:"changeTimestamp"`
}
