package types

import "time"

// TotalCriterion is the criterion name that drives timeline aggregation.
const TotalCriterion = "total"

// Project groups experiments under a stable name and URL slug.
type Project struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	BaseBranch string `json:"baseBranch,omitempty"`
}

// Experiment is a named campaign within a project.
type Experiment struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"projectId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Source identifies the commit a trial was executed against.
type Source struct {
	ID             int64  `json:"id"`
	RepoURL        string `json:"repoURL"`
	BranchOrTag    string `json:"branchOrTag"`
	CommitID       string `json:"commitId"`
	CommitMessage  string `json:"commitMessage"`
	AuthorName     string `json:"authorName"`
	AuthorEmail    string `json:"authorEmail"`
	CommitterName  string `json:"committerName"`
	CommitterEmail string `json:"committerEmail"`
}

// Environment describes the machine a trial ran on. Unique by hostname.
type Environment struct {
	ID         int64  `json:"id"`
	HostName   string `json:"hostName"`
	OSType     string `json:"osType"`
	Memory     int64  `json:"memory"`
	CPU        string `json:"cpu"`
	ClockSpeed int64  `json:"clockSpeed"`
}

// Trial is a single execution session of runs by a user on an environment.
type Trial struct {
	ID           int64      `json:"id"`
	UserName     string     `json:"userName"`
	EnvID        int64      `json:"envId"`
	SourceID     int64      `json:"sourceId"`
	ExperimentID int64      `json:"experimentId"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	ManualRun    bool       `json:"manualRun"`
	Denoise      string     `json:"denoise,omitempty"`
}

// Executor, Suite, and Benchmark are interned by name.
type Executor struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Suite struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Benchmark struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Run is an invocable benchmark configuration, keyed by its full command line.
type Run struct {
	ID                int64   `json:"id"`
	CmdLine           string  `json:"cmdline"`
	BenchmarkID       int64   `json:"benchmarkId"`
	SuiteID           int64   `json:"suiteId"`
	ExecutorID        int64   `json:"executorId"`
	Location          string  `json:"location,omitempty"`
	Cores             *string `json:"cores,omitempty"`
	VarValue          *string `json:"varValue,omitempty"`
	InputSize         *string `json:"inputSize,omitempty"`
	ExtraArgs         *string `json:"extraArgs,omitempty"`
	MaxInvocationTime int     `json:"maxInvocationTime"`
	MinIterationTime  int     `json:"minIterationTime"`
	Warmup            *int    `json:"warmup,omitempty"`
}

// Criterion is a measurement dimension with a unit, unique by (name, unit).
type Criterion struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// TimelineKey identifies one pending timeline recomputation.
type TimelineKey struct {
	TrialID     int64 `json:"trialId"`
	RunID       int64 `json:"runId"`
	CriterionID int64 `json:"criterionId"`
}

// TimelineEntry is the derived summary row for one (run, trial, criterion).
type TimelineEntry struct {
	RunID       int64   `json:"runId"`
	TrialID     int64   `json:"trialId"`
	CriterionID int64   `json:"criterionId"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	StdDev      float64 `json:"stddev"`
	Mean        float64 `json:"mean"`
	Median      float64 `json:"median"`
	NumSamples  int     `json:"numSamples"`
	BCI95Low    float64 `json:"bci95low"`
	BCI95Up     float64 `json:"bci95up"`
}
