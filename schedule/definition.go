package schedule

import (
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
)

// Status is the run state of a schedule.
type Status string

const (
	StatusActive Status = "ACTIVE"
	// StatusError marks a schedule whose last run failed. It is not polled
	// until its owner sets it back to active.
	StatusError    Status = "ERROR"
	StatusDisabled Status = "DISABLED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusError, StatusDisabled:
		return st, nil
	}
	return "", errors.Newf("unknown schedule status %q", s)
}

// Job is what a schedule replays: the report request plus where to deliver it.
type Job struct {
	Request report.Request    `msgpack:"request" yaml:"request"`
	Output  map[string]string `msgpack:"output,omitempty" yaml:"output,omitempty"`
}

// Definition is a stored schedule.
type Definition struct {
	ID        string
	Name      string
	Owner     report.Owner
	Job       Job
	Rule      Rule
	NextRunAt time.Time
	// LastRunAt is zero until the first run.
	LastRunAt time.Time
	Status    Status
	// Active is false once the schedule is deleted.
	Active    bool
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether the scheduler should run the definition at now.
func (d Definition) Due(now time.Time) bool {
	return d.Active && d.Status == StatusActive && !d.NextRunAt.IsZero() && !d.NextRunAt.After(now)
}

// NeverRun reports whether a due definition has missed its first trigger.
func (d Definition) NeverRun(now time.Time) bool {
	return d.Active && d.Status == StatusActive && d.LastRunAt.IsZero() &&
		!d.NextRunAt.IsZero() && d.NextRunAt.Before(now)
}

// Run is the outcome of one execution, applied by Store.RecordRun.
type Run struct {
	At        time.Time
	NextRunAt time.Time
	// Err is empty on success.
	Err string
}

// apply records run on d. A failure moves an active schedule to StatusError;
// other statuses are left for the owner to manage.
func (d *Definition) apply(run Run) {
	d.LastRunAt = run.At
	d.NextRunAt = run.NextRunAt
	d.LastError = run.Err
	d.UpdatedAt = run.At
	if run.Err != "" && d.Status == StatusActive {
		d.Status = StatusError
	}
}

// Patch is an owner change applied by Store.Update. Nil fields keep the
// stored value, so a run recorded between reading and writing the
// definition is not undone.
type Patch struct {
	Name      *string
	Job       *Job
	Rule      Rule
	Status    *Status
	LastError *string
	NextRunAt *time.Time
	Active    *bool
	UpdatedAt time.Time
}

func (p Patch) apply(d *Definition) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Job != nil {
		d.Job = *p.Job
	}
	if p.Rule != nil {
		d.Rule = p.Rule
	}
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.LastError != nil {
		d.LastError = *p.LastError
	}
	if p.NextRunAt != nil {
		d.NextRunAt = *p.NextRunAt
	}
	if p.Active != nil {
		d.Active = *p.Active
	}
	d.UpdatedAt = p.UpdatedAt
}

// Stats summarizes the active schedules.
type Stats struct {
	Total    int
	ByStatus map[Status]int
	ByRule   map[RuleKind]int
}
