package schedule

import (
	"context"
	"strings"
	"time"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrForbidden is returned when a caller touches someone else's schedule.
	ErrForbidden = errors.New("schedule belongs to another owner")
	// ErrDuplicateName is returned when the owner already has an active
	// schedule with the same name.
	ErrDuplicateName = errors.New("schedule name already in use")
	// ErrLimit is returned when the owner has too many active schedules.
	ErrLimit = errors.New("too many schedules")
	// ErrInvalid wraps request validation failures other than the rule.
	ErrInvalid = errors.New("invalid schedule")
)

const (
	DefaultMaxPerOwner = 50
	maxNameLength      = 100
)

// CreateRequest describes a new schedule.
type CreateRequest struct {
	Name string
	Job  Job
	Rule Rule
}

// UpdateRequest changes the non-nil fields of a schedule.
type UpdateRequest struct {
	Name    *string
	Rule    Rule
	Filters *report.Filters
	Output  map[string]string
	Status  *Status
}

// Service validates and applies owner changes to schedules.
type Service struct {
	store       Store
	clock       clockwork.Clock
	logger      logger.Logger
	maxPerOwner int
}

type ServiceOption func(*Service)

func WithServiceClock(clock clockwork.Clock) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithServiceLogger(log logger.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = log
	}
}

// WithMaxPerOwner caps active schedules per owner; zero or less removes the cap.
func WithMaxPerOwner(n int) ServiceOption {
	return func(s *Service) {
		s.maxPerOwner = n
	}
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		clock:       clockwork.NewRealClock(),
		logger:      logger.NewConsoleLogger(),
		maxPerOwner: DefaultMaxPerOwner,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPrefix("[schedule]")
	return s
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.Wrap(ErrInvalid, "name is required")
	}
	if len(name) > maxNameLength {
		return "", errors.Wrapf(ErrInvalid, "name is longer than %d characters", maxNameLength)
	}
	return name, nil
}

func validateRule(rule Rule, now time.Time) (time.Time, error) {
	if rule == nil {
		return time.Time{}, errors.Wrap(ErrInvalidRule, "rule is required")
	}
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	next, ok := NextRun(rule, now)
	if !ok {
		return time.Time{}, errors.Wrapf(ErrInvalidRule, "%s never fires", rule)
	}
	return next, nil
}

// Create validates req and stores a new active schedule for owner.
func (s *Service) Create(ctx context.Context, owner report.Owner, req CreateRequest) (Definition, error) {
	if !owner.Valid() {
		return Definition{}, errors.Wrapf(report.ErrInvalidOwner, "create schedule for %q", owner.String())
	}
	name, err := validateName(req.Name)
	if err != nil {
		return Definition{}, err
	}
	if strings.TrimSpace(string(req.Job.Request.Kind)) == "" {
		return Definition{}, errors.Wrap(ErrInvalid, "report kind is required")
	}
	now := s.clock.Now()
	next, err := validateRule(req.Rule, now)
	if err != nil {
		return Definition{}, err
	}
	found, _, err := s.store.FindByName(ctx, owner, name)
	if err != nil {
		return Definition{}, err
	}
	if found {
		return Definition{}, errors.Wrapf(ErrDuplicateName, "%q", name)
	}
	if s.maxPerOwner > 0 {
		n, err := s.store.CountActive(ctx, owner)
		if err != nil {
			return Definition{}, err
		}
		if n >= s.maxPerOwner {
			return Definition{}, errors.Wrapf(ErrLimit, "%s already has %d of %d", owner, n, s.maxPerOwner)
		}
	}

	job := req.Job
	job.Request.Kind = job.Request.Kind.Normalize()
	job.Request.Format = job.Request.Format.Normalize()
	def := Definition{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		Job:       job,
		Rule:      req.Rule,
		NextRunAt: next,
		Status:    StatusActive,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, def); err != nil {
		return Definition{}, err
	}
	s.logger.Info("created schedule %s %q for %s (%s), next run %s", def.ID, name, owner, req.Rule, next.Format(time.RFC3339))
	return def, nil
}

// Get returns an active schedule.
func (s *Service) Get(ctx context.Context, id string) (Definition, error) {
	def, err := s.store.Get(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	if !def.Active {
		return Definition{}, errors.Wrapf(ErrNotFound, "get %s", id)
	}
	return def, nil
}

func (s *Service) owned(ctx context.Context, owner report.Owner, id string) (Definition, error) {
	def, err := s.Get(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	if def.Owner != owner {
		return Definition{}, errors.Wrapf(ErrForbidden, "%s", id)
	}
	return def, nil
}

// Update applies req to the owner's schedule. Setting the status back to
// active clears the last error and recomputes the next run. Only the
// fields named by req are written.
func (s *Service) Update(ctx context.Context, owner report.Owner, id string, req UpdateRequest) (Definition, error) {
	def, err := s.owned(ctx, owner, id)
	if err != nil {
		return Definition{}, err
	}
	now := s.clock.Now()
	patch := Patch{UpdatedAt: now}
	rule := def.Rule
	recompute := false

	if req.Name != nil {
		name, err := validateName(*req.Name)
		if err != nil {
			return Definition{}, err
		}
		if name != def.Name {
			found, other, err := s.store.FindByName(ctx, owner, name)
			if err != nil {
				return Definition{}, err
			}
			if found && other.ID != def.ID {
				return Definition{}, errors.Wrapf(ErrDuplicateName, "%q", name)
			}
			patch.Name = &name
		}
	}
	if req.Rule != nil {
		if _, err := validateRule(req.Rule, now); err != nil {
			return Definition{}, err
		}
		rule = req.Rule
		patch.Rule = req.Rule
		recompute = true
	}
	if req.Filters != nil || req.Output != nil {
		job := def.Job
		if req.Filters != nil {
			job.Request.Filters = req.Filters
		}
		if req.Output != nil {
			job.Output = req.Output
		}
		patch.Job = &job
	}
	if req.Status != nil {
		status, err := ParseStatus(string(*req.Status))
		if err != nil {
			return Definition{}, errors.Wrap(ErrInvalid, err.Error())
		}
		if status == StatusActive && def.Status != StatusActive {
			cleared := ""
			patch.LastError = &cleared
			recompute = true
		}
		patch.Status = &status
	}
	if recompute {
		next, ok := NextRun(rule, now)
		if !ok {
			return Definition{}, errors.Wrapf(ErrInvalidRule, "%s never fires", rule)
		}
		patch.NextRunAt = &next
	}
	updated, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return Definition{}, err
	}
	s.logger.Info("updated schedule %s of %s", id, owner)
	return updated, nil
}

// Delete retires the owner's schedule; it is never polled again.
func (s *Service) Delete(ctx context.Context, owner report.Owner, id string) error {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return err
	}
	inactive := false
	if _, err := s.store.Update(ctx, id, Patch{Active: &inactive, UpdatedAt: s.clock.Now()}); err != nil {
		return err
	}
	s.logger.Info("deleted schedule %s of %s", id, owner)
	return nil
}

// List returns the owner's active schedules, oldest first.
func (s *Service) List(ctx context.Context, owner report.Owner) ([]Definition, error) {
	return s.store.ListByOwner(ctx, owner)
}
