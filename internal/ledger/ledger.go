// ABOUTME: Job ledger tracking deployment jobs addressed to registered agents
// ABOUTME: Every mutation is a read-modify-write of the whole jobs document under the store lock

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/store"
)

// Ledger errors
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrNotOwner      = errors.New("job belongs to another agent")
)

// Job statuses produced by the service. Reports may carry any string.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is one unit of work addressed to exactly one agent.
type Job struct {
	JobID    string   `json:"job_id"`
	AgentID  string   `json:"agent_id"`
	Args     []string `json:"args"`
	IsSPA    bool     `json:"is_spa"`
	EnvToken string   `json:"env_token,omitempty"`
	Status   string   `json:"status"`
	Output   string   `json:"output,omitempty"`
	Created  int64    `json:"created"`
	Updated  int64    `json:"updated"`
}

// CreateParams describe a new job.
type CreateParams struct {
	AgentID  string
	Args     []string
	IsSPA    bool
	EnvToken string
}

// AgentChecker answers whether an agent is registered.
type AgentChecker interface {
	Exists(ctx context.Context, agentID string) (bool, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sends job events to p.
func WithPublisher(p notify.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.events = p
		}
	}
}

// Ledger manages the job table.
type Ledger struct {
	store  *store.Store
	agents AgentChecker
	events notify.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger backed by s that validates agent ids against agents.
func New(s *store.Store, agents AgentChecker, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  s,
		agents: agents,
		events: notify.Nop{},
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create adds a pending job for a registered agent.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (string, error) {
	ok, err := l.agents.Exists(ctx, p.AgentID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, p.AgentID)
	}

	args := p.Args
	if args == nil {
		args = []string{}
	}

	now := l.now().Unix()
	job := Job{
		JobID:    uuid.New().String(),
		AgentID:  p.AgentID,
		Args:     args,
		IsSPA:    p.IsSPA,
		EnvToken: p.EnvToken,
		Status:   StatusPending,
		Created:  now,
		Updated:  now,
	}

	jobs := store.NewTable[Job]()
	err = l.store.Update(ctx, store.KeyJobs, jobs, func() error {
		jobs.Set(job.JobID, job)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("saving job: %w", err)
	}

	l.logger.Info("job created", "job_id", job.JobID, "agent_id", job.AgentID, "is_spa", job.IsSPA)
	l.publish(ctx, notify.KindJobCreated, job)
	return job.JobID, nil
}

// PendingFor returns the agent's pending jobs in creation order.
func (l *Ledger) PendingFor(ctx context.Context, agentID string) ([]Job, error) {
	jobs := store.NewTable[Job]()
	if err := l.store.Load(ctx, store.KeyJobs, jobs); err != nil {
		return nil, err
	}
	return jobs.Filter(func(j Job) bool {
		return j.AgentID == agentID && j.Status == StatusPending
	}), nil
}

// Report records the outcome of a job. Only the owning agent may report, and
// the latest report always wins, even on a job that is already terminal.
// The status is stored as given, including the empty string.
func (l *Ledger) Report(ctx context.Context, jobID, agentID, status, output string) error {
	var reported Job
	jobs := store.NewTable[Job]()
	err := l.store.Update(ctx, store.KeyJobs, jobs, func() error {
		job, ok := jobs.Get(jobID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if job.AgentID != agentID {
			return ErrNotOwner
		}
		if job.Status != StatusPending {
			l.logger.Warn("overwriting terminal job", "job_id", jobID, "old_status", job.Status, "new_status", status)
		}
		job.Status = status
		job.Output = output
		job.Updated = l.now().Unix()
		jobs.Set(jobID, job)
		reported = job
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Info("job reported", "job_id", jobID, "agent_id", agentID, "status", status)
	l.publish(ctx, notify.KindJobReported, reported)
	return nil
}

// Get returns a single job.
func (l *Ledger) Get(ctx context.Context, jobID string) (*Job, error) {
	jobs := store.NewTable[Job]()
	if err := l.store.Load(ctx, store.KeyJobs, jobs); err != nil {
		return nil, err
	}
	j, ok := jobs.Get(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	return &j, nil
}

// HasPendingReference reports whether a pending job of agentID references envToken.
func (l *Ledger) HasPendingReference(ctx context.Context, agentID, envToken string) (bool, error) {
	pending, err := l.PendingFor(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, j := range pending {
		if j.EnvToken == envToken {
			return true, nil
		}
	}
	return false, nil
}

// List returns every job.
func (l *Ledger) List(ctx context.Context) (*store.Table[Job], error) {
	jobs := store.NewTable[Job]()
	if err := l.store.Load(ctx, store.KeyJobs, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (l *Ledger) publish(ctx context.Context, kind string, j Job) {
	ev := notify.Event{
		Kind:    kind,
		JobID:   j.JobID,
		AgentID: j.AgentID,
		Status:  j.Status,
		At:      j.Updated,
	}
	if err := l.events.Publish(ctx, ev); err != nil {
		l.logger.Warn("failed to publish job event", "kind", kind, "job_id", j.JobID, "error", err)
	}
}
