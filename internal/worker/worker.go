// Package worker delivers invitation emails and signup codes and purges the
// refresh-token ledger. On PostgreSQL the work runs on River; other drivers
// run it inline.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/invite"
	"github.com/d9705996/bookkeeper/internal/mailer"
	"github.com/d9705996/bookkeeper/internal/signup"
)

const (
	defaultPurgeInterval = time.Hour
	defaultPurgeGrace    = 24 * time.Hour
)

// InviteEmailArgs delivers one invitation email.
type InviteEmailArgs struct {
	InviteID  string    `json:"invite_id"`
	Email     string    `json:"email"`
	OrgName   string    `json:"org_name"`
	RoleID    string    `json:"role_id"`
	AcceptURL string    `json:"accept_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Kind returns the job type identifier.
func (InviteEmailArgs) Kind() string { return "invite_email" }

// SignupCodeArgs delivers one signup verification code.
type SignupCodeArgs struct {
	SignupID  string    `json:"signup_id"`
	Channel   string    `json:"channel"`
	To        string    `json:"to"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Kind returns the job type identifier.
func (SignupCodeArgs) Kind() string { return "signup_code" }

// InsertOpts caps retries; a code is useless once it expires.
func (SignupCodeArgs) InsertOpts() river.InsertOpts { return river.InsertOpts{MaxAttempts: 3} }

// PurgeRefreshTokensArgs deletes long-expired refresh-token rows.
type PurgeRefreshTokensArgs struct{}

// Kind returns the job type identifier.
func (PurgeRefreshTokensArgs) Kind() string { return "purge_refresh_tokens" }

// Deps are the collaborators jobs run against.
type Deps struct {
	Mailer   mailer.Mailer
	Ledger   *auth.Ledger
	SiteName string
	Log      *slog.Logger
	// PurgeInterval defaults to one hour.
	PurgeInterval time.Duration
	// PurgeGrace defaults to 24 hours.
	PurgeGrace time.Duration
	Now        func() time.Time
}

func (d *Deps) defaults() {
	if d.PurgeInterval <= 0 {
		d.PurgeInterval = defaultPurgeInterval
	}
	if d.PurgeGrace <= 0 {
		d.PurgeGrace = defaultPurgeGrace
	}
	if d.SiteName == "" {
		d.SiteName = "Bookkeeper"
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

func (d *Deps) deliverInvite(ctx context.Context, a InviteEmailArgs) error {
	email := mailer.BuildInviteEmail(a.Email, mailer.InviteEmailData{
		SiteName:  d.SiteName,
		OrgName:   a.OrgName,
		Role:      a.RoleID,
		AcceptURL: a.AcceptURL,
		ExpiresIn: humanDuration(a.ExpiresAt.Sub(d.Now())),
	})
	if err := d.Mailer.SendEmail(ctx, email); err != nil {
		return fmt.Errorf("send invite email: %w", err)
	}
	return nil
}

func (d *Deps) deliverCode(ctx context.Context, a SignupCodeArgs) error {
	data := mailer.CodeData{SiteName: d.SiteName, Code: a.Code, ExpiresIn: humanDuration(a.ExpiresAt.Sub(d.Now()))}
	var err error
	switch a.Channel {
	case signup.ChannelEmail:
		err = d.Mailer.SendEmail(ctx, mailer.BuildCodeEmail(a.To, data))
	case signup.ChannelSMS:
		err = d.Mailer.SendSMS(ctx, mailer.BuildCodeSMS(a.To, data))
	default:
		return fmt.Errorf("unknown code channel %q", a.Channel)
	}
	if err != nil {
		return fmt.Errorf("send signup code: %w", err)
	}
	return nil
}

func (d *Deps) purge(ctx context.Context) error {
	n, err := d.Ledger.Purge(ctx, d.PurgeGrace)
	if err != nil {
		return err
	}
	d.Log.InfoContext(ctx, "refresh tokens purged", "deleted", n)
	return nil
}

type inviteEmailWorker struct {
	river.WorkerDefaults[InviteEmailArgs]
	deps *Deps
}

func (w *inviteEmailWorker) Work(ctx context.Context, job *river.Job[InviteEmailArgs]) error {
	return w.deps.deliverInvite(ctx, job.Args)
}

type signupCodeWorker struct {
	river.WorkerDefaults[SignupCodeArgs]
	deps *Deps
}

func (w *signupCodeWorker) Work(ctx context.Context, job *river.Job[SignupCodeArgs]) error {
	return w.deps.deliverCode(ctx, job.Args)
}

type purgeWorker struct {
	river.WorkerDefaults[PurgeRefreshTokensArgs]
	deps *Deps
}

func (w *purgeWorker) Work(ctx context.Context, _ *river.Job[PurgeRefreshTokensArgs]) error {
	return w.deps.purge(ctx)
}

// Queue runs background work. It implements invite.Sender and
// signup.Sender.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendInvite(ctx context.Context, m invite.Message) error
	SendSignupCode(ctx context.Context, m signup.CodeMessage) error
}

func inviteArgs(m invite.Message) InviteEmailArgs {
	return InviteEmailArgs{
		InviteID:  m.InviteID,
		Email:     m.Email,
		OrgName:   m.OrgName,
		RoleID:    m.RoleID,
		AcceptURL: m.AcceptURL,
		ExpiresAt: m.ExpiresAt,
	}
}

func codeArgs(m signup.CodeMessage) SignupCodeArgs {
	return SignupCodeArgs{SignupID: m.SignupID, Channel: m.Channel, To: m.To, Code: m.Code, ExpiresAt: m.ExpiresAt}
}

// Client wraps river.Client and exposes a Start/Stop lifecycle.
type Client struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// SendInvite enqueues an invitation email.
func (c *Client) SendInvite(ctx context.Context, m invite.Message) error {
	if _, err := c.client.Insert(ctx, inviteArgs(m), nil); err != nil {
		return fmt.Errorf("enqueue invite email: %w", err)
	}
	return nil
}

// SendSignupCode enqueues a verification code.
func (c *Client) SendSignupCode(ctx context.Context, m signup.CodeMessage) error {
	if _, err := c.client.Insert(ctx, codeArgs(m), nil); err != nil {
		return fmt.Errorf("enqueue signup code: %w", err)
	}
	return nil
}

// Inline runs deliveries synchronously and purges on a ticker. It is used
// when River is unavailable (DB_DRIVER other than postgres).
type Inline struct {
	deps *Deps

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInline returns an Inline queue.
func NewInline(deps Deps) *Inline {
	deps.defaults()
	return &Inline{deps: &deps}
}

// Start launches the purge loop.
func (q *Inline) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return nil
	}
	ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.done = make(chan struct{})
	q.deps.Log.Info("worker queue running inline (River requires postgres)")
	go q.loop(ctx, q.done)
	return nil
}

func (q *Inline) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(q.deps.PurgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := q.deps.purge(ctx); err != nil {
				q.deps.Log.Error("purge refresh tokens", "error", err)
			}
		}
	}
}

// Stop ends the purge loop and waits for it.
func (q *Inline) Stop(ctx context.Context) error {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel = nil
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendInvite delivers an invitation email now.
func (q *Inline) SendInvite(ctx context.Context, m invite.Message) error {
	return q.deps.deliverInvite(ctx, inviteArgs(m))
}

// SendSignupCode delivers a verification code now.
func (q *Inline) SendSignupCode(ctx context.Context, m signup.CodeMessage) error {
	return q.deps.deliverCode(ctx, codeArgs(m))
}

// New creates a queue implementation appropriate for the given driver.
//   - "postgres": returns a River client backed by pool with the purge job
//     scheduled periodically.
//   - anything else: returns an Inline queue.
//
// pool may be nil when driver != "postgres".
func New(pool *pgxpool.Pool, driver string, concurrency int, deps Deps) (Queue, error) {
	if driver != "postgres" {
		return NewInline(deps), nil
	}
	deps.defaults()
	if concurrency <= 0 {
		concurrency = 1
	}
	d := &deps
	workers := river.NewWorkers()
	river.AddWorker(workers, &inviteEmailWorker{deps: d})
	river.AddWorker(workers, &signupCodeWorker{deps: d})
	river.AddWorker(workers, &purgeWorker{deps: d})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: concurrency},
		},
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(d.PurgeInterval),
				func() (river.JobArgs, *river.InsertOpts) { return PurgeRefreshTokensArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Workers: workers,
		Logger:  d.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Client{client: client, log: d.Log}, nil
}

// MigrateRiver runs River's built-in schema migrations against the given pool.
// Only call this when DB_DRIVER=postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%d days", int(d.Round(time.Hour)/(24*time.Hour)))
	case d >= 2*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Round(time.Hour)/time.Hour))
	case d > time.Minute:
		return fmt.Sprintf("%d minutes", int(d.Round(time.Minute)/time.Minute))
	default:
		return "1 minute"
	}
}
