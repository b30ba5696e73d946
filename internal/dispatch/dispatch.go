package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/msageha/toolgate/internal/lock"
	"github.com/msageha/toolgate/internal/model"
	"github.com/msageha/toolgate/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var (
	// ErrNotFound reports an unknown execution ID.
	ErrNotFound = errors.New("task not found")
	// ErrLeaseMismatch reports an operation presented with a lease that is
	// not the task's current, still-valid lease for that client.
	ErrLeaseMismatch = errors.New("lease mismatch")
	// ErrLeaseCeiling reports a lease grant that would push the task past
	// its cumulative lease budget.
	ErrLeaseCeiling = errors.New("cumulative lease ceiling exceeded")
)

// How often a blocked Next re-checks the queue. Wakeups fire immediately on
// enqueue; the tick only catches leases that expire while a poller waits.
const pollRecheck = time.Second

// Dispatcher hands tasks to polling clients under short fencing leases and
// walks each task through its status lifecycle. All read-modify-write cycles
// run under a per-execution mutex plus a compare-and-swap on the stored lease,
// so two clients can never hold the same task at once.
type Dispatcher struct {
	store store.TaskStore
	locks *lock.MutexMap

	initialLeaseSec  int
	ackLeaseSec      int
	maxCumulativeSec int
	maxWaitSec       int
	maxBatch         int

	mu   sync.Mutex
	wake chan struct{}

	logger   *log.Logger
	logLevel LogLevel
	now      func() time.Time
}

func NewDispatcher(cfg model.DispatchConfig, taskStore store.TaskStore, logger *log.Logger, logLevel LogLevel) *Dispatcher {
	initialLease := cfg.InitialLeaseSec
	if initialLease <= 0 {
		initialLease = 30
	}
	ackLease := cfg.AckLeaseSec
	if ackLease <= 0 {
		ackLease = 300
	}
	maxCumulative := cfg.MaxCumulativeLeaseSec
	if maxCumulative <= 0 {
		maxCumulative = 3600
	}
	maxWait := cfg.MaxWaitSec
	if maxWait <= 0 {
		maxWait = 60
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 10
	}
	return &Dispatcher{
		store:            taskStore,
		locks:            lock.NewMutexMap(),
		initialLeaseSec:  initialLease,
		ackLeaseSec:      ackLease,
		maxCumulativeSec: maxCumulative,
		maxWaitSec:       maxWait,
		maxBatch:         maxBatch,
		wake:             make(chan struct{}),
		logger:           logger,
		logLevel:         logLevel,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueRequest describes a task to add to the queue. ExecutionID may be
// supplied by the caller for idempotent enqueue; when empty a fresh one is
// generated.
type EnqueueRequest struct {
	ExecutionID string
	WorkspaceID string
	Capability  string
	Payload     json.RawMessage
}

// Enqueue adds a pending task. Re-enqueueing an existing execution ID is a
// no-op returning the stored task, so backend retries cannot duplicate work.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (model.Task, error) {
	if req.WorkspaceID == "" {
		return model.Task{}, fmt.Errorf("workspace ID is required")
	}
	if req.Capability == "" {
		return model.Task{}, fmt.Errorf("capability is required")
	}

	executionID := req.ExecutionID
	if executionID == "" {
		var err error
		executionID, err = model.GenerateID(model.IDTypeExecution)
		if err != nil {
			return model.Task{}, fmt.Errorf("generate execution ID: %w", err)
		}
	} else if idType, err := model.ParseIDType(executionID); err != nil || idType != model.IDTypeExecution {
		return model.Task{}, fmt.Errorf("invalid execution ID: %s", executionID)
	}

	now := d.now().Format(time.RFC3339)
	task := model.Task{
		ExecutionID: executionID,
		WorkspaceID: req.WorkspaceID,
		Capability:  req.Capability,
		Payload:     req.Payload,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.Enqueue(ctx, task); err != nil {
		return model.Task{}, fmt.Errorf("enqueue task: %w", err)
	}

	stored, ok, err := d.store.Get(ctx, executionID)
	if err != nil {
		return model.Task{}, fmt.Errorf("read back task: %w", err)
	}
	if !ok {
		return model.Task{}, ErrNotFound
	}

	d.log(LogLevelInfo, "enqueue id=%s workspace=%s capability=%s", executionID, req.WorkspaceID, req.Capability)
	d.broadcast()
	return stored, nil
}

// NextRequest is a poll for work. LeaseSeconds 0 means the configured initial
// lease; WaitSeconds 0 means return immediately.
type NextRequest struct {
	WorkspaceID  string
	ClientID     string
	Limit        int
	LeaseSeconds int
	WaitSeconds  int
}

// Next reserves up to Limit reservable tasks for the client, each under a
// fresh short lease. When the queue is empty it blocks up to WaitSeconds for
// work before returning an empty slice. Cancelling ctx unblocks the wait.
func (d *Dispatcher) Next(ctx context.Context, req NextRequest) ([]model.Task, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	limit := req.Limit
	if limit <= 0 || limit > d.maxBatch {
		limit = d.maxBatch
	}
	leaseSec := req.LeaseSeconds
	if leaseSec <= 0 || leaseSec > d.ackLeaseSec {
		leaseSec = d.initialLeaseSec
	}
	waitSec := req.WaitSeconds
	if waitSec > d.maxWaitSec {
		waitSec = d.maxWaitSec
	}

	deadline := d.now().Add(time.Duration(waitSec) * time.Second)
	for {
		tasks, err := d.reserve(ctx, req.WorkspaceID, req.ClientID, limit, leaseSec)
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			return tasks, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []model.Task{}, nil
		}
		wait := pollRecheck
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-d.wakeCh():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) reserve(ctx context.Context, workspaceID, clientID string, limit, leaseSec int) ([]model.Task, error) {
	now := d.now()
	candidates, err := d.store.ListReservable(ctx, workspaceID, limit, now)
	if err != nil {
		return nil, fmt.Errorf("list reservable: %w", err)
	}

	var reserved []model.Task
	for _, candidate := range candidates {
		task, ok := d.tryReserve(ctx, candidate.ExecutionID, clientID, leaseSec)
		if !ok {
			continue
		}
		reserved = append(reserved, task)
		if len(reserved) >= limit {
			break
		}
	}
	return reserved, nil
}

// tryReserve claims a single candidate. A false return means another client
// won the race or the task is no longer reservable; both are normal.
func (d *Dispatcher) tryReserve(ctx context.Context, executionID, clientID string, leaseSec int) (model.Task, bool) {
	d.locks.Lock(executionID)
	defer d.locks.Unlock(executionID)

	task, ok, err := d.store.Get(ctx, executionID)
	if err != nil || !ok {
		return model.Task{}, false
	}

	now := d.now()
	reclaiming := task.Status != model.StatusPending
	if reclaiming {
		if model.IsTerminal(task.Status) || !task.LeaseExpired(now) {
			return model.Task{}, false
		}
		// Expired lease: the entry conceptually falls back to pending
		// before the new reservation.
		if err := model.ValidateTaskTransition(task.Status, model.StatusPending); err != nil {
			return model.Task{}, false
		}
		d.log(LogLevelWarn, "lease_reclaim id=%s epoch=%d prev_owner=%s", executionID, task.LeaseEpoch, ptrStr(task.LeaseOwner))
	}

	expectLease := ""
	if task.LeaseID != nil {
		expectLease = *task.LeaseID
	}

	leaseID := uuid.NewString()
	expires := now.Add(time.Duration(leaseSec) * time.Second).Format(time.RFC3339)
	task.Status = model.StatusReserved
	task.LeaseID = &leaseID
	task.LeaseOwner = &clientID
	task.LeaseExpiresAt = &expires
	task.LeaseEpoch++
	task.CumulativeLeaseSec += leaseSec
	task.Attempts++
	task.UpdatedAt = now.Format(time.RFC3339)

	if err := d.store.Update(ctx, task, expectLease); err != nil {
		return model.Task{}, false
	}

	d.log(LogLevelInfo, "lease_acquire id=%s owner=%s epoch=%d expires=%s", executionID, clientID, task.LeaseEpoch, expires)
	return task, true
}

// Ack confirms receipt of a reserved task and extends its lease to the long
// working window. Repeating an ack under the same still-valid lease is a
// no-op: it returns the window the first ack granted without charging the
// cumulative budget again.
func (d *Dispatcher) Ack(ctx context.Context, executionID, leaseID, clientID string) (model.Task, error) {
	d.locks.Lock(executionID)
	defer d.locks.Unlock(executionID)

	task, err := d.getHeld(ctx, executionID, leaseID, clientID)
	if err != nil {
		return model.Task{}, err
	}

	if task.Status == model.StatusAcknowledged {
		d.log(LogLevelDebug, "ack replay id=%s owner=%s epoch=%d", executionID, clientID, task.LeaseEpoch)
		return task, nil
	}
	if err := model.ValidateTaskTransition(task.Status, model.StatusAcknowledged); err != nil {
		return model.Task{}, fmt.Errorf("ack %s: %w", executionID, err)
	}

	now := d.now()
	expires := now.Add(time.Duration(d.ackLeaseSec) * time.Second).Format(time.RFC3339)
	task.Status = model.StatusAcknowledged
	task.LeaseExpiresAt = &expires
	task.CumulativeLeaseSec += d.ackLeaseSec
	task.UpdatedAt = now.Format(time.RFC3339)

	if err := d.store.Update(ctx, task, leaseID); err != nil {
		return model.Task{}, d.updateErr("ack", executionID, err)
	}

	d.log(LogLevelInfo, "ack id=%s owner=%s epoch=%d expires=%s", executionID, clientID, task.LeaseEpoch, expires)
	return task, nil
}

// ProgressRequest reports incremental progress on an acknowledged task.
type ProgressRequest struct {
	ExecutionID string
	LeaseID     string
	ClientID    string
	Pct         *int
	Message     string
}

// Progress records a progress report and resets the lease timer. Once the
// task's cumulative lease budget is spent the report is rejected with
// ErrLeaseCeiling, which forces even a runaway task to terminate.
func (d *Dispatcher) Progress(ctx context.Context, req ProgressRequest) (model.Task, error) {
	if req.Pct != nil && (*req.Pct < 0 || *req.Pct > 100) {
		return model.Task{}, fmt.Errorf("progress pct must be 0-100, got %d", *req.Pct)
	}

	d.locks.Lock(req.ExecutionID)
	defer d.locks.Unlock(req.ExecutionID)

	task, err := d.getHeld(ctx, req.ExecutionID, req.LeaseID, req.ClientID)
	if err != nil {
		return model.Task{}, err
	}

	if err := model.ValidateTaskTransition(task.Status, model.StatusInProgress); err != nil {
		return model.Task{}, fmt.Errorf("progress %s: %w", req.ExecutionID, err)
	}
	if task.CumulativeLeaseSec+d.ackLeaseSec > d.maxCumulativeSec {
		d.log(LogLevelWarn, "lease_ceiling id=%s cumulative=%d max=%d", req.ExecutionID, task.CumulativeLeaseSec, d.maxCumulativeSec)
		return model.Task{}, fmt.Errorf("progress %s: %w", req.ExecutionID, ErrLeaseCeiling)
	}

	now := d.now()
	expires := now.Add(time.Duration(d.ackLeaseSec) * time.Second).Format(time.RFC3339)
	task.Status = model.StatusInProgress
	task.LeaseExpiresAt = &expires
	task.CumulativeLeaseSec += d.ackLeaseSec
	if req.Pct != nil {
		task.ProgressPct = req.Pct
	}
	if req.Message != "" {
		msg := req.Message
		task.ProgressMessage = &msg
	}
	task.UpdatedAt = now.Format(time.RFC3339)

	if err := d.store.Update(ctx, task, req.LeaseID); err != nil {
		return model.Task{}, d.updateErr("progress", req.ExecutionID, err)
	}

	d.log(LogLevelDebug, "progress id=%s pct=%s expires=%s", req.ExecutionID, ptrInt(task.ProgressPct), expires)
	return task, nil
}

// ResultRequest is a client's terminal outcome for a task.
type ResultRequest struct {
	ExecutionID string
	LeaseID     string
	ClientID    string
	Status      model.ResultStatus
	Output      string
	ResultJSON  json.RawMessage
	Attachments []model.Attachment
}

// SubmitResult records the terminal outcome. Submissions are idempotent: a
// replay against an already-terminal task returns the previously recorded
// outcome instead of erroring, so a client that lost the response can safely
// retry.
func (d *Dispatcher) SubmitResult(ctx context.Context, req ResultRequest) (model.Task, error) {
	if err := model.ValidateResultStatus(req.Status); err != nil {
		return model.Task{}, err
	}
	for _, a := range req.Attachments {
		if err := model.ValidateAttachment(a); err != nil {
			return model.Task{}, err
		}
	}

	d.locks.Lock(req.ExecutionID)
	defer d.locks.Unlock(req.ExecutionID)

	task, ok, err := d.store.Get(ctx, req.ExecutionID)
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	if !ok {
		return model.Task{}, ErrNotFound
	}

	// Replay: the outcome is already recorded, return it verbatim.
	if model.IsTerminal(task.Status) && task.Result != nil {
		d.log(LogLevelInfo, "result_replay id=%s status=%s client=%s", req.ExecutionID, task.Result.Status, req.ClientID)
		return task, nil
	}

	now := d.now()
	if !task.HeldBy(req.LeaseID, req.ClientID, now) {
		return model.Task{}, fmt.Errorf("submit result %s: %w", req.ExecutionID, ErrLeaseMismatch)
	}

	terminal := model.Status(req.Status)
	if err := model.ValidateTaskTransition(task.Status, terminal); err != nil {
		return model.Task{}, fmt.Errorf("submit result %s: %w", req.ExecutionID, err)
	}

	output := req.Output
	if len(output) > model.MaxOutputBytes {
		cut := model.MaxOutputBytes
		// Back off to a rune boundary so truncation never splits a
		// multi-byte character.
		for cut > 0 && !utf8.RuneStart(output[cut]) {
			cut--
		}
		output = output[:cut]
	}
	task.Status = terminal
	task.Result = &model.TaskResult{
		Status:      req.Status,
		Output:      output,
		ResultJSON:  req.ResultJSON,
		Attachments: req.Attachments,
		ClientID:    req.ClientID,
		RecordedAt:  now.Format(time.RFC3339),
	}
	task.UpdatedAt = now.Format(time.RFC3339)

	if err := d.store.Update(ctx, task, req.LeaseID); err != nil {
		return model.Task{}, d.updateErr("submit result", req.ExecutionID, err)
	}

	d.log(LogLevelInfo, "result id=%s status=%s client=%s attempts=%d", req.ExecutionID, req.Status, req.ClientID, task.Attempts)
	return task, nil
}

// ListInflight returns the non-terminal tasks the client still holds a live
// lease on, letting a restarted worker reconcile instead of orphaning work.
// Tasks whose lease has lapsed are omitted; they are eligible for reclaim and
// the client can no longer mutate them.
func (d *Dispatcher) ListInflight(ctx context.Context, clientID string) ([]model.Task, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	tasks, err := d.store.ListLeasedBy(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list leased: %w", err)
	}
	now := d.now()
	live := tasks[:0]
	for _, task := range tasks {
		if task.LeaseExpired(now) {
			continue
		}
		live = append(live, task)
	}
	return live, nil
}

// getHeld fetches a task and verifies the caller's lease.
func (d *Dispatcher) getHeld(ctx context.Context, executionID, leaseID, clientID string) (model.Task, error) {
	task, ok, err := d.store.Get(ctx, executionID)
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	if !ok {
		return model.Task{}, ErrNotFound
	}
	if !task.HeldBy(leaseID, clientID, d.now()) {
		return model.Task{}, fmt.Errorf("task %s: %w", executionID, ErrLeaseMismatch)
	}
	return task, nil
}

func (d *Dispatcher) updateErr(op, executionID string, err error) error {
	if errors.Is(err, store.ErrLeaseConflict) {
		return fmt.Errorf("%s %s: %w", op, executionID, ErrLeaseMismatch)
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s %s: %w", op, executionID, err)
}

func (d *Dispatcher) wakeCh() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wake
}

func (d *Dispatcher) broadcast() {
	d.mu.Lock()
	close(d.wake)
	d.wake = make(chan struct{})
	d.mu.Unlock()
}

func ptrStr(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func ptrInt(n *int) string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *n)
}

func (d *Dispatcher) log(level LogLevel, format string, args ...any) {
	if d.logger == nil || level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s dispatch: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
