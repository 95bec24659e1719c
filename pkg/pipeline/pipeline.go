// Package pipeline executes the fulfillment stages of a compliance
// request as durable queue jobs: discover what connected sources hold,
// package the findings into a downloadable bundle, or erase the
// subject's data at the sources.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gdprhub/hublite/pkg/audit"
	"github.com/gdprhub/hublite/pkg/bundle"
	"github.com/gdprhub/hublite/pkg/contracts"
	"github.com/gdprhub/hublite/pkg/download"
	"github.com/gdprhub/hublite/pkg/notify"
	"github.com/gdprhub/hublite/pkg/objectstore"
	"github.com/gdprhub/hublite/pkg/queue"
	"github.com/gdprhub/hublite/pkg/store"
)

// Job names. The job id is "<name>:<request-id>" so re-enqueueing the
// same stage for the same request is a no-op.
const (
	JobDiscover = "dsar.discover"
	JobPackage  = "dsar.package"
	JobErase    = "dsar.erase"
)

// jobArgs is the payload shared by all pipeline jobs.
type jobArgs struct {
	RequestID string `json:"request_id"`
}

// Pipeline wires the fulfillment stages to their dependencies.
type Pipeline struct {
	requests   *store.RequestStore
	bundles    *store.BundleStore
	objects    objectstore.Store
	downloads  *download.Service
	dispatcher *queue.Dispatcher
	connectors []Connector
	notifier   notify.Notifier
	audit      audit.Logger
	logger     *slog.Logger
	clock      func() time.Time
}

func New(
	requests *store.RequestStore,
	bundles *store.BundleStore,
	objects objectstore.Store,
	downloads *download.Service,
	dispatcher *queue.Dispatcher,
	connectors []Connector,
	notifier notify.Notifier,
	auditLog audit.Logger,
	logger *slog.Logger,
) *Pipeline {
	p := &Pipeline{
		requests:   requests,
		bundles:    bundles,
		objects:    objects,
		downloads:  downloads,
		dispatcher: dispatcher,
		connectors: connectors,
		notifier:   notifier,
		audit:      auditLog,
		logger:     logger,
		clock:      time.Now,
	}
	p.register()
	return p
}

// WithClock overrides the time source. Test hook.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

func (p *Pipeline) register() {
	discoverPolicy := queue.DefaultPolicy()
	discoverPolicy.Queue = "dsar"

	packagePolicy := queue.DefaultPolicy()
	packagePolicy.Queue = "dsar"
	packagePolicy.Timeout = 30 * time.Minute

	erasePolicy := queue.DefaultPolicy()
	erasePolicy.Queue = "dsar"
	erasePolicy.MaxAttempts = 3

	p.dispatcher.Register(JobDiscover, p.handleDiscover, discoverPolicy)
	p.dispatcher.Register(JobPackage, p.handlePackage, packagePolicy)
	p.dispatcher.Register(JobErase, p.handleErase, erasePolicy)
	p.dispatcher.OnExhausted(p.reflectFailure)
}

// EnqueueDiscover schedules the discover stage for a request.
func (p *Pipeline) EnqueueDiscover(ctx context.Context, requestID string) (bool, error) {
	return p.enqueue(ctx, JobDiscover, requestID)
}

// EnqueueErase schedules the erase stage for a request.
func (p *Pipeline) EnqueueErase(ctx context.Context, requestID string) (bool, error) {
	return p.enqueue(ctx, JobErase, requestID)
}

func (p *Pipeline) enqueue(ctx context.Context, name, requestID string) (bool, error) {
	return p.dispatcher.Enqueue(ctx, name, name+":"+requestID, jobArgs{RequestID: requestID})
}

func (p *Pipeline) loadRequest(ctx context.Context, job *queue.Job) (*contracts.ComplianceRequest, error) {
	var args jobArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return nil, queue.Permanent(fmt.Errorf("corrupt job args: %w", err))
	}
	req, err := p.requests.Get(ctx, args.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, queue.Permanent(fmt.Errorf("request %s not found", args.RequestID))
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// handleDiscover enumerates all connected sources for the subject. A
// failing source degrades the result to partial findings rather than
// failing the stage; only a total blackout (every source failing) is
// retried.
func (p *Pipeline) handleDiscover(ctx context.Context, job *queue.Job) error {
	req, err := p.loadRequest(ctx, job)
	if err != nil {
		return err
	}
	if !req.Status.Open() {
		p.logger.Info("skipping discover for settled request", "request_id", req.ID, "status", req.Status)
		return nil
	}

	if err := p.requests.SetStatus(ctx, req.ID, contracts.StatusDiscovering); err != nil {
		return err
	}
	_ = p.audit.Record(ctx, audit.EventPipeline, "dsar.discover.start", "request/"+req.ID, nil)

	findings := &contracts.Findings{RequestID: req.ID}
	failed := 0
	for _, c := range p.connectors {
		records, err := c.Discover(ctx, req.SubjectEmail)
		if err != nil {
			failed++
			findings.Partial = true
			findings.Errors = append(findings.Errors, fmt.Sprintf("%s: %v", c.Name(), err))
			p.logger.Warn("source discovery failed", "request_id", req.ID, "source", c.Name(), "error", err)
			continue
		}
		findings.Sources = append(findings.Sources, contracts.SourceFindings{
			Source:  c.Name(),
			Records: records,
		})
	}
	if len(p.connectors) > 0 && failed == len(p.connectors) {
		return fmt.Errorf("all %d sources failed discovery for request %s", failed, req.ID)
	}
	findings.Sort()

	if err := p.requests.SaveFindings(ctx, findings, p.clock()); err != nil {
		return fmt.Errorf("save findings: %w", err)
	}
	_ = p.audit.Record(ctx, audit.EventPipeline, "dsar.discover.end", "request/"+req.ID, map[string]any{
		"sources": len(findings.Sources),
		"records": findings.TotalRecords(),
		"partial": findings.Partial,
	})

	switch req.Kind {
	case contracts.KindAccess, contracts.KindPortability:
		if _, err := p.enqueue(ctx, JobPackage, req.ID); err != nil {
			return fmt.Errorf("enqueue package: %w", err)
		}
	case contracts.KindErasure:
		if _, err := p.enqueue(ctx, JobErase, req.ID); err != nil {
			return fmt.Errorf("enqueue erase: %w", err)
		}
	default:
		// Rectification, restriction and objection end at review; an
		// operator completes them through the API.
		if err := p.requests.SetStatus(ctx, req.ID, contracts.StatusReviewing); err != nil {
			return err
		}
	}
	return nil
}

// handlePackage builds the export bundle, uploads it and issues the
// download credential. The request completes here.
func (p *Pipeline) handlePackage(ctx context.Context, job *queue.Job) error {
	req, err := p.loadRequest(ctx, job)
	if err != nil {
		return err
	}
	if !req.Status.Open() {
		p.logger.Info("skipping package for settled request", "request_id", req.ID, "status", req.Status)
		return nil
	}

	if err := p.requests.SetStatus(ctx, req.ID, contracts.StatusPackaging); err != nil {
		return err
	}
	_ = p.audit.Record(ctx, audit.EventPipeline, "dsar.package.start", "request/"+req.ID, nil)

	findings, err := p.requests.GetFindings(ctx, req.ID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("no findings for request %s, discover must run first", req.ID))
	}
	if err != nil {
		return err
	}

	now := p.clock()
	archive, err := bundle.Build(req, findings, now)
	if err != nil {
		return queue.Permanent(fmt.Errorf("build bundle: %w", err))
	}

	key := fmt.Sprintf("exports/%s/%s.zip", req.AccountID, req.ID)
	if err := p.objects.Put(ctx, key, archive.Bytes, "application/zip"); err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}

	rec := &contracts.ExportBundle{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		StorageKey: key,
		Size:       archive.Size,
		Checksum:   archive.Checksum,
		Format:     "zip",
		CreatedAt:  now,
		ExpiresAt:  now.Add(contracts.BundleRetention),
	}
	if err := p.bundles.Save(ctx, rec); err != nil {
		return fmt.Errorf("save bundle record: %w", err)
	}

	if err := p.requests.SetStatus(ctx, req.ID, contracts.StatusDelivering); err != nil {
		return err
	}
	token, err := p.downloads.Issue(ctx, req.ID, key)
	if err != nil {
		return fmt.Errorf("issue download token: %w", err)
	}

	if err := p.requests.MarkCompleted(ctx, req.ID, p.clock()); err != nil {
		return err
	}
	req.Status = contracts.StatusCompleted
	if err := p.notifier.RequestCompleted(ctx, req, token.Token); err != nil {
		p.logger.Warn("completion notification failed", "request_id", req.ID, "error", err)
	}
	_ = p.audit.Record(ctx, audit.EventPipeline, "dsar.package.end", "request/"+req.ID, map[string]any{
		"storage_key": key,
		"size":        archive.Size,
		"checksum":    archive.Checksum,
	})
	return nil
}

// handleErase removes the subject's data at every connected source.
// Unlike discovery there is no partial success: any failing source
// retries the whole stage, and each connector's Erase is idempotent.
func (p *Pipeline) handleErase(ctx context.Context, job *queue.Job) error {
	req, err := p.loadRequest(ctx, job)
	if err != nil {
		return err
	}
	if !req.Status.Open() {
		p.logger.Info("skipping erase for settled request", "request_id", req.ID, "status", req.Status)
		return nil
	}

	if err := p.requests.SetStatus(ctx, req.ID, contracts.StatusErasing); err != nil {
		return err
	}
	_ = p.audit.Record(ctx, audit.EventPipeline, "dsar.erase.start", "request/"+req.ID, nil)

	erased := 0
	for _, c := range p.connectors {
		n, err := c.Erase(ctx, req.SubjectEmail)
		if err != nil {
			return fmt.Errorf("erase at %s: %w", c.Name(), err)
		}
		erased += n
	}

	if err := p.requests.MarkCompleted(ctx, req.ID, p.clock()); err != nil {
		return err
	}
	req.Status = contracts.StatusCompleted
	if err := p.notifier.RequestCompleted(ctx, req, ""); err != nil {
		p.logger.Warn("completion notification failed", "request_id", req.ID, "error", err)
	}
	_ = p.audit.Record(ctx, audit.EventPipeline, "dsar.erase.end", "request/"+req.ID, map[string]any{
		"records_erased": erased,
	})
	return nil
}

// reflectFailure marks the owning request failed once a job has burned
// all its attempts.
func (p *Pipeline) reflectFailure(ctx context.Context, job *queue.Job, jobErr error) {
	var args jobArgs
	if err := json.Unmarshal(job.Args, &args); err != nil || args.RequestID == "" {
		p.logger.Error("exhausted job with unreadable args", "job", job.Name, "id", job.ID)
		return
	}
	reason := fmt.Sprintf("%s: %v", job.Name, jobErr)
	if err := p.requests.MarkFailed(ctx, args.RequestID, reason); err != nil {
		p.logger.Error("failed to reflect job failure", "request_id", args.RequestID, "error", err)
		return
	}
	_ = p.audit.Record(ctx, audit.EventEscalation, "request_failed", "request/"+args.RequestID, map[string]any{
		"job":   job.Name,
		"error": jobErr.Error(),
	})
	if err := p.notifier.RequestFailed(ctx, args.RequestID, reason); err != nil {
		p.logger.Warn("failure notification failed", "request_id", args.RequestID, "error", err)
	}
}
