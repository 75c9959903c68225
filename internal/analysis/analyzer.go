package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/enrichment"
	"github.com/technosupport/ts-sentinel/internal/infer"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

const (
	// FastPathPrefix keys fast-path events off their single detection id.
	FastPathPrefix = "fast_path_"

	idempotencyTTL = 24 * time.Hour
)

func idempotencyKey(batchID string) string {
	return "idempotency:event:" + batchID
}

// Completer is the LLM client surface the analyzer needs.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string) (io.ReadCloser, error)
	HealthCheck(ctx context.Context) bool
}

// ContextBuilder assembles the situational context for a camera's batch.
type ContextBuilder interface {
	BuildContext(ctx context.Context, cameraID string, detections []*data.Detection) (*enrichment.Context, error)
}

// Broadcaster publishes persisted events to downstream subscribers.
type Broadcaster interface {
	PublishEvent(ctx context.Context, e *data.Event) error
}

// AuditRecorder appends one analysis audit row inside the event transaction.
type AuditRecorder interface {
	RecordAnalysis(ctx context.Context, tx data.DBTX, eventID int64, batchID, cameraID, tier string, fallback bool) error
}

// Analyzer turns closed batches and fast-path detections into persisted,
// risk-scored events. Exactly one live event exists per batch id; concurrent
// retries resolve through the idempotency lookup and the partial unique index
// on events.batch_id.
type Analyzer struct {
	db  *sql.DB
	rdb *redis.Client
	cfg *config.Store

	llm      Completer
	sem      *infer.Semaphore
	enricher ContextBuilder
	pipeline enrichment.Pipeline

	events     data.EventModel
	detections data.DetectionModel

	broadcaster Broadcaster
	audit       AuditRecorder
}

func NewAnalyzer(db *sql.DB, rdb *redis.Client, cfg *config.Store, llm Completer, sem *infer.Semaphore, enricher ContextBuilder) *Analyzer {
	return &Analyzer{
		db:         db,
		rdb:        rdb,
		cfg:        cfg,
		llm:        llm,
		sem:        sem,
		enricher:   enricher,
		events:     data.EventModel{DB: db},
		detections: data.DetectionModel{DB: db},
	}
}

// SetPipeline wires the optional enrichment pipeline.
func (a *Analyzer) SetPipeline(p enrichment.Pipeline) { a.pipeline = p }

// SetBroadcaster wires the event publisher.
func (a *Analyzer) SetBroadcaster(b Broadcaster) { a.broadcaster = b }

// SetAudit wires the audit recorder.
func (a *Analyzer) SetAudit(r AuditRecorder) { a.audit = r }

// AnalyzeBatch analyzes one closed batch. cameraID and detectionIDs may be
// empty; the legacy path then reads them from the batch keys in the key-value
// store. LLM and parse failures persist a fallback assessment instead of
// returning an error; only missing batches, empty batches, and storage
// failures surface to the caller.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, batchID, cameraID string, detectionIDs []int64) (*data.Event, error) {
	var err error
	cameraID, detectionIDs, err = a.resolveBatch(ctx, batchID, cameraID, detectionIDs)
	if err != nil {
		return nil, err
	}

	if existing, ok := a.existingEvent(ctx, batchID); ok {
		log.Printf("Analyzer: batch %s already analyzed as event %d", batchID, existing.ID)
		return existing, nil
	}

	detections, err := a.detections.FetchByIDs(ctx, detectionIDs, data.FetchOptions{OrderByDetection: true})
	if err != nil {
		return nil, fmt.Errorf("batch %s: detection fetch: %w", batchID, err)
	}
	if len(detections) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNoDetections)
	}

	started := detections[0].DetectedAt
	ended := detections[len(detections)-1].DetectedAt
	return a.analyze(ctx, batchID, cameraID, detections, started, ended, false)
}

// AnalyzeDetectionFastPath runs the same pipeline for one high-confidence
// detection, without waiting for its batch window.
func (a *Analyzer) AnalyzeDetectionFastPath(ctx context.Context, cameraID string, detectionID int64) (*data.Event, error) {
	batchID := FastPathPrefix + strconv.FormatInt(detectionID, 10)

	if existing, ok := a.existingEvent(ctx, batchID); ok {
		return existing, nil
	}

	detections, err := a.detections.FetchByIDs(ctx, []int64{detectionID}, data.FetchOptions{})
	if err != nil {
		return nil, fmt.Errorf("fast path %d: detection fetch: %w", detectionID, err)
	}
	if len(detections) == 0 {
		return nil, fmt.Errorf("fast path %d: %w", detectionID, ErrNoDetections)
	}

	at := detections[0].DetectedAt
	return a.analyze(ctx, batchID, cameraID, detections, at, at, true)
}

// analyze is the shared body: enrich, prompt, complete, parse, persist,
// broadcast. The inference permit is held only across the LLM call.
func (a *Analyzer) analyze(ctx context.Context, batchID, cameraID string, detections []*data.Detection, started, ended time.Time, fastPath bool) (*data.Event, error) {
	enriched, tier, prompt := a.buildPrompt(ctx, cameraID, detections)

	assessment, usedFallback := a.complete(ctx, batchID, prompt)

	event := &data.Event{
		BatchID:      batchID,
		CameraID:     cameraID,
		StartedAt:    started,
		EndedAt:      ended,
		RiskScore:    assessment.RiskScore,
		RiskLevel:    assessment.RiskLevel,
		Summary:      assessment.Summary,
		Reasoning:    assessment.Reasoning,
		IsFastPath:   fastPath,
		LLMPrompt:    prompt,
		DetectionIDs: detectionsToIDs(detections),
	}

	persisted, err := a.persist(ctx, event, detections, enriched, tier, usedFallback)
	if err != nil {
		return nil, err
	}

	a.markIdempotent(ctx, batchID)

	if persisted.DeletedAt == nil && a.broadcaster != nil {
		if err := a.broadcaster.PublishEvent(ctx, persisted); err != nil {
			log.Printf("[ERROR] Analyzer: broadcast for event %d failed: %v", persisted.ID, err)
		}
	}

	metrics.RecordEvent(persisted.RiskLevel, fastPath)
	log.Printf("Analyzer: batch %s -> event %d (%s, score %d, tier %s)",
		batchID, persisted.ID, persisted.RiskLevel, persisted.RiskScore, tier)
	return persisted, nil
}

// buildPrompt assembles enrichment context and the tiered prompt. Context and
// pipeline failures degrade the tier rather than failing the analysis.
func (a *Analyzer) buildPrompt(ctx context.Context, cameraID string, detections []*data.Detection) (map[int64]map[string]any, string, string) {
	var ectx *enrichment.Context
	if a.enricher != nil {
		var err error
		ectx, err = a.enricher.BuildContext(ctx, cameraID, detections)
		if err != nil {
			log.Printf("[WARN] Analyzer: context build for camera %s failed: %v", cameraID, err)
		}
	}

	var enriched map[int64]map[string]any
	if a.pipeline != nil {
		raw, err := a.pipeline.Run(ctx, detections)
		if err != nil {
			log.Printf("[WARN] Analyzer: enrichment pipeline failed: %v", err)
		} else {
			enriched = make(map[int64]map[string]any, len(raw))
			for id, m := range raw {
				enriched[id] = enrichment.Normalize(m)
			}
		}
	}

	cameraName := cameraID
	if ectx != nil && ectx.Camera != nil {
		cameraName = ectx.Camera.Name
	}

	tier := SelectTier(enriched, ectx)
	prompt := BuildPrompt(tier, cameraName, detections, enriched, ectx)
	return enriched, tier, prompt
}

// complete runs the LLM call under one inference permit and parses the
// result. Any failure yields the fallback assessment.
func (a *Analyzer) complete(ctx context.Context, batchID, prompt string) (*RiskAssessment, bool) {
	if err := a.sem.Acquire(ctx); err != nil {
		log.Printf("[WARN] Analyzer: permit wait aborted for batch %s: %v", batchID, err)
		return FallbackAssessment(), true
	}
	start := time.Now()
	content, err := a.llm.Complete(ctx, prompt)
	a.sem.Release()
	metrics.RecordInferenceLatency("nemotron", float64(time.Since(start).Milliseconds()))

	if err != nil {
		metrics.RecordInference("nemotron", "error")
		log.Printf("[ERROR] Analyzer: LLM call for batch %s failed: %v", batchID, err)
		return FallbackAssessment(), true
	}
	metrics.RecordInference("nemotron", "ok")

	assessment, err := ParseAssessment(content, a.cfg.Current().Severity)
	if err != nil {
		log.Printf("[ERROR] Analyzer: unparseable completion for batch %s: %v", batchID, err)
		return FallbackAssessment(), true
	}
	return assessment, false
}

// persist writes the event, junction rows, per-detection enrichment, and the
// audit record in one transaction. A unique violation on batch_id means a
// concurrent worker won; the existing event is returned instead.
func (a *Analyzer) persist(ctx context.Context, event *data.Event, detections []*data.Detection, enriched map[int64]map[string]any, tier string, fallback bool) (*data.Event, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txEvents := data.EventModel{DB: tx}
	txDetections := data.DetectionModel{DB: tx}

	if err := txEvents.Insert(ctx, event); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			if existing, lookupErr := a.events.GetByBatchID(ctx, event.BatchID); lookupErr == nil {
				log.Printf("Analyzer: batch %s persisted concurrently as event %d", event.BatchID, existing.ID)
				return existing, nil
			}
			return nil, fmt.Errorf("batch %s: concurrent insert lost and lookup failed: %w", event.BatchID, err)
		}
		return nil, fmt.Errorf("event insert: %w", err)
	}

	if err := txEvents.LinkDetections(ctx, event.ID, event.DetectionIDs); err != nil {
		return nil, fmt.Errorf("event %d: junction insert: %w", event.ID, err)
	}

	for _, d := range detections {
		m, ok := enriched[d.ID]
		if !ok || len(m) == 0 {
			continue
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("detection %d: enrichment marshal: %w", d.ID, err)
		}
		if err := txDetections.SetEnrichment(ctx, d.ID, raw); err != nil {
			return nil, fmt.Errorf("detection %d: enrichment write: %w", d.ID, err)
		}
	}

	if a.audit != nil {
		if err := a.audit.RecordAnalysis(ctx, tx, event.ID, event.BatchID, event.CameraID, tier, fallback); err != nil {
			return nil, fmt.Errorf("event %d: audit: %w", event.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return event, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// resolveBatch fills camera id and detection ids from the batch keys when the
// caller did not carry them (legacy queue items).
func (a *Analyzer) resolveBatch(ctx context.Context, batchID, cameraID string, detectionIDs []int64) (string, []int64, error) {
	if cameraID != "" && detectionIDs != nil {
		return cameraID, detectionIDs, nil
	}
	if a.rdb == nil {
		return "", nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
	}

	if cameraID == "" {
		v, err := a.rdb.Get(ctx, "batch:"+batchID+":camera_id").Result()
		if err == redis.Nil {
			return "", nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
		}
		if err != nil {
			return "", nil, fmt.Errorf("batch %s: state read: %w", batchID, err)
		}
		cameraID = v
	}

	if detectionIDs == nil {
		raw, err := a.rdb.LRange(ctx, "batch:"+batchID+":detections", 0, -1).Result()
		if err != nil {
			return "", nil, fmt.Errorf("batch %s: detection list read: %w", batchID, err)
		}
		for _, s := range raw {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				log.Printf("[WARN] Analyzer: batch %s has malformed detection id %q", batchID, s)
				continue
			}
			detectionIDs = append(detectionIDs, id)
		}
		if detectionIDs == nil {
			detectionIDs = []int64{}
		}
	}
	return cameraID, detectionIDs, nil
}

// existingEvent is the idempotency check. The key-value marker is only a
// hint; the live event row is authoritative, so the lookup always runs.
func (a *Analyzer) existingEvent(ctx context.Context, batchID string) (*data.Event, bool) {
	event, err := a.events.GetByBatchID(ctx, batchID)
	if err == nil {
		return event, true
	}
	if !errors.Is(err, data.ErrRecordNotFound) {
		log.Printf("[WARN] Analyzer: idempotency lookup for batch %s failed: %v", batchID, err)
	}
	return nil, false
}

func (a *Analyzer) markIdempotent(ctx context.Context, batchID string) {
	if a.rdb == nil {
		return
	}
	if err := a.rdb.Set(ctx, idempotencyKey(batchID), "1", idempotencyTTL).Err(); err != nil {
		log.Printf("[WARN] Analyzer: idempotency marker for batch %s failed: %v", batchID, err)
	}
}

// HealthCheck probes the LLM service.
func (a *Analyzer) HealthCheck(ctx context.Context) bool {
	return a.llm.HealthCheck(ctx)
}

func detectionsToIDs(detections []*data.Detection) []int64 {
	ids := make([]int64, len(detections))
	for i, d := range detections {
		ids[i] = d.ID
	}
	return ids
}
