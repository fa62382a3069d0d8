// Package engine is the recognition core: it owns the pipeline pool, the
// in-memory gallery, enrollment durability, and every request/reply subject
// the gateway relays. One process; scale out by running more of them in the
// same queue group.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/cache"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/gallery"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/pipeline"
	"github.com/hasbegun/eyed/internal/store"
	"github.com/hasbegun/eyed/internal/wire"
)

const (
	// analyzeBudget bounds one frame inside the engine: pool wait plus
	// pipeline run plus matching.
	analyzeBudget = 10 * time.Second

	// reloadDebounce coalesces templates.changed bursts (a bulk enroll
	// fires one per image) into a single gallery reload.
	reloadDebounce = 500 * time.Millisecond

	// queueGroup load-balances request subjects across engine replicas.
	queueGroup = "engine"
)

// Deps are the wired components the engine coordinates. DB, Cache, Queue,
// MatchLog and HE may be nil depending on the deployment mode.
type Deps struct {
	Bus      *bus.Client
	Pool     *pipeline.Pool
	Gallery  *gallery.Gallery
	Datasets *Datasets
	DB       *store.Postgres
	Cache    *cache.Cache
	Queue    *cache.Queue
	MatchLog *store.MatchLogWriter
	HE       *HEMatcher
	Cipher   *blobformat.Cipher
	Logger   *slog.Logger
	Metrics  *metrics.EngineMetrics
}

// Engine answers the bus. Construct with New, subscribe with Register, then
// Run until the context ends.
type Engine struct {
	cfg *config.EngineConfig
	bc  *bus.Client
	log *slog.Logger
	met *metrics.EngineMetrics

	pool   *pipeline.Pool
	gal    *gallery.Gallery
	data   *Datasets
	db     *store.Postgres
	cache  *cache.Cache
	queue  *cache.Queue
	mlog   *store.MatchLogWriter
	heM    *HEMatcher
	cipher *blobformat.Cipher

	nodeID string

	work    chan *job
	reloadC chan struct{}

	jobs sync.WaitGroup
}

type job struct {
	req      wire.AnalyzeRequest
	reply    string
	enqueued time.Time
}

// New assembles the engine. The work queue is as deep as the pool; anything
// beyond that is rejected at admission instead of growing a silent backlog.
func New(cfg *config.EngineConfig, d Deps) *Engine {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Engine{
		cfg:     cfg,
		bc:      d.Bus,
		log:     d.Logger,
		met:     d.Metrics,
		pool:    d.Pool,
		gal:     d.Gallery,
		data:    d.Datasets,
		db:      d.DB,
		cache:   d.Cache,
		queue:   d.Queue,
		mlog:    d.MatchLog,
		heM:     d.HE,
		cipher:  d.Cipher,
		nodeID:  nodeID,
		work:    make(chan *job, d.Pool.Size()),
		reloadC: make(chan struct{}, 1),
	}
}

// NodeID identifies this replica in templates.changed notifications.
func (e *Engine) NodeID() string { return e.nodeID }

// Register subscribes every engine subject. Request subjects join the
// engine queue group so replicas share the load; templates.changed is a
// broadcast every replica must see.
func (e *Engine) Register() error {
	queued := map[string]nats.MsgHandler{
		bus.SubjectAnalyze:           e.HandleAnalyze,
		bus.SubjectEnroll:            e.HandleEnroll,
		bus.SubjectEnrollBulk:        e.HandleBulkEnroll,
		bus.SubjectGalleryList:       e.HandleGalleryList,
		bus.SubjectGalleryDelete:     e.HandleGalleryDelete,
		bus.SubjectGalleryTemplate:   e.HandleTemplateDetail,
		bus.SubjectDatasetsList:      e.HandleDatasetsList,
		bus.SubjectDatasetSubjects:   e.HandleDatasetSubjects,
		bus.SubjectDatasetImages:     e.HandleDatasetImages,
		bus.SubjectDatasetPaths:      e.HandleDatasetPaths,
		bus.SubjectDatasetPathAdd:    e.HandleDatasetPathAdd,
		bus.SubjectDatasetPathRemove: e.HandleDatasetPathRemove,
		bus.SubjectDBSchema:          e.HandleDBSchema,
		bus.SubjectDBStats:           e.HandleDBStats,
		bus.SubjectDBRows:            e.HandleDBRows,
		bus.SubjectDBRow:             e.HandleDBRow,
		bus.SubjectEngineHealth:      e.HandleEngineHealth,
	}
	for subject, handler := range queued {
		if _, err := e.bc.QueueSubscribe(subject, queueGroup, handler); err != nil {
			return err
		}
	}
	_, err := e.bc.Subscribe(bus.SubjectTemplatesChanged, e.HandleTemplatesChanged)
	return err
}

// Run starts the analyze workers and the reload loop and blocks until ctx
// ends and in-flight work drains.
func (e *Engine) Run(ctx context.Context) {
	for i := 0; i < e.pool.Size(); i++ {
		e.jobs.Add(1)
		go func() {
			defer e.jobs.Done()
			e.worker(ctx)
		}()
	}
	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		e.reloadLoop(ctx)
	}()
	if e.queue != nil {
		e.jobs.Add(1)
		go func() {
			defer e.jobs.Done()
			e.queueDepthLoop(ctx)
		}()
	}
	e.jobs.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.work:
			e.met.PoolBusy.Inc()
			e.process(ctx, j)
			e.met.PoolBusy.Dec()
		}
	}
}

// queueDepthLoop exports the Redis backlog so dashboards see a drain that
// cannot keep up.
func (e *Engine) queueDepthLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := e.queue.Depth(ctx)
			if err == nil {
				e.met.QueueDepth.Set(float64(depth))
			}
		}
	}
}

// HandleEngineHealth answers eyed.engine.health.
func (e *Engine) HandleEngineHealth(msg *nats.Msg) {
	e.bc.Respond(msg, e.healthSnapshot())
}

// Health returns the same snapshot served on the bus, for the HTTP probes.
func (e *Engine) Health() *wire.EngineHealth {
	return e.healthSnapshot()
}

func (e *Engine) healthSnapshot() *wire.EngineHealth {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats := e.pool.Stats()
	h := &wire.EngineHealth{
		Alive:                 true,
		PipelineLoaded:        true,
		NATSConnected:         e.bc.IsConnected(),
		GallerySize:           e.gal.Size(),
		PipelinePoolSize:      stats.Size,
		PipelinePoolAvailable: stats.Available,
		Version:               config.Version,
	}
	if e.db != nil {
		h.DBConnected = e.db.Ping(ctx) == nil
	}
	if e.queue != nil {
		h.RedisConnected = e.queue.Ping(ctx) == nil
	}
	// Redis down degrades to direct inserts; a dead database does not.
	h.Ready = h.NATSConnected && (e.db == nil || h.DBConnected)
	return h
}

// HandleTemplatesChanged schedules a debounced gallery reload unless this
// replica published the change itself.
func (e *Engine) HandleTemplatesChanged(msg *nats.Msg) {
	var ev wire.TemplatesChanged
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		e.log.Warn("undecodable templates.changed", "error", err)
		return
	}
	if ev.NodeID == e.nodeID {
		return
	}
	select {
	case e.reloadC <- struct{}{}:
	default:
	}
}

func (e *Engine) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reloadC:
		}

		timer := time.NewTimer(reloadDebounce)
	drain:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-e.reloadC:
				// Still coming in; fold into this reload.
			case <-timer.C:
				break drain
			}
		}

		if err := e.ReloadGallery(ctx); err != nil {
			e.log.Error("gallery reload failed", "error", err)
		}
	}
}

// notifyTemplatesChanged tells the other replicas (and skips this one).
func (e *Engine) notifyTemplatesChanged(action, identityID, templateID string) {
	ev := wire.TemplatesChanged{
		Action:     action,
		IdentityID: identityID,
		TemplateID: templateID,
		NodeID:     e.nodeID,
	}
	if err := e.bc.Publish(bus.SubjectTemplatesChanged, &ev); err != nil {
		e.log.Warn("templates.changed publish failed", "error", err)
	}
}
