package triggers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/1rokoko/hotel-boost-sub006/pkg/contextstore"
	"github.com/1rokoko/hotel-boost-sub006/pkg/delivery"
	"github.com/1rokoko/hotel-boost-sub006/pkg/metrics"
	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
	"github.com/1rokoko/hotel-boost-sub006/pkg/repository"
)

// ErrDuplicateFiring means the firing marker already existed. It is a skip, not a failure.
var ErrDuplicateFiring = errors.New("firing already recorded")

// ConversationReader gives the engine read access to conversation records.
type ConversationReader interface {
	ActiveConversation(ctx context.Context, hotelID, guestID string) (*models.Conversation, bool)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, bool)
}

type Config struct {
	TickInterval    time.Duration
	Workers         int
	DefaultTimezone string
	// DueBatch caps how many scheduled firings one tick reads.
	DueBatch int64
	Now      func() time.Time
}

// Result is the outcome of evaluating one firing
type Result struct {
	Firing     models.Firing       `json:"firing"`
	Status     models.FiringStatus `json:"status"`
	Text       string              `json:"text,omitempty"`
	DeliveryID string              `json:"delivery_id,omitempty"`
	Err        error               `json:"-"`

	// keep is set when the firing never reached the marker write and should stay scheduled
	keep bool
}

// TickReport summarises one scheduler pass
type TickReport struct {
	Due        int
	Dispatched int
	Duplicates int
	Skipped    int
	Failed     int
}

func (r *TickReport) add(res Result) {
	switch res.Status {
	case models.FiringDispatched:
		r.Dispatched++
	case models.FiringDuplicate:
		r.Duplicates++
	case models.FiringSkipped:
		r.Skipped++
	case models.FiringFailed:
		r.Failed++
	}
}

type pending struct {
	def       models.TriggerDefinition
	firing    models.Firing
	scheduled bool
}

// Engine fires proactive messages for time, event and condition based definitions.
type Engine struct {
	repo          repository.Repository
	store         *contextstore.Store
	schedule      *Schedule
	sender        delivery.Sender
	conversations ConversationReader
	locations     *locations
	cfg           Config
	logger        *logrus.Logger
	metrics       *metrics.Metrics

	leader   *LeaderElection
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(repo repository.Repository, store *contextstore.Store, schedule *Schedule, sender delivery.Sender, cfg Config, logger *logrus.Logger, metrics *metrics.Metrics) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = 500
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		repo:      repo,
		store:     store,
		schedule:  schedule,
		sender:    sender,
		locations: newLocations(cfg.DefaultTimezone, logger),
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
	}
}

// SetConversations wires the conversation records used for binding and skipping firings.
func (e *Engine) SetConversations(reader ConversationReader) {
	e.conversations = reader
}

// Start runs the tick loop. With a leader election only the leader ticks;
// with nil every call ticks.
func (e *Engine) Start(ctx context.Context, leader *LeaderElection) {
	e.leader = leader
	e.logger.WithField("tick_interval", e.cfg.TickInterval).Info("Starting trigger engine")

	e.wg.Add(1)
	go e.tickLoop(ctx)
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

func (e *Engine) IsLeader() bool {
	return e.leader == nil || e.leader.IsLeader()
}

// CurrentLeader returns the pod id running the tick loop. Without leader
// election it is empty.
func (e *Engine) CurrentLeader(ctx context.Context) (string, error) {
	if e.leader == nil {
		return "", nil
	}
	return e.leader.CurrentLeader(ctx)
}

// ScheduledCount returns the number of time-based and delayed firings waiting.
func (e *Engine) ScheduledCount(ctx context.Context) (int64, error) {
	return e.schedule.Len(ctx)
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.IsLeader() {
				e.Tick(ctx)
			}
		}
	}
}

func anchorName(anchor models.AnchorKind, triggerID int64) string {
	if anchor == models.AnchorTriggerFired {
		return fmt.Sprintf("%s:%d", anchor, triggerID)
	}
	return string(anchor)
}

// RecordAnchor notes an anchor event for a guest and schedules every active
// time-based definition offset from it. A first_message anchor is recorded
// once per guest; later calls schedule nothing.
func (e *Engine) RecordAnchor(ctx context.Context, hotelID, guestID, conversationID string, anchor models.AnchorKind, at time.Time) (int, error) {
	guest := e.store.Guest(guestID)
	switch anchor {
	case models.AnchorFirstMessage:
		if !guest.RecordAnchor(ctx, anchorName(anchor, 0), at) {
			return 0, nil
		}
	case models.AnchorCheckIn, models.AnchorCheckOut:
		guest.SetAnchor(ctx, anchorName(anchor, 0), at)
	default:
		return 0, fmt.Errorf("anchor %q cannot be recorded directly", anchor)
	}
	return e.scheduleFromAnchor(ctx, hotelID, guestID, conversationID, anchor, 0, at)
}

func (e *Engine) scheduleFromAnchor(ctx context.Context, hotelID, guestID, conversationID string, anchor models.AnchorKind, firedID int64, at time.Time) (int, error) {
	defs, err := e.repo.ListActiveTriggers(ctx, hotelID)
	if err != nil {
		return 0, fmt.Errorf("failed to load triggers for hotel %s: %w", hotelID, err)
	}
	hotel, _ := e.repo.GetHotel(ctx, hotelID)

	scheduled := 0
	for _, def := range defs {
		if def.Kind != models.TriggerTimeBased || def.Schedule == nil || def.Schedule.Anchor != anchor {
			continue
		}
		if anchor == models.AnchorTriggerFired && def.Schedule.AnchorTriggerID != firedID {
			continue
		}
		f := models.Firing{
			TriggerID:      def.ID,
			HotelID:        hotelID,
			GuestID:        guestID,
			ConversationID: conversationID,
			AnchorAt:       at,
			DueAt:          dueTime(*def.Schedule, at, e.locations.forDefinition(def, hotel)),
		}
		if err := e.schedule.Add(ctx, f); err != nil {
			e.logger.WithError(err).WithField("trigger_id", def.ID).Error("Failed to schedule time-based firing")
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// PublishEvent fires matching event-based definitions. Definitions without a
// delay are evaluated inline, in priority order; delayed ones are scheduled.
func (e *Engine) PublishEvent(ctx context.Context, event models.DomainEvent) ([]Result, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.cfg.Now()
	}
	defs, err := e.repo.ListActiveTriggers(ctx, event.HotelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load triggers for hotel %s: %w", event.HotelID, err)
	}

	fields := eventFields(event)
	var immediate []pending
	for _, def := range defs {
		if def.Kind != models.TriggerEventBased || def.EventName != event.Name {
			continue
		}
		expr, err := Compile(def.Conditions)
		if err != nil {
			e.logger.WithError(err).WithField("trigger_id", def.ID).Warn("Skipping trigger with invalid filter")
			continue
		}
		if !expr.Eval(fields) {
			continue
		}

		f := models.Firing{
			TriggerID:      def.ID,
			HotelID:        event.HotelID,
			GuestID:        event.GuestID,
			ConversationID: event.ConversationID,
			AnchorAt:       event.OccurredAt,
			DueAt:          event.OccurredAt.Add(def.Delay),
		}
		if def.Delay > 0 {
			if err := e.schedule.Add(ctx, f); err != nil {
				e.logger.WithError(err).WithField("trigger_id", def.ID).Error("Failed to schedule delayed event firing")
			}
			continue
		}
		immediate = append(immediate, pending{def: def, firing: f})
	}

	sortPending(immediate)
	results := make([]Result, 0, len(immediate))
	for _, p := range immediate {
		results = append(results, e.fire(ctx, p.def, p.firing, event.Payload))
	}
	return results, nil
}

// Evaluate runs one firing against the current definition. Calling it twice
// for the same firing dispatches at most once.
func (e *Engine) Evaluate(ctx context.Context, f models.Firing) Result {
	def, err := e.repo.GetTrigger(ctx, f.TriggerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return e.finish(models.TriggerDefinition{ID: f.TriggerID}, Result{Firing: f, Status: models.FiringSkipped, Err: err})
		}
		return Result{Firing: f, Status: models.FiringFailed, Err: err, keep: true}
	}
	return e.fire(ctx, *def, f, nil)
}

// Tick evaluates due scheduled firings and condition-based definitions.
// Work for different guests runs in parallel.
func (e *Engine) Tick(ctx context.Context) TickReport {
	start := time.Now()
	defer func() {
		e.metrics.TriggerTickDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.cfg.Now()
	var report TickReport
	batches := make(map[string][]pending)

	due, err := e.schedule.Due(ctx, now, e.cfg.DueBatch)
	if err != nil {
		e.logger.WithError(err).Error("Failed to read trigger schedule")
	}
	report.Due = len(due)
	e.metrics.ScheduledFiringsCount.Set(float64(len(due)))

	for _, f := range due {
		def, err := e.repo.GetTrigger(ctx, f.TriggerID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			e.logger.WithError(err).WithField("trigger_id", f.TriggerID).Warn("Trigger lookup failed, keeping firing scheduled")
			continue
		}
		if err != nil || !def.Active {
			// Disabled or deleted: drop the firing without dispatching.
			report.add(e.finish(models.TriggerDefinition{ID: f.TriggerID}, Result{Firing: f, Status: models.FiringSkipped}))
			e.removeScheduled(ctx, f)
			continue
		}
		key := f.HotelID + "|" + f.GuestID
		batches[key] = append(batches[key], pending{def: *def, firing: f, scheduled: true})
	}

	e.collectConditionFirings(ctx, now, batches)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.Workers)

	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(batch []pending) {
			defer wg.Done()
			defer func() { <-sem }()

			sortPending(batch)
			for _, p := range batch {
				res := e.fire(ctx, p.def, p.firing, nil)
				if p.scheduled && !res.keep {
					e.removeScheduled(ctx, p.firing)
				}
				mu.Lock()
				report.add(res)
				mu.Unlock()
			}
		}(batch)
	}
	wg.Wait()

	if report.Due > 0 || report.Dispatched > 0 || report.Failed > 0 {
		e.logger.WithFields(logrus.Fields{
			"due":        report.Due,
			"dispatched": report.Dispatched,
			"duplicates": report.Duplicates,
			"skipped":    report.Skipped,
			"failed":     report.Failed,
		}).Info("Trigger tick complete")
	}
	return report
}

func (e *Engine) collectConditionFirings(ctx context.Context, now time.Time, batches map[string][]pending) {
	hotels, err := e.repo.ListHotels(ctx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to list hotels for condition triggers")
		return
	}

	for _, hotel := range hotels {
		defs, err := e.repo.ListActiveTriggers(ctx, hotel.ID)
		if err != nil {
			e.logger.WithError(err).WithField("hotel_id", hotel.ID).Error("Failed to load triggers")
			continue
		}

		type compiled struct {
			def  models.TriggerDefinition
			expr Expr
		}
		var conditional []compiled
		for _, def := range defs {
			if def.Kind != models.TriggerConditionBased {
				continue
			}
			expr, err := Compile(def.Conditions)
			if err != nil {
				e.logger.WithError(err).WithField("trigger_id", def.ID).Warn("Skipping trigger with invalid conditions")
				continue
			}
			conditional = append(conditional, compiled{def: def, expr: expr})
		}
		if len(conditional) == 0 {
			continue
		}

		guests, err := e.repo.ListInHouseGuests(ctx, hotel.ID, now)
		if err != nil {
			e.logger.WithError(err).WithField("hotel_id", hotel.ID).Error("Failed to list in-house guests")
			continue
		}

		for _, guest := range guests {
			conv := e.activeConversation(ctx, hotel.ID, guest.ID)
			fields := e.guestFields(ctx, hotel, guest, conv, now)
			anchor := conditionAnchor(conv, guest)
			memory := e.store.Guest(guest.ID)

			for _, c := range conditional {
				if !c.expr.Eval(fields) {
					continue
				}
				f := models.Firing{
					TriggerID: c.def.ID,
					HotelID:   hotel.ID,
					GuestID:   guest.ID,
					AnchorAt:  anchor,
					DueAt:     now,
				}
				if conv != nil {
					f.ConversationID = conv.ID
				}
				// Already-fired conditions stay true every tick; skip them quietly.
				// The marker write in fire remains the real guard.
				if memory.HasFired(ctx, f.Key()) {
					continue
				}
				key := hotel.ID + "|" + guest.ID
				batches[key] = append(batches[key], pending{def: c.def, firing: f})
			}
		}
	}
}

// conditionAnchor ties a condition firing to the active conversation, else
// the stay, so a condition fires once per conversation or stay.
func conditionAnchor(conv *models.Conversation, guest models.Guest) time.Time {
	if conv != nil {
		return conv.CreatedAt
	}
	if guest.CheckIn != nil {
		return *guest.CheckIn
	}
	return time.UnixMilli(0)
}

func (e *Engine) activeConversation(ctx context.Context, hotelID, guestID string) *models.Conversation {
	if e.conversations == nil {
		return nil
	}
	conv, ok := e.conversations.ActiveConversation(ctx, hotelID, guestID)
	if !ok {
		return nil
	}
	return conv
}

// fire is the per-firing protocol: marker first, then render and dispatch.
func (e *Engine) fire(ctx context.Context, def models.TriggerDefinition, f models.Firing, extra map[string]interface{}) Result {
	res := Result{Firing: f}
	fields := logrus.Fields{
		"trigger_id": def.ID,
		"hotel_id":   f.HotelID,
		"guest_id":   f.GuestID,
		"firing_key": f.Key(),
	}

	if ctx.Err() != nil {
		res.Status, res.Err, res.keep = models.FiringSkipped, ctx.Err(), true
		return e.finish(def, res)
	}
	if !def.Active {
		res.Status = models.FiringSkipped
		return e.finish(def, res)
	}
	if f.ConversationID != "" && e.conversations != nil {
		if conv, ok := e.conversations.GetConversation(ctx, f.ConversationID); ok && conv.Status != models.StatusActive {
			e.logger.WithFields(fields).WithField("status", conv.Status).Debug("Conversation no longer active, skipping firing")
			res.Status = models.FiringSkipped
			return e.finish(def, res)
		}
	}

	now := e.cfg.Now()
	marked, err := e.store.Guest(f.GuestID).MarkFiring(ctx, f.Key(), now)
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Warn("Could not write firing marker, will retry next tick")
		res.Status, res.Err, res.keep = models.FiringFailed, err, true
		return e.finish(def, res)
	}
	if !marked {
		e.logger.WithFields(fields).Debug("Firing already recorded")
		res.Status, res.Err = models.FiringDuplicate, ErrDuplicateFiring
		return e.finish(def, res)
	}

	hotel, _ := e.repo.GetHotel(ctx, f.HotelID)
	loc := e.locations.forDefinition(def, hotel)
	res.Text = Render(def.Template, e.templateValues(ctx, f, loc, extra))

	// Past the marker the firing completes even if the tick is cancelled.
	sent, err := e.sender.Send(context.WithoutCancel(ctx), f.HotelID, f.GuestID, res.Text)
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Error("Trigger dispatch failed")
		res.Status, res.Err = models.FiringFailed, err
		return e.finish(def, res)
	}

	res.Status = models.FiringDispatched
	res.DeliveryID = sent.DeliveryID
	e.logger.WithFields(fields).WithField("delivery_id", sent.DeliveryID).Info("Trigger dispatched")

	e.store.Guest(f.GuestID).SetAnchor(ctx, anchorName(models.AnchorTriggerFired, def.ID), now)
	if _, err := e.scheduleFromAnchor(ctx, f.HotelID, f.GuestID, f.ConversationID, models.AnchorTriggerFired, def.ID, now); err != nil {
		e.logger.WithError(err).WithFields(fields).Warn("Failed to schedule follow-up triggers")
	}
	return e.finish(def, res)
}

func (e *Engine) finish(def models.TriggerDefinition, res Result) Result {
	kind := string(def.Kind)
	if kind == "" {
		kind = "unknown"
	}
	e.metrics.TriggerFirings.WithLabelValues(kind, string(res.Status)).Inc()
	return res
}

func (e *Engine) removeScheduled(ctx context.Context, f models.Firing) {
	if err := e.schedule.Remove(ctx, f); err != nil {
		e.logger.WithError(err).WithField("firing_key", f.Key()).Warn("Failed to remove evaluated firing")
	}
}

// sortPending orders by descending priority, then ascending definition id.
func sortPending(batch []pending) {
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].def.Priority != batch[j].def.Priority {
			return batch[i].def.Priority > batch[j].def.Priority
		}
		return batch[i].def.ID < batch[j].def.ID
	})
}
