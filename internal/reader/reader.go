// Package reader drives the read cycle: illuminate, capture, rectify,
// infer, validate, persist, report and darken, then idle until the next
// round. It also owns reinitialization after a sustained unhealthy streak.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"time"

	"codeberg.org/mutker/meterreader/internal/capture"
	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/inference"
	"codeberg.org/mutker/meterreader/internal/logger"
	"codeberg.org/mutker/meterreader/internal/meterconf"
	"codeberg.org/mutker/meterreader/internal/messaging"
	"codeberg.org/mutker/meterreader/internal/plausibility"
)

const flashOffBrightness = "0%"

type Reader struct {
	store      DocumentStore
	messenger  Messenger
	classifier inference.Classifier
	pipeline   *inference.Pipeline
	supervisor *health.Supervisor
	newSource  SourceFactory
	recorders  []Recorder
	logger     logger.Logger
	errFactory errors.Factory

	brokerDefaults messaging.Options
	now            func() time.Time
	sleep          Sleeper

	mu           sync.RWMutex
	doc          *meterconf.Document
	source       capture.Source
	requestTopic string
	firstRound   bool
	last         *CycleResult
}

// New builds a reader around the document in store. A document that
// cannot be loaded here is a startup error.
func New(
	store DocumentStore,
	messenger Messenger,
	classifier inference.Classifier,
	supervisor *health.Supervisor,
	log logger.Logger,
	opts ...Option,
) (*Reader, error) {
	if log == nil {
		log = logger.New("reader")
	}

	r := &Reader{
		store:      store,
		messenger:  messenger,
		classifier: classifier,
		supervisor: supervisor,
		logger:     log,
		errFactory: errors.New(),
		now:        time.Now,
		sleep:      sleepContext,
		firstRound: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newSource == nil {
		r.newSource = func(camURL string) (capture.Source, error) {
			return capture.NewSource(camURL, capture.DefaultTimeout)
		}
	}

	doc, err := store.Load()
	if err != nil {
		return nil, r.errFactory.Wrap(errors.ErrInitApp, err)
	}

	r.pipeline = inference.NewPipeline(classifier, supervisor, log.With("inference"))
	r.adopt(doc)
	supervisor.SetReinitializer(health.ReinitializerFunc(r.reinitialize))

	return r, nil
}

// BrokerOptions merges the broker described by doc into base.
func BrokerOptions(base messaging.Options, doc *meterconf.Document) messaging.Options {
	base.BrokerURL = doc.MQTTDesc.BrokerURL
	base.Port = doc.MQTTDesc.BrokerTCPPort
	base.User = doc.MQTTDesc.User
	base.Pass = doc.MQTTDesc.Pass
	return base
}

// BrokerOptions returns the broker options of the current document.
func (r *Reader) BrokerOptions() messaging.Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return BrokerOptions(r.brokerDefaults, r.doc)
}

// Start subscribes to value requests. Call once before Run.
func (r *Reader) Start() error {
	r.mu.RLock()
	topic := r.doc.MQTTDesc.Topics.ValueRequest
	r.mu.RUnlock()

	return r.subscribeRequests(topic)
}

// Run executes cycles until ctx is done. Cancellation is honored between
// cycles and while idle; a cycle that has started runs to completion.
func (r *Reader) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.RunCycle(ctx)

		r.mu.RLock()
		idle := r.doc.MeterReaderDesc.RoundInterval()
		r.mu.RUnlock()

		if err := r.sleep(ctx, idle); err != nil {
			return err
		}
	}
}

// RunCycle performs one full read cycle and returns its result.
func (r *Reader) RunCycle(ctx context.Context) CycleResult {
	ctx = context.WithoutCancel(ctx)
	started := r.now()

	r.mu.RLock()
	doc := r.doc
	source := r.source
	firstRound := r.firstRound
	r.mu.RUnlock()

	desc := doc.MeterReaderDesc
	topics := doc.MQTTDesc.Topics
	previous := desc.InitMeterVal

	res := CycleResult{
		Started:       started,
		SensorValue:   previous,
		AcceptedValue: previous,
	}

	// IlluminateOn
	if r.publish(topics.FlashOn, flashPayload{Bright: desc.FlashBright / 100}) {
		_ = r.sleep(ctx, desc.FlashDuration())
	} else {
		res.AbortedAt = StageIlluminateOn
	}

	// Capture, Rectify
	var frame image.Image
	if res.AbortedAt == StageNone {
		var err error
		frame, err = r.capture(ctx, source)
		if err != nil {
			r.supervisor.SetFault(health.FaultVideo, err.Error())
			res.AbortedAt = StageCapture
		} else {
			r.supervisor.ClearFault(health.FaultVideo)
			frame = capture.Rectify(frame, doc.CameraDesc.Rotation)
		}
	}

	// Infer, Validate
	masks := doc.ImgMaskDesc.DigMasks
	if len(masks) == 0 {
		r.supervisor.SetFault(health.FaultSetting, "image masks have not been set")
	} else {
		r.supervisor.ClearFault(health.FaultSetting)
	}

	switch {
	case res.AbortedAt != StageNone:
		res.InferSkipped = fmt.Sprintf("aborted at %s", res.AbortedAt)
	case len(masks) == 0:
		res.InferSkipped = "no masks"
	case !r.supervisor.Mask().Blocking().Healthy():
		res.InferSkipped = "unhealthy: " + r.supervisor.Mask().Blocking().String()
	default:
		r.inferAndValidate(ctx, frame, doc, firstRound, &res)
	}

	// Persist
	if res.Accepted {
		r.persist(doc, res.AcceptedValue)
	}

	// Report
	r.publish(topics.MeterReport, reportPayload{
		SensorValue:  res.AcceptedValue,
		Delta:        res.Delta,
		SensorHealth: uint8(r.supervisor.Mask()),
	})

	// IlluminateOff
	r.publish(topics.FlashOff, flashPayload{Bright: flashOffBrightness})

	res.Health = r.supervisor.Mask()
	res.Reinitialized = r.supervisor.Tick(res.Health.Healthy())
	res.Streak = r.supervisor.Streak()
	res.Duration = r.now().Sub(started)

	r.mu.Lock()
	last := res
	r.last = &last
	r.mu.Unlock()

	r.logCycle(res)
	r.record(ctx, res)

	return res
}

func (r *Reader) inferAndValidate(ctx context.Context, frame image.Image, doc *meterconf.Document, firstRound bool, res *CycleResult) {
	desc := doc.MeterReaderDesc

	pass := r.pipeline.Run(ctx, frame, doc.ImgMaskDesc.DigMasks, desc.MinConfidence)
	res.Verdicts = pass.Verdicts
	if !pass.Complete {
		return
	}

	res.SensorValue = pass.Candidate

	exempt := firstRound && desc.FirstRoundExempt
	decision := plausibility.Validate(pass.Candidate, desc.InitMeterVal, desc.SingleStepThresh, exempt)
	if !decision.Accepted() {
		r.supervisor.SetFault(health.FaultPlausibility, decision.Reason)
		return
	}

	r.supervisor.ClearFault(health.FaultPlausibility)
	res.Accepted = true
	res.AcceptedValue = decision.Value
	res.Delta = decision.Delta

	r.mu.Lock()
	r.firstRound = false
	r.mu.Unlock()
}

func (r *Reader) capture(ctx context.Context, source capture.Source) (image.Image, error) {
	if source == nil {
		return nil, r.errFactory.WithMessage(capture.ErrNoSource, "no capture source configured")
	}
	return source.Capture(ctx)
}

// persist stores value in the document and saves it. A failed save is a
// fault; the report still goes out.
func (r *Reader) persist(doc *meterconf.Document, value float64) {
	r.mu.Lock()
	doc.MeterReaderDesc.InitMeterVal = value
	r.mu.Unlock()

	r.mu.RLock()
	err := r.store.Save(doc)
	r.mu.RUnlock()

	if err != nil {
		r.supervisor.SetFault(health.FaultPersistence, err.Error())
		return
	}
	r.supervisor.ClearFault(health.FaultPersistence)
}

// publish sends v as JSON and records the outcome in the messaging fault.
func (r *Reader) publish(topic string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		r.supervisor.SetFault(health.FaultMessaging, err.Error())
		return false
	}

	ok, msg := r.messenger.Publish(topic, payload)
	if !ok {
		r.supervisor.SetFault(health.FaultMessaging, msg)
		return false
	}

	r.logger.Debug().Str("topic", topic).RawJSON("payload", payload).Msg(msg)
	r.supervisor.ClearFault(health.FaultMessaging)
	return true
}

func (r *Reader) record(ctx context.Context, res CycleResult) {
	for _, rec := range r.recorders {
		if err := rec.RecordCycle(ctx, res); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record cycle")
		}
	}
}

func (r *Reader) logCycle(res CycleResult) {
	var event *logger.LogEvent
	if res.Health.Healthy() {
		event = r.logger.Info()
	} else {
		event = r.logger.Warn()
	}

	event.
		Float64("value", res.AcceptedValue).
		Float64("delta", res.Delta).
		Bool("accepted", res.Accepted).
		Str("health", res.Health.String()).
		Str("aborted_at", string(res.AbortedAt)).
		Str("infer_skipped", res.InferSkipped).
		Int("streak", res.Streak).
		Bool("reinitialized", res.Reinitialized).
		Dur("duration", res.Duration).
		Msg("Read cycle finished")
}

// LastResult returns the most recent cycle, if any.
func (r *Reader) LastResult() (CycleResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.last == nil {
		return CycleResult{}, false
	}
	return *r.last, true
}

// LastAccepted is the value currently stored in the document.
func (r *Reader) LastAccepted() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.MeterReaderDesc.InitMeterVal
}

// Health returns the live health register.
func (r *Reader) Health() health.Mask {
	return r.supervisor.Mask()
}

// Document returns a copy of the current document.
func (r *Reader) Document() *meterconf.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Clone()
}

// adopt installs doc and the state derived from it.
func (r *Reader) adopt(doc *meterconf.Document) {
	source, err := r.newSource(doc.CameraDesc.CamURL)
	if err != nil {
		r.logger.Warn().Err(err).Str("cam_url", doc.CameraDesc.CamURL).Msg("No usable capture source")
	}

	r.mu.Lock()
	r.doc = doc
	r.source = source
	r.mu.Unlock()

	r.supervisor.SetThreshold(doc.MeterReaderDesc.ErrorStreakThresh)
}

// reinitialize reloads the document, reconnects messaging and reloads the
// classifier. Faults it records are wiped by the supervisor afterwards.
func (r *Reader) reinitialize() {
	r.logger.Warn().Msg("Reinitializing")

	doc, err := r.store.Load()
	if err != nil {
		r.supervisor.SetFault(health.FaultConfigLoad, err.Error())
		r.mu.RLock()
		doc = r.doc
		r.mu.RUnlock()
	} else {
		r.supervisor.ClearFault(health.FaultConfigLoad)
		r.adopt(doc)
	}

	r.mu.Lock()
	r.firstRound = true
	r.mu.Unlock()

	r.messenger.Reconnect(r.BrokerOptions())

	if err := r.subscribeRequests(doc.MQTTDesc.Topics.ValueRequest); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to subscribe to value requests")
	}

	if err := r.classifier.Reload(context.Background()); err != nil {
		r.supervisor.SetFault(health.FaultClassifier, err.Error())
	}
}

// subscribeRequests moves the value request subscription to topic.
func (r *Reader) subscribeRequests(topic string) error {
	r.mu.Lock()
	old := r.requestTopic
	r.requestTopic = topic
	r.mu.Unlock()

	if old != "" && old != topic {
		if err := r.messenger.Unsubscribe(old); err != nil {
			r.logger.Debug().Err(err).Str("topic", old).Msg("Failed to unsubscribe")
		}
	}
	if topic == "" {
		return nil
	}
	return r.messenger.Subscribe(topic, r.handleValueRequest)
}

// handleValueRequest answers with the last accepted value. A value
// carried by the request is only logged.
func (r *Reader) handleValueRequest(topic string, payload []byte) error {
	var req valuePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			r.logger.Debug().Err(err).Str("topic", topic).Msg("Ignoring malformed value request body")
		} else if req.SensorValue != nil {
			r.logger.Info().Float64("peer_value", *req.SensorValue).Msg("Value request carried a peer reading")
		}
	}

	r.mu.RLock()
	value := r.doc.MeterReaderDesc.InitMeterVal
	respTopic := r.doc.MQTTDesc.Topics.ValueResponse
	r.mu.RUnlock()

	if respTopic == "" {
		return r.errFactory.WithMessage(errors.ErrInvalidConfig, "value request received but no response topic is set")
	}

	body, err := json.Marshal(valuePayload{SensorValue: &value})
	if err != nil {
		return err
	}

	if ok, msg := r.messenger.Publish(respTopic, body); !ok {
		return r.errFactory.WithMessage(errors.ErrOperationFailed, msg)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
