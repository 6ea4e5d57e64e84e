package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ColonelBlimp/tonelink/internal/config"
	"github.com/ColonelBlimp/tonelink/internal/detect"
	"github.com/ColonelBlimp/tonelink/internal/effect"
	"github.com/ColonelBlimp/tonelink/internal/metrics"
	"github.com/ColonelBlimp/tonelink/internal/publish"
	"github.com/ColonelBlimp/tonelink/internal/server"
	"github.com/ColonelBlimp/tonelink/internal/spectrum"
)

// eventSink receives detection events. *publish.Publisher satisfies it.
type eventSink interface {
	ChannelDetected(channel int)
	NoSignal()
	Effect(change effect.Change)
	Close()
}

// receiver wires the analyzer into the detection loop and fans events out to
// the effect router, metrics, the websocket and the broker.
type receiver struct {
	settings *config.Settings
	logger   *log.Logger
	session  string

	analyzer *spectrum.Analyzer
	loop     *detect.Loop
	router   *effect.Router
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	server   *server.Server // nil when http_listen is empty
	sink     eventSink      // nil when mqtt_broker is empty
}

type receiverOption func(*receiver, *[]detect.Option)

// withLoopOptions passes extra options to the detection loop, for tests.
func withLoopOptions(opts ...detect.Option) receiverOption {
	return func(_ *receiver, loopOpts *[]detect.Option) {
		*loopOpts = append(*loopOpts, opts...)
	}
}

// withSink replaces the broker publisher, for tests.
func withSink(sink eventSink) receiverOption {
	return func(r *receiver, _ *[]detect.Option) { r.sink = sink }
}

func newReceiver(s *config.Settings, logger *log.Logger, opts ...receiverOption) (*receiver, error) {
	r := &receiver{
		settings: s,
		logger:   logger,
		session:  uuid.NewString(),
		router:   effect.NewRouter(s.AvailableEffects),
		registry: prometheus.NewRegistry(),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.metrics = metrics.New(r.registry)

	for _, w := range s.Warnings() {
		logger.Printf("config: %s", w)
	}

	var loopOpts []detect.Option
	for _, opt := range opts {
		opt(r, &loopOpts)
	}

	analyzer, err := spectrum.New(s.SpectrumConfig())
	if err != nil {
		return nil, fmt.Errorf("spectrum: %w", err)
	}
	r.analyzer = analyzer

	if s.HTTPListen != "" {
		r.server = server.New(s.HTTPListen, r.registry, r.snapshot,
			server.WithSession(r.session),
			server.WithClientGauge(r.metrics),
			server.WithLogger(logger),
		)
	}

	if r.sink == nil && s.MQTTBroker != "" {
		pub, err := publish.New(publish.Config{
			Broker:   s.MQTTBroker,
			Topic:    s.MQTTTopic,
			ClientID: s.MQTTClientID,
			Session:  r.session,
			OnError:  func(string, error) { r.metrics.PublishFailed() },
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		r.sink = pub
	}

	loopOpts = append([]detect.Option{
		detect.WithHandlers(detect.Handlers{
			OnChannelDetected: r.channelDetected,
			OnNoSignal:        r.noSignal,
			OnLevelChanged:    r.metrics.LevelChanged,
		}),
		detect.WithObserver(r.observe),
		detect.WithLogger(logger),
		detect.WithDebug(s.Debug),
	}, loopOpts...)

	loop, err := detect.New(s.DetectConfig(), analyzer, loopOpts...)
	if err != nil {
		return nil, err
	}
	r.loop = loop
	return r, nil
}

func (r *receiver) snapshot() detect.Snapshot {
	return r.loop.Snapshot()
}

// channelDetected runs on the detection path: everything here must be
// non-blocking.
func (r *receiver) channelDetected(channel int) {
	r.metrics.ChannelDetected(channel)
	r.broadcast(server.EventDetected, map[string]int{"channel": channel})
	if r.sink != nil {
		r.sink.ChannelDetected(channel)
	}

	change, ok := r.router.Apply(channel)
	if !ok {
		r.logger.Printf("effect: channel %d not handled (available: %d)", channel, r.settings.AvailableEffects)
		return
	}
	if r.settings.Debug {
		r.logger.Printf("effect: channel %d -> %s %+v", channel, change.Kind, change.State)
	}
	r.broadcast(server.EventEffect, change)
	if r.sink != nil {
		r.sink.Effect(change)
	}
}

func (r *receiver) noSignal() {
	r.metrics.NoSignal()
	r.broadcast(server.EventNoSignal, nil)
	if r.sink != nil {
		r.sink.NoSignal()
	}
}

func (r *receiver) observe(s detect.Snapshot) {
	r.metrics.ObserveSnapshot(s)
	r.broadcast(server.EventSnapshot, s)
}

func (r *receiver) broadcast(eventType string, data any) {
	if r.server == nil {
		return
	}
	r.server.Broadcast(server.Event{Type: eventType, Data: data})
}

// adoptSampleRate reconfigures the analyzer when the device does not run at
// the requested rate. The loop picks up the new bin mapping on its next tick.
func (r *receiver) adoptSampleRate(rate float64) error {
	if rate <= 0 || rate == r.analyzer.SampleRate() {
		return nil
	}
	r.logger.Printf("audio: adopting device sample rate %.0f Hz", rate)
	if err := r.analyzer.SetSampleRate(rate); err != nil {
		return fmt.Errorf("spectrum: %w", err)
	}
	return nil
}

// serve runs the HTTP server until ctx is cancelled. A nil server returns
// immediately.
func (r *receiver) serve(ctx context.Context) error {
	if r.server == nil {
		<-ctx.Done()
		return nil
	}
	return r.server.ListenAndServe(ctx)
}

func (r *receiver) close() {
	if err := r.loop.Stop(); err != nil && !errors.Is(err, detect.ErrNotRunning) {
		r.logger.Printf("detect: stop: %v", err)
	}
	if r.sink != nil {
		r.sink.Close()
	}
}
