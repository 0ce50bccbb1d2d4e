// Command pulse-meter counts meter pulses on GPIO inputs and publishes
// cumulative energy and power to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/pulse-meter/internal/clock"
	"github.com/sweeney/pulse-meter/internal/config"
	"github.com/sweeney/pulse-meter/internal/diag"
	"github.com/sweeney/pulse-meter/internal/energy"
	"github.com/sweeney/pulse-meter/internal/gpio"
	"github.com/sweeney/pulse-meter/internal/kafka"
	"github.com/sweeney/pulse-meter/internal/logic"
	"github.com/sweeney/pulse-meter/internal/metrics"
	"github.com/sweeney/pulse-meter/internal/mqtt"
	"github.com/sweeney/pulse-meter/internal/status"
	"github.com/sweeney/pulse-meter/internal/store"
	"github.com/sweeney/pulse-meter/internal/web"
)

// errRestart is returned by runLoop after totals were persisted because the
// broker stayed unreachable for too long. The service manager restarts us.
var errRestart = errors.New("mqtt unreachable, restarting")

func main() {
	configPath := flag.String("config", "", "Config file (.yaml, .yml or .toml)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	device := flag.String("device", "", "Device name used in topics (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	storeDriver := flag.String("store", "", "Store driver: file, sqlite or memory (overrides config)")
	storePath := flag.String("store-path", "", "Store file path (overrides config)")
	printTotals := flag.Bool("print-totals", false, "Print persisted totals and exit")
	setTotal := flag.String("set-total", "", "Set a persisted total (meter=value) and exit")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("fatal: %v", err)
		}
	}

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker":
			cfg.MQTT.Broker = *broker
		case "device":
			cfg.Device = *device
		case "http":
			cfg.HTTP.Addr = *httpAddr
			if *httpAddr == "off" {
				cfg.HTTP.Addr = ""
			}
		case "store":
			cfg.Store.Driver = *storeDriver
		case "store-path":
			cfg.Store.Path = *storePath
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("fatal: %v", err)
	}

	var err error
	switch {
	case *printTotals:
		err = printStoredTotals(cfg)
	case *setTotal != "":
		err = setStoredTotal(cfg, *setTotal)
	default:
		err = run(cfg)
	}
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printStoredTotals(cfg config.Config) error {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	for i, m := range cfg.MeterConfigs() {
		total, err := st.Load(i)
		if err != nil {
			return err
		}
		e, err := energy.Energy(total, m.PulsesPerUnit)
		if err != nil {
			return err
		}
		fmt.Printf("%d %s: pulses=%d energy=%s\n", i, m.Name, total, e)
	}
	return nil
}

// parseSetTotal parses "meter=value" where meter is an index or a name.
func parseSetTotal(arg string, meters []logic.Config) (int, uint64, error) {
	name, raw, ok := strings.Cut(arg, "=")
	if !ok {
		return 0, 0, fmt.Errorf("set-total: want meter=value, got %q", arg)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("set-total: bad value %q: %w", raw, err)
	}

	name = strings.TrimSpace(name)
	for i, m := range meters {
		if m.Name == name {
			return i, value, nil
		}
	}
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= len(meters) {
		return 0, 0, fmt.Errorf("set-total: unknown meter %q", name)
	}
	return idx, value, nil
}

func setStoredTotal(cfg config.Config, arg string) error {
	meterCfgs := cfg.MeterConfigs()
	idx, value, err := parseSetTotal(arg, meterCfgs)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.New(0)
	agg, err := logic.NewAggregator(logic.NewMeters(clk, meterCfgs), st, nil, clk)
	if err != nil {
		return err
	}
	if err := agg.Reset(idx, value); err != nil {
		return err
	}
	fmt.Printf("%d %s: pulses=%d\n", idx, meterCfgs[idx].Name, value)
	return nil
}

func run(cfg config.Config) error {
	meterCfgs := cfg.MeterConfigs()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	// The clock must be running before the watcher delivers its first edge,
	// otherwise every early pulse is stamped 0 and rejected as too short.
	clkCtx, stopClock := context.WithCancel(context.Background())
	defer stopClock()
	clk := newRunningClock(clkCtx, config.Duration(cfg.TickMs))
	meters := logic.NewMeters(clk, meterCfgs)

	// Edges arrive on the gpiocdev event goroutine.
	watcher, err := gpio.NewRealWatcher(cfg.Chip, cfg.Pins(), func(meter int, raw bool) {
		meters.Edge(meter, raw)
	})
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer watcher.Close()

	// Seed the debounce state from the current levels so a meter that is
	// mid-pulse at startup is not missed. A repeated level is ignored.
	if levels, err := watcher.Levels(); err != nil {
		log.Printf("gpio: initial levels unavailable: %v", err)
	} else {
		for i, lvl := range levels {
			meters.Edge(i, lvl)
		}
	}

	topics := mqtt.NewTopics(cfg.Namespace, cfg.Device)
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = cfg.Device
	}
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   clientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		Topics:     topics,
		BufferSize: cfg.MQTT.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	sinks := fanout{publisher}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafka.New(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, Device: cfg.Device})
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer sink.Close()
		q := newQueue("kafka", sink, defaultQueueSize)
		g.Go(func() error {
			q.run(gctx)
			return nil
		})
		sinks = append(sinks, q)
		log.Printf("kafka sink: brokers=%v topic=%s", cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}

	agg, err := logic.NewAggregator(meters, st, sinks, clk,
		logic.WithRepublishInterval(clock.Millis(cfg.RepublishMs)))
	if err != nil {
		return err
	}
	for i, total := range agg.Totals() {
		log.Printf("restored meter %d (%s): %d pulses", i, meterCfgs[i].Name, total)
	}

	m := metrics.New()
	sampler := diag.NewSampler(clk)

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		Device:      cfg.Device,
		CycleMs:     cfg.CycleMs,
		DiagMs:      cfg.DiagMs,
		HeartbeatMs: cfg.HeartbeatMs,
		RepublishMs: cfg.RepublishMs,
		Broker:      cfg.MQTT.Broker,
		StoreDriver: cfg.Store.Driver,
		HTTPAddr:    cfg.HTTP.Addr,
	}, meterCfgs)
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, web.Options{
			Metrics:      m.Handler(),
			PushInterval: config.Duration(cfg.HTTP.WSPushMs),
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Printf("started: meters=%d cycle=%dms broker=%s store=%s heartbeat=%dms",
		len(meterCfgs), cfg.CycleMs, cfg.MQTT.Broker, cfg.Store.Driver, cfg.HeartbeatMs)

	cycleTicker := time.NewTicker(config.Duration(cfg.CycleMs))
	defer cycleTicker.Stop()
	diagTick := tickerChan(cfg.DiagMs)
	heartbeatTick := tickerChan(cfg.HeartbeatMs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	l := &loop{
		agg:          agg,
		publisher:    publisher,
		readings:     sinks,
		mqttStatus:   publisher,
		tracker:      tracker,
		metrics:      m,
		sampler:      sampler,
		now:          time.Now,
		restartAfter: config.Duration(cfg.RestartAfterMs),
	}
	g.Go(func() error {
		defer cancel()
		return l.run(gctx, cycleTicker.C, diagTick, heartbeatTick, sigCh)
	})

	return g.Wait()
}

// newRunningClock returns a clock already advancing every interval until
// ctx is done.
func newRunningClock(ctx context.Context, interval time.Duration) *clock.Clock {
	clk := clock.New(0)
	go clk.Run(ctx, interval)
	return clk
}

// tickerChan returns a ticker channel for ms, or nil (never fires) when ms
// is zero. The ticker lives for the rest of the process.
func tickerChan(ms int64) <-chan time.Time {
	if ms <= 0 {
		return nil
	}
	return time.NewTicker(config.Duration(ms)).C
}

// loop is the single goroutine that drives the aggregator and owns all
// outbound I/O.
type loop struct {
	agg        *logic.Aggregator
	publisher  mqtt.Publisher  // system events
	readings   logic.Publisher // diagnostics readings
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	metrics    *metrics.Metrics
	sampler    *diag.Sampler
	now        func() time.Time

	// restartAfter is how long MQTT may stay down before runLoop persists
	// and returns errRestart. Zero disables the watchdog.
	restartAfter time.Duration

	offlineSince time.Time
	errs         errLatch

	// cycled, when set, is called after each cycle that did not end the loop.
	cycled func()
}

// run processes ticks until a signal, ctx cancellation or the watchdog
// ends it. Totals are persisted on every exit path.
func (l *loop) run(ctx context.Context, cycle, diagTick, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			l.shutdown("SHUTDOWN", signalName)
			return nil

		case <-ctx.Done():
			l.shutdown("SHUTDOWN", "CANCELLED")
			return nil

		case <-cycle:
			l.cycle()
			if l.watchdog() {
				log.Printf("mqtt unreachable for %v, persisting and restarting", l.restartAfter)
				l.shutdown("RESTART", "MQTT_UNREACHABLE")
				return errRestart
			}
			if l.cycled != nil {
				l.cycled()
			}

		case <-diagTick:
			l.diagnostics()

		case <-heartbeat:
			l.heartbeat()
		}
	}
}

func (l *loop) cycle() {
	start := time.Now()
	rep := l.agg.Cycle()
	took := time.Since(start)

	for _, mr := range rep.Meters {
		l.errs.report(fmt.Sprintf("store meter %d", mr.Meter), mr.StoreErr)
		l.errs.report(fmt.Sprintf("publish meter %d", mr.Meter), mr.PublishErr)
	}

	if l.metrics != nil {
		l.metrics.ObserveCycle(rep, took)
	}
	if l.tracker != nil {
		l.tracker.Update(rep)
	}
	l.refreshMQTT()
}

// refreshMQTT copies the broker connection state into the tracker and
// metrics.
func (l *loop) refreshMQTT() {
	if l.mqttStatus == nil {
		return
	}
	connected := l.mqttStatus.IsConnected()
	var buffered int
	var dropped uint64
	if b, ok := l.mqttStatus.(bufferStats); ok {
		buffered, dropped = b.Buffered(), b.Dropped()
	}
	if l.tracker != nil {
		l.tracker.SetMQTTConnected(connected)
		l.tracker.SetMQTTBuffered(buffered)
	}
	if l.metrics != nil {
		l.metrics.SetMQTT(connected, buffered, dropped)
	}
}

// watchdog reports whether MQTT has been down for longer than restartAfter.
func (l *loop) watchdog() bool {
	if l.restartAfter <= 0 || l.mqttStatus == nil {
		return false
	}
	if l.mqttStatus.IsConnected() {
		l.offlineSince = time.Time{}
		return false
	}
	now := l.now()
	if l.offlineSince.IsZero() {
		l.offlineSince = now
		return false
	}
	return now.Sub(l.offlineSince) >= l.restartAfter
}

func (l *loop) diagnostics() {
	if l.sampler == nil {
		return
	}
	readings, err := l.sampler.Sample()
	if errors.Is(err, diag.ErrNoSensors) {
		err = nil
	}
	l.errs.report("diagnostics", err)
	for _, r := range readings {
		if r.Metric == logic.MetricTemperature {
			if l.tracker != nil {
				l.tracker.SetTemperature(r.Value.String())
			}
			if l.metrics != nil {
				l.metrics.Temperature.Set(r.Value.Float64())
			}
		}
		if l.readings == nil {
			continue
		}
		if err := l.readings.Publish(r); err != nil {
			log.Printf("diagnostics publish error: %v", err)
		}
	}
}

func (l *loop) heartbeat() {
	hbEvent := mqtt.SystemEvent{
		Timestamp: l.now(),
		Event:     "HEARTBEAT",
	}
	if l.tracker != nil {
		l.refreshMQTT()
		// Refresh network info for heartbeat
		if net := readNetworkInfo(); net != nil {
			l.tracker.SetNetwork(net)
		}
		snap := l.tracker.Snapshot()
		hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
		log.Printf("heartbeat: uptime=%v cycles=%d", snap.Uptime().Truncate(time.Second), snap.Cycles)
	}
	if err := l.publisher.PublishSystem(hbEvent); err != nil {
		log.Printf("heartbeat publish error: %v", err)
	}
}

// shutdown persists every total, then publishes a retained status event.
func (l *loop) shutdown(event, reason string) {
	if err := l.agg.Persist(); err != nil {
		log.Printf("persist totals: %v", err)
	} else {
		log.Printf("persisted totals: %v", l.agg.Totals())
	}

	se := mqtt.SystemEvent{
		Timestamp: l.now(),
		Event:     event,
		Reason:    reason,
		Retained:  true,
	}
	if l.tracker != nil {
		l.refreshMQTT()
		snap := l.tracker.Snapshot()
		se.RawPayload = status.FormatStatusEvent(snap, event, reason)
	}
	if err := l.publisher.PublishSystem(se); err != nil {
		log.Printf("failed to publish %s event: %v", strings.ToLower(event), err)
	} else {
		log.Printf("published %s event", strings.ToLower(event))
	}
}

// bufferStats is implemented by publishers with an offline buffer.
type bufferStats interface {
	Buffered() int
	Dropped() uint64
}

// errLatch logs an error when it first appears or changes and once more
// when it clears, so a persistent failure does not flood the log every
// cycle.
type errLatch struct {
	last map[string]string
}

func (e *errLatch) report(key string, err error) {
	if e.last == nil {
		e.last = make(map[string]string)
	}
	prev, failing := e.last[key]
	if err == nil {
		if failing {
			log.Printf("%s: recovered", key)
			delete(e.last, key)
		}
		return
	}
	if msg := err.Error(); !failing || msg != prev {
		log.Printf("%s error: %v", key, err)
		e.last[key] = msg
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
