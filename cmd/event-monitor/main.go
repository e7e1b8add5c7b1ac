package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/dbip_updater/internal/config"
	"github.com/austindbirch/dbip_updater/internal/logging"
	"github.com/austindbirch/dbip_updater/internal/notify"
	"github.com/austindbirch/dbip_updater/internal/tracing"
)

var (
	eventsSeen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbipupdater_monitor_events_total",
		Help: "Change events consumed, by result",
	}, []string{"result"})

	lastChange = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dbipupdater_monitor_last_change_timestamp_seconds",
		Help: "Time of the most recent MMDB URL change seen on the topic",
	})
)

func init() {
	prometheus.MustRegister(eventsSeen)
	prometheus.MustRegister(lastChange)
}

// eventHandler logs every mmdb_url.updated event it receives.
type eventHandler struct {
	logger *logging.Logger
}

func (h *eventHandler) HandleMessage(m *nsq.Message) error {
	var ev notify.Event
	if err := json.Unmarshal(m.Body, &ev); err != nil {
		eventsSeen.WithLabelValues("malformed").Inc()
		h.logger.Plain().WithError(err).Warn("Dropping undecodable event")
		// Redelivery would not help
		return nil
	}
	if ev.Type != notify.EventType {
		eventsSeen.WithLabelValues("ignored").Inc()
		return nil
	}

	ctx := tracing.ExtractHeaders(context.Background(), ev.TraceHeaders)
	eventsSeen.WithLabelValues("ok").Inc()
	if at, err := time.Parse(time.RFC3339Nano, ev.At); err == nil {
		lastChange.Set(float64(at.Unix()))
	}
	h.logger.WithContext(ctx).
		WithField("event_id", ev.ID).
		WithField("section", ev.Section).
		WithField("key", ev.Key).
		WithField("previous_url", ev.PreviousURL).
		WithField("url", ev.URL).
		Info("MMDB URL changed")
	return nil
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if cfg.NSQ.NsqdTCPAddr == "" {
		return fmt.Errorf("NSQD_TCP_ADDR is required")
	}

	consumer, err := nsq.NewConsumer(cfg.NSQ.Topic, cfg.Monitor.Channel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(&eventHandler{logger: logger})
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect nsqd: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if consumer.Stats().Connections == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not connected")
			return
		}
		fmt.Fprintln(w, "OK")
	})
	httpSrv := &http.Server{Addr: cfg.Monitor.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Error("HTTP serve failed")
		}
	}()

	logger.Plain().
		WithField("topic", cfg.NSQ.Topic).
		WithField("channel", cfg.Monitor.Channel).
		WithField("addr", cfg.Monitor.Port).
		Info("event-monitor started")

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func main() {
	_ = config.LoadDotEnv(".env")
	logger := logging.New("event-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, config.FromEnv(), logger); err != nil {
		logger.Plain().WithError(err).Error("event-monitor failed")
		os.Exit(1)
	}
}
