package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"krakenclient/internal/config"
	"krakenclient/internal/events"
	"krakenclient/internal/exchange/kraken"
	"krakenclient/internal/logger"
	"krakenclient/internal/metrics"
	"krakenclient/internal/session"
	"krakenclient/internal/sink"
	"krakenclient/internal/websocket"
)

const (
	// interrupts after the first one are counted; at this many the process
	// exits without waiting for the cancel-all.
	forceExitInterrupts = 9
	shutdownTimeout     = 10 * time.Second
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config.yml", "Path to configuration file")
	pairs := flag.String("pairs", "", "Comma separated pairs overriding the configured ones")
	depth := flag.Int("depth", 0, "Book depth overriding the configured one")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *pairs != "" {
		cfg.SetPairs(parsePairs(*pairs))
	}
	if *depth > 0 {
		cfg.SetDepth(*depth)
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Client.Name,
		"version": cfg.Client.Version,
		"pairs":   cfg.Session.Pairs,
		"private": cfg.Kraken.HasCredentials(),
	}).Info("starting kraken client")

	metrics.Init()

	rest := kraken.NewRestClient(kraken.RestOptions{
		BaseURL:   cfg.Kraken.RestURL,
		UserAgent: cfg.Kraken.UserAgent,
		Timeout:   cfg.Kraken.RestTimeout,
		Rate:      cfg.Kraken.RestRate,
		Burst:     cfg.Kraken.RestBurst,
		APIKey:    cfg.Kraken.APIKey,
		APISecret: cfg.Kraken.APISecret,
	}, log)

	sess := session.New(session.Options{
		Session:    cfg.Session,
		PublicURL:  cfg.Kraken.PublicWSURL,
		PrivateURL: cfg.Kraken.PrivateWSURL,
		Dialer:     kraken.NewDialer(log),
		Rest:       rest,
		Logger:     log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	evs, unsubscribe := sess.Events(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		logEvents(ctx, log, evs)
	}()

	if err := sess.Start(ctx); err != nil {
		switch {
		case errors.Is(err, session.ErrNoToken):
			log.WithError(err).Error("no websocket token, check the API key permissions")
		case errors.Is(err, session.ErrUnknownPair):
			log.WithError(err).Error("configured pair is not listed by the exchange")
		default:
			log.WithError(err).Error("failed to start session")
		}
		os.Exit(1)
	}

	if cfg.Server.Enabled {
		srv := websocket.NewServer(sess, cfg.Server, cfg.Session.CompressDecimals, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("server stopped")
			}
		}()
	}

	var kafkaSink *sink.KafkaSink
	if cfg.Kafka.Enabled {
		writer, err := sink.NewKafkaWriter(cfg.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		kafkaSink = sink.NewKafkaSink(sess, writer, log)
		if err := kafkaSink.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka sink")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka sink disabled")
	}

	sigCh := make(chan os.Signal, forceExitInterrupts)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Info("shutdown signal received")

	go func() {
		for i := 1; i < forceExitInterrupts; i++ {
			<-sigCh
		}
		log.Warn("forced exit")
		os.Exit(1)
	}()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if cfg.Session.CancelOrdersOnExit && cfg.Kraken.HasCredentials() {
		if _, err := sess.CancelAllOrders(shutdownCtx); err != nil {
			log.WithError(err).Warn("cancel all orders on exit failed")
		}
	}

	if kafkaSink != nil {
		if err := kafkaSink.Stop(); err != nil {
			log.WithError(err).Warn("failed to close kafka writer")
		}
	}
	if err := sess.Close(); err != nil {
		log.WithError(err).Warn("failed to close session")
	}
	cancel()
	wg.Wait()

	log.Info("kraken client stopped")
}

// parsePairs splits a comma separated flag value, dropping blanks
func parsePairs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func logEvents(ctx context.Context, log *logger.Log, evs <-chan events.Event) {
	entry := log.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evs:
			if !ok {
				return
			}
			fields := logger.Fields{"event": e.Name}
			if e.Pair != "" {
				fields["pair"] = e.Pair
			}
			if e.OrderID != "" {
				fields["order_id"] = e.OrderID
			}
			switch e.Name {
			case events.Ready, events.OrderFound, events.OrderStatus, events.OwnTrade:
				entry.WithFields(fields).Info("event")
			default:
				entry.WithFields(fields).Debug("event")
			}
		}
	}
}
