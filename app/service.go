// Package app assembles the dispatch service from its configuration.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/medifleet/dispatch/api"
	"github.com/medifleet/dispatch/config"
	"github.com/medifleet/dispatch/core/constraint"
	"github.com/medifleet/dispatch/core/dispatch"
	"github.com/medifleet/dispatch/core/fleet"
	"github.com/medifleet/dispatch/core/ledger"
	coremetrics "github.com/medifleet/dispatch/core/metrics"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/core/monitoring"
	"github.com/medifleet/dispatch/core/routing"
	infairspace "github.com/medifleet/dispatch/infra/airspace"
	infraledger "github.com/medifleet/dispatch/infra/ledger"
	"github.com/medifleet/dispatch/infra/logger"
	inframetrics "github.com/medifleet/dispatch/infra/metrics"
	inframonitoring "github.com/medifleet/dispatch/infra/monitoring"
	"github.com/medifleet/dispatch/infra/notify"
	"github.com/medifleet/dispatch/infra/storage"
	"github.com/medifleet/dispatch/infra/telemetry"
	"github.com/medifleet/dispatch/internal/eventbus"
)

// Service orchestrates the dispatcher, the telemetry ingestor and the HTTP
// surface.
type Service struct {
	Manager  *dispatch.Manager
	Registry *fleet.MemoryRegistry
	Airspace *infairspace.Store

	cfg      *config.Config
	bus      eventbus.EventBus
	store    ledger.Store
	ingestor *telemetry.Ingestor
	notifier *notify.MQTTNotifier
	sink     coremetrics.MetricsSink
	snaps    *storage.SnapshotStore
	server   *api.Server
	log      logger.Logger
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logger.Configure(cfg.Logging.Level, cfg.Logging.Pretty)
	logg := logger.New("service")

	monitor, err := inframonitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	monitoring.Init(monitor)

	bus := eventbus.NewBuffered(256)
	grace := time.Duration(cfg.Fleet.ExcursionGraceSeconds) * time.Second
	registry := fleet.NewMemoryRegistry(bus, grace)

	store, err := newLedgerStore(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}

	planner, err := routing.NewPlanner(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("route planner: %w", err)
	}
	eval := constraint.NewEvaluator(constraint.Weights{}, logger.New("constraint"))

	airspaceStore := infairspace.NewStore(bus)
	clearance := infairspace.NewClearanceRequester(cfg.Clearance)

	var notifier *notify.MQTTNotifier
	if cfg.MQTT.Broker != "" {
		notifier, err = notify.NewMQTTNotifier(cfg.MQTT, cfg.Notify)
		if err != nil {
			return nil, fmt.Errorf("status notifier: %w", err)
		}
	}

	var mgrNotifier dispatch.Notifier
	if notifier != nil {
		mgrNotifier = notifier
	}
	mgr, err := dispatch.NewManager(cfg.Dispatch, eval, planner, registry, store, bus,
		mgrNotifier, clearance, airspaceStore, logger.New("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("dispatch manager: %w", err)
	}

	var ingestor *telemetry.Ingestor
	if cfg.MQTT.Broker != "" {
		ingestor, err = telemetry.NewIngestor(cfg.MQTT, cfg.Telemetry, registry, mgr, airspaceStore)
		if err != nil {
			return nil, fmt.Errorf("telemetry ingestor: %w", err)
		}
	} else {
		logg.Warnf("mqtt broker not configured, telemetry ingest and status notifications disabled")
	}

	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}

	var snaps *storage.SnapshotStore
	if cfg.Storage.Path != "" {
		snaps, err = storage.NewSnapshotStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
	}

	if err := seedFleet(registry, cfg.Fleet.SeedFile); err != nil {
		return nil, fmt.Errorf("fleet seed: %w", err)
	}

	svc := &Service{
		Manager:  mgr,
		Registry: registry,
		Airspace: airspaceStore,
		cfg:      cfg,
		bus:      bus,
		store:    store,
		ingestor: ingestor,
		notifier: notifier,
		sink:     sink,
		snaps:    snaps,
		log:      logg,
	}
	if snaps != nil && cfg.Storage.RestoreOnStartup {
		if err := svc.restore(context.Background()); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}
	mux := api.NewMux(cfg.API, mgr, registry, airspaceStore)
	svc.server = api.NewServer(cfg.API, mux)
	return svc, nil
}

// restore reloads the fleet and the open deliveries persisted before the
// last shutdown.
func (s *Service) restore(ctx context.Context) error {
	snap, ok, err := s.snaps.LoadFleet(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.Registry.Restore(snap)
		s.log.Infof("restored %d vehicles from snapshot taken %s", len(snap.Vehicles), snap.TakenAt.Format(time.RFC3339))
	}
	open, err := s.snaps.LoadOpenDeliveries(ctx)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		s.Manager.Restore(ctx, open)
		s.log.Infof("restored %d open deliveries", len(open))
	}
	return nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.Manager.Run(ctx)
	if s.ingestor != nil {
		go s.ingestor.Start(ctx)
	}
	if s.notifier != nil {
		go s.notifier.ForwardAlerts(ctx, s.Registry.Alerts().Subscribe())
	}
	inframetrics.StartEventCollector(ctx, s.bus, s.sink)
	inframetrics.StartVehicleSnapshots(ctx, s.Registry, s.sink, time.Minute)
	if s.snaps != nil {
		interval := time.Duration(s.cfg.Storage.IntervalSeconds) * time.Second
		storage.StartPeriodicSnapshots(ctx, s.snaps, s.Registry, s.Manager, interval, s.log)
	}
	return s.server.Run(ctx)
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.ingestor != nil {
		s.ingestor.Close()
	}
	if s.notifier != nil {
		s.notifier.Close()
	}
	if s.snaps != nil {
		if err := s.snaps.Close(); err != nil {
			s.log.Errorf("snapshot store close: %v", err)
		}
	}
	err := s.Manager.Close()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	monitoring.Flush(2 * time.Second)
	return err
}

func newLedgerStore(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return infraledger.NewMemoryStore(), nil
	case "sqlite":
		return infraledger.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// seedFleet loads the initial vehicle roster from a JSON file. Useful for
// fresh deployments; an empty path is a no-op.
func seedFleet(reg fleet.Registry, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var vehicles []model.Vehicle
	if err := json.Unmarshal(raw, &vehicles); err != nil {
		return err
	}
	for _, v := range vehicles {
		if err := reg.Upsert(v); err != nil {
			return fmt.Errorf("vehicle %s: %w", v.ID, err)
		}
	}
	return nil
}
