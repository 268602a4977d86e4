package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/config"
	"vitaltrace/internal/db"
	"vitaltrace/internal/httpapi"
	"vitaltrace/internal/mqtt"
	"vitaltrace/internal/session"
	"vitaltrace/internal/storage"
	"vitaltrace/internal/telemetry"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqliteDriver", cfg.SQLiteDriver,
		"sqlitePath", cfg.SQLitePath,
		"mqttBroker", cfg.MQTTBroker,
		"mqttTopic", cfg.MQTTTopic,
		"bleAdapter", cfg.BLEAdapter,
		"bleDevice", cfg.BLEDeviceAddress,
		"retentionDays", cfg.RetentionDays,
	)

	dbConn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := db.Close(dbConn)
		if closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	// A failed migration step must not take telemetry capture down with it;
	// the store keeps operating on whatever schema exists.
	if err := db.Migrate(dbConn); err != nil {
		slog.Error("schema migration incomplete; continuing on existing schema", "error", err)
	}

	repo := storage.NewRepository(dbConn)
	queue := storage.NewWriteQueue(repo, slog.Default())
	pipeline := telemetry.NewPipeline(queue, slog.Default())
	sessions := session.NewManager(repo, slog.Default())
	binder := newSessionBinder(sessions, pipeline, queue, cfg.BLEDeviceLabel)

	// Writer context outlives the event transports so in-flight writes
	// complete after a disconnect.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	go queue.Run(writerCtx)

	if cfg.RetentionDays > 0 {
		go runRetention(ctx, repo, cfg.RetentionDays)
	}

	if cfg.BLEDeviceAddress != "" {
		central := ble.NewCentral(ble.Options{
			Adapter:       cfg.BLEAdapter,
			DeviceAddress: cfg.BLEDeviceAddress,
		})
		go func() {
			if err := central.Run(ctx, binder.hooks()); err != nil {
				slog.Warn("ble central could not be initialized; hub continues without local BLE",
					"error", err,
				)
			}
		}()
	}

	var bridge *mqtt.Subscriber
	if cfg.MQTTBroker != "" {
		// Hooks are wired before Connect; the subscriber subscribes from its
		// connect handler, so the first messages after CONNACK are dispatched.
		bridge = mqtt.NewSubscriber(cfg, binder.hooks(), slog.Default())
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = bridge.Connect(connectCtx)
		connectCancel()
		if err != nil {
			slog.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
	}

	mux := httpapi.NewMux(dbConn, repo, binder)
	srv := httpapi.NewServer(cfg, mux)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	if bridge != nil {
		slog.Info("mqtt disconnecting")
		bridge.Disconnect()
	}

	// Transports are down; drain the active session, then let the queue
	// finish what is already enqueued.
	binder.onDisconnect("")
	stopWriter()
	queue.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}

// runRetention prunes old sessions once at startup and then daily.
func runRetention(ctx context.Context, repo storage.Repository, days int) {
	prune := func() {
		stats, err := repo.PruneOlderThan(days)
		if err != nil {
			slog.Error("retention prune failed", "error", err)
			return
		}
		if stats.Sessions > 0 || stats.Vitals > 0 || stats.Motion > 0 {
			slog.Info("retention prune",
				"days", days,
				"sessions", stats.Sessions,
				"vitals", stats.Vitals,
				"motion", stats.Motion,
			)
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
