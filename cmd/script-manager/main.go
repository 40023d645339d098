package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/spf13/cobra"

	"vm-script-service/internal/script-manager/api"
	"vm-script-service/internal/script-manager/cache"
	"vm-script-service/internal/script-manager/config"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/events"
	smKafka "vm-script-service/internal/script-manager/kafka"
	"vm-script-service/internal/script-manager/metrics"
	"vm-script-service/internal/script-manager/remote"
	"vm-script-service/internal/script-manager/services"
	"vm-script-service/internal/script-manager/watcher"
	gorm_db "vm-script-service/pkg/db"
	"vm-script-service/pkg/scriptdoc"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	rootCmd := &cobra.Command{
		Use:           "script-manager",
		Short:         "Script definition, scheduling and execution service for the VM fleet",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (environment variables take precedence)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, poller and VM status consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Check script documents without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(path); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents invalid", failed, len(args))
			}
			return nil
		},
	})
	return rootCmd
}

func validateFile(path string) error {
	format, err := scriptdoc.ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = scriptdoc.ParseAndValidate(content, format)
	return err
}

func serve(cfg *config.Config) error {
	stdlog.Println("Script Manager Service starting...")

	appCtx, appCancel := context.WithCancel(context.Background())

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	gormDB, err := gorm_db.NewGormDB(gorm_db.Options{Type: cfg.DBType, DSN: cfg.DBDSN})
	if err != nil {
		appCancel()
		return err
	}
	if err := gorm_db.AutoMigrate(gormDB, smDB.AllModels()...); err != nil {
		appCancel()
		return err
	}

	m := metrics.New()

	contentCache := cache.New(cache.Options{
		Enabled: cfg.CacheEnabled,
		TTL:     cfg.CacheTTL,
		MaxSize: cfg.CacheMaxSize,
		Metrics: m,
	})
	if err := contentCache.Start(); err != nil {
		appCancel()
		return fmt.Errorf("failed to start content cache: %w", err)
	}

	audit := services.NewAuditLogger(gormDB, m, 0)

	kafkaProducer := smKafka.NewKafkaProducer(cfg.KafkaBrokers, cfg.ScriptEventsTopic)
	publisher := events.NewKafkaPublisher(kafkaProducer, m)

	channel, err := remote.Dial(cfg.AgentGatewayAddr)
	if err != nil {
		appCancel()
		return err
	}

	definitions := services.NewDefinitionService(gormDB, contentCache, audit, cfg.LibraryDir(), cfg.TemplatesDir())
	scheduler := services.NewSchedulerService(gormDB, definitions, channel, publisher, audit, m)
	executor := services.NewExecutorService(gormDB, definitions, channel, publisher, audit, m)
	executor.DefaultTimeout = cfg.ExecutionTimeout

	if n, err := definitions.ImportTemplates(appCtx); err != nil {
		hlog.Warnf("Template import failed: %v", err)
	} else {
		hlog.Infof("Imported %d system templates from %s", n, cfg.TemplatesDir())
	}

	poller, err := services.NewPollerService(appCtx, gormDB, executor, scheduler, cfg.PollInterval)
	if err != nil {
		appCancel()
		return err
	}
	if err := poller.Start(); err != nil {
		appCancel()
		return err
	}

	vmStatusReader := smKafka.NewKafkaReader(cfg.KafkaBrokers, cfg.VMStatusTopic, cfg.VMStatusGroupID)
	machineSync := services.NewMachineSyncService(gormDB, vmStatusReader, channel, m)
	machineSync.StartConsuming(appCtx)

	contentWatcher := watcher.New(definitions, contentCache, cfg.LibraryDir(), cfg.TemplatesDir())
	if err := contentWatcher.Start(appCtx); err != nil {
		hlog.Warnf("Content watcher disabled: %v", err)
	}

	h := server.Default(server.WithHostPorts(cfg.ServerAddr), server.WithExitWaitTime(5*time.Second))
	api.RegisterRoutes(h.Engine,
		api.NewScriptHandler(definitions, scheduler, executor),
		api.NewScheduleHandler(scheduler, executor),
		m,
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		appCancel()

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		poller.Stop()
		executor.Wait()
		contentWatcher.Stop()

		machineSync.Close()
		<-machineSync.Done()
		hlog.Info("VM status consumer closed.")

		contentCache.Stop()
		audit.Close()

		if err := channel.Close(); err != nil {
			hlog.Errorf("Agent gateway connection close error: %v", err)
		}
		publisher.Close()
		if err := kafkaProducer.Close(); err != nil {
			hlog.Errorf("Kafka producer close error: %v", err)
		} else {
			hlog.Info("Kafka producer closed.")
		}
		hlog.Info("Script Manager gracefully shut down.")
	}()

	hlog.Infof("Script Manager Service fully initialized and starting Hertz server on %s...", cfg.ServerAddr)
	h.Spin()

	// Spin also returns on its own errors; make sure cleanup runs either way.
	select {
	case signals <- syscall.SIGTERM:
	default:
	}
	if !waitForCleanup(cleanupDone, shutdownTimeout) {
		hlog.Warnf("Cleanup did not finish within %s; exiting anyway.", shutdownTimeout)
	}

	stdlog.Println("Script Manager Service has been shut down.")
	return nil
}

const shutdownTimeout = 30 * time.Second

// waitForCleanup reports whether done closed before timeout elapsed.
func waitForCleanup(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
