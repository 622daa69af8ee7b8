package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gluk-w/vpsdeck/internal/auth"
	"github.com/gluk-w/vpsdeck/internal/catalog"
	"github.com/gluk-w/vpsdeck/internal/config"
	"github.com/gluk-w/vpsdeck/internal/database"
	"github.com/gluk-w/vpsdeck/internal/events"
	"github.com/gluk-w/vpsdeck/internal/handlers"
	"github.com/gluk-w/vpsdeck/internal/logging"
	"github.com/gluk-w/vpsdeck/internal/monitor"
	"github.com/gluk-w/vpsdeck/internal/notify"
	"github.com/gluk-w/vpsdeck/internal/provision"
	"github.com/gluk-w/vpsdeck/internal/registry"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
	"github.com/gluk-w/vpsdeck/internal/sshsession"
	"github.com/gluk-w/vpsdeck/internal/terminal"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// eventBus is the hub, or the redis relay wrapping it.
type eventBus interface {
	events.Publisher
	events.Subscriber
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Init()
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	jobStore := provision.NewStore(database.DB)
	if n, err := jobStore.MarkInterrupted(); err != nil {
		log.Printf("WARNING: marking interrupted jobs: %v", err)
	} else if n > 0 {
		log.Printf("[provision] Marked %d jobs interrupted by restart", n)
	}

	key, err := auth.LoadOrCreateKey(database.DB, config.Cfg.TokenKey)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(key, config.Duration(config.Cfg.TokenTTL, auth.DefaultTTL))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(events.DefaultBuffer)
	var bus eventBus = hub
	if config.Cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: config.Cfg.RedisAddr})
		defer rdb.Close()
		relay := events.NewRedisRelay(rdb, config.Cfg.RedisChannel, hub)
		go relay.RunWithRetry(ctx)
		bus = relay
		log.Printf("[events] Relaying events through redis %s channel %s", config.Cfg.RedisAddr, config.Cfg.RedisChannel)
	}

	var notifier notify.Dispatcher = notify.LogDispatcher{}
	if config.Cfg.AMQPURL != "" {
		d, err := notify.NewAMQPDispatcher(config.Cfg.AMQPURL, config.Cfg.AMQPExchange)
		if err != nil {
			log.Printf("WARNING: AMQP notifications disabled: %v", err)
		} else {
			defer d.Close()
			notifier = d
		}
	}

	cat, err := catalog.Load(config.Cfg.CatalogPath)
	if err != nil {
		return err
	}
	plans, err := provision.LoadPlans(config.Cfg.PlanDir)
	if err != nil {
		return err
	}
	hostKeys, err := sshexec.HostKeyCallback(config.Cfg.KnownHostsPath)
	if err != nil {
		return err
	}

	execTimeout := config.Duration(config.Cfg.ExecConnectTimeout, sshsession.DefaultExecConnectTimeout)
	sessions := sshsession.NewManager(sshsession.Options{
		ExecConnectTimeout:  execTimeout,
		ShellConnectTimeout: config.Duration(config.Cfg.ShellConnectTimeout, sshsession.DefaultShellConnectTimeout),
		CommandTimeout:      config.Duration(config.Cfg.CommandTimeout, sshsession.DefaultCommandTimeout),
		HostKeyCallback:     hostKeys,
	}, bus)

	reg := registry.New(database.DB)
	engine, err := provision.NewEngine(sessions, reg, bus, cat, notifier, jobStore, provision.Options{
		Plans:            plans,
		ProgressInterval: config.Duration(config.Cfg.ProgressInterval, 5*time.Second),
		DialTimeout:      execTimeout,
		DetectTimeout:    execTimeout,
		HostKeyCallback:  hostKeys,
	})
	if err != nil {
		return err
	}
	log.Printf("[provision] Engine ready with %d plans", len(plans))

	mon := monitor.New()
	maint := monitor.Maintenance{
		Sessions:     sessions,
		IdleTimeout:  config.Duration(config.Cfg.SessionIdleTimeout, 30*time.Minute),
		Jobs:         engine,
		JobRetention: config.Duration(config.Cfg.JobRetention, 30*24*time.Hour),
		Tokens:       tokens,
	}
	if err := maint.Schedule(mon); err != nil {
		return err
	}
	mon.Start()

	api := &handlers.API{
		DB:       database.DB,
		Sessions: sessions,
		Engine:   engine,
		Registry: reg,
		Events:   bus,
		Auth:     tokens,
		Dial:     sshexec.DialOptions{Timeout: execTimeout, HostKeyCallback: hostKeys, CommandTimeout: execTimeout},
		Terminal: terminal.Options{
			MaxInput: config.Size(config.Cfg.TerminalMaxInput, terminal.DefaultMaxInput),
		},
		LogTail: logging.ReadTail,
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: api.Routes(),
	}
	useTLS := config.Cfg.TLSCertFile != "" && config.Cfg.TLSKeyFile != ""
	if useTLS {
		srv.TLSConfig = tlsconfig.ServerDefault()
	}

	go func() {
		var err error
		if useTLS {
			log.Printf("Server starting on %s (TLS)", srv.Addr)
			err = srv.ListenAndServeTLS(config.Cfg.TLSCertFile, config.Cfg.TLSKeyFile)
		} else {
			log.Printf("Server starting on %s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("Provisioning shutdown: %v", err)
	}
	if err := mon.Stop(shutdownCtx); err != nil {
		log.Printf("Monitor shutdown: %v", err)
	}
	sessions.CloseAll()

	log.Println("Server stopped")
	return nil
}
