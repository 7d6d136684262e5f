// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/gateway"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/store"
	"chatrelay/internal/token"
	"chatrelay/internal/webhook"
	"chatrelay/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	store      store.Store
	bus        eventbus.Bus
	authority  *token.Authority
	registry   *webhook.Registry
	dispatcher *webhook.Dispatcher
	gateway    *gateway.Gateway
	http       *httpapi.Server
	cron       *cron.Cron

	deadLetterTTL time.Duration

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	log := logs.Logger()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	a := &App{cfgMgr: mgr, logs: logs, log: log}

	stCfg, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	a.bus = eventbus.New()
	a.authority = token.New(func(s string) bool { return chat.Scope(s).Known() })
	a.registry = webhook.NewRegistry()

	whCfg, err := webhookConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatcher = webhook.NewDispatcher(whCfg, a.registry, a.bus, log.With(logx.String("component", "webhooks")))

	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.gateway = gateway.New(gwCfg, a.store, a.bus, log.With(logx.String("component", "gateway")))

	a.http = httpapi.NewServer(cfg.Server.Addr, a.gateway, a.store, a.registry, a.authority,
		adminAuth(cfg.Server.AdminPassword), log.With(logx.String("component", "http")))

	if cfg.Maintenance.Enabled {
		ttl, err := config.DurationOr("maintenance.dead_letter_ttl", cfg.Maintenance.DeadLetterTTL, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		a.deadLetterTTL = ttl
		spec := cfg.Maintenance.Spec
		if spec == "" {
			spec = "@hourly"
		}
		a.cron = cron.New()
		if _, err := a.cron.AddFunc(spec, a.maintain); err != nil {
			return nil, fmt.Errorf("maintenance.spec: %w", err)
		}
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	if err := a.http.Start(ctx); err != nil {
		return err
	}
	if a.cron != nil {
		a.cron.Start()
	}

	// Config watch: apply safe-to-reload settings without a restart.
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	updates := a.cfgMgr.Subscribe(1)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(watchCtx); err != nil {
			a.log.Warn("config watch unavailable", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.log.Info("chatrelay started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.cron != nil {
		a.cron.Stop()
	}
	_ = a.http.Stop(ctx)
	a.gateway.CloseAll()
	a.dispatcher.Stop(ctx)
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("chatrelay stopped")
	return a.logs.Close()
}

// applyReload picks up the settings that are safe to change at runtime.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.SetLevel(cfg.Logging.Level)
	if whCfg, err := webhookConfig(cfg); err == nil {
		a.dispatcher.Apply(whCfg)
	} else {
		a.log.Warn("webhook config rejected on reload", logx.Err(err))
	}
}

func (a *App) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.store.Checkpoint(ctx); err != nil {
		a.log.Warn("store checkpoint failed", logx.Err(err))
	}
	if n := a.dispatcher.PruneDeadLetters(time.Now().Add(-a.deadLetterTTL)); n > 0 {
		a.log.Info("pruned webhook dead letters", logx.Int("removed", n))
	}
}

// ---- config mapping ----

func storeConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.Duration("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
	}, nil
}

func webhookConfig(cfg *config.Config) (webhook.Config, error) {
	base, err := config.Duration("webhooks.retry_base", cfg.Webhooks.RetryBase)
	if err != nil {
		return webhook.Config{}, err
	}
	maxDelay, err := config.Duration("webhooks.retry_max_delay", cfg.Webhooks.RetryMaxDelay)
	if err != nil {
		return webhook.Config{}, err
	}
	timeout, err := config.Duration("webhooks.timeout", cfg.Webhooks.Timeout)
	if err != nil {
		return webhook.Config{}, err
	}
	return webhook.Config{
		QueueSize:     cfg.Webhooks.QueueSize,
		RetryMax:      cfg.Webhooks.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		Timeout:       timeout,
		RatePerSec:    cfg.Webhooks.RatePerSec,
	}, nil
}

func gatewayConfig(cfg *config.Config) (gateway.Config, error) {
	ping, err := config.Duration("gateway.ping_interval", cfg.Gateway.PingInterval)
	if err != nil {
		return gateway.Config{}, err
	}
	wt, err := config.Duration("gateway.write_timeout", cfg.Gateway.WriteTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		ServerName:      cfg.Server.Name,
		WelcomeMessage:  cfg.Server.WelcomeMessage,
		SendBuffer:      cfg.Gateway.SendBuffer,
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		PingInterval:    ping,
		WriteTimeout:    wt,
		MessageRate:     cfg.Gateway.MessageRate,
		MessageBurst:    cfg.Gateway.MessageBurst,
	}, nil
}

// adminAuth builds the admin predicate consumed by the HTTP layer.
// The credential scheme lives here, outside the core components.
func adminAuth(password string) httpapi.AdminAuth {
	return func(r *http.Request) bool {
		if password == "" {
			return false
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
	}
}
