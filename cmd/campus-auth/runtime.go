package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/cache"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/config"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/database"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/deeplink"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity/localidp"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/logging"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/session"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const notificationBuffer = 32

// runtime wires the session manager to the local identity provider and stores.
type runtime struct {
	config        config.AppConfig
	logger        *zap.Logger
	provider      *localidp.Provider
	manager       *session.Manager
	router        *deeplink.Router
	notifications *notify.ChannelSink
	routes        chan session.Route
	databases     []*sql.DB
}

func openRuntime(ctx context.Context, console bool) (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	var logger *zap.Logger
	if console {
		logger, err = logging.NewConsoleLogger(appConfig.LogLevel)
	} else {
		logger, err = logging.NewLogger(appConfig.LogLevel)
	}
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		config:        appConfig,
		logger:        logger,
		notifications: notify.NewChannelSink(notificationBuffer),
		routes:        make(chan session.Route, 8),
	}
	if err := rt.wire(ctx); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context) error {
	backendDB, err := database.OpenBackend(rt.config.BackendDatabasePath, rt.logger)
	if err != nil {
		return fmt.Errorf("open backend database: %w", err)
	}
	if err := rt.track(backendDB.DB()); err != nil {
		return err
	}
	cacheDB, err := database.OpenCache(rt.config.CachePath, rt.logger)
	if err != nil {
		return fmt.Errorf("open cache database: %w", err)
	}
	if err := rt.track(cacheDB.DB()); err != nil {
		return err
	}

	profileStore, err := profiles.NewGormStore(profiles.StoreConfig{Database: backendDB, Logger: rt.logger})
	if err != nil {
		return err
	}
	localCache, err := cache.NewSQLiteStore(cacheDB, nil)
	if err != nil {
		return err
	}
	tokens, err := localidp.NewTokenIssuer(localidp.TokenIssuerConfig{
		SigningSecret: []byte(rt.config.SigningSecret),
		TokenTTL:      rt.config.TokenTTL,
	})
	if err != nil {
		return err
	}
	trigger, err := localidp.ParseTriggerMode(rt.config.TriggerMode)
	if err != nil {
		return err
	}
	rt.provider, err = localidp.New(localidp.Config{
		Database:                 backendDB,
		Profiles:                 profileStore,
		Sessions:                 localCache,
		Tokens:                   tokens,
		Trigger:                  trigger,
		RequireEmailConfirmation: rt.config.RequireEmailConfirmation,
		SiteURL:                  rt.config.RedirectURL,
		Logger:                   rt.logger.Named("localidp"),
	})
	if err != nil {
		return err
	}

	rt.manager, err = session.NewManager(session.ManagerConfig{
		Backend:   rt.provider,
		Profiles:  profileStore,
		Cache:     localCache,
		Notifier:  notify.Multi{notify.NewLogSink(rt.logger.Named("notify")), rt.notifications},
		Navigator: session.NavigatorFunc(rt.navigate),
		Redirects: session.Redirects{Base: rt.config.RedirectURL},
		Provisioning: session.ProvisioningPolicy{
			Delay:    rt.config.ProvisioningDelay,
			Attempts: rt.config.ProvisioningAttempts,
			Interval: rt.config.ProvisioningInterval,
		},
		Logger: rt.logger.Named("session"),
	})
	if err != nil {
		return err
	}
	rt.manager.Start(ctx)
	if err := rt.manager.Initialize(ctx); err != nil {
		return err
	}

	rt.router, err = deeplink.NewRouter(deeplink.RouterConfig{
		Session: rt.manager,
		Logger:  rt.logger.Named("deeplink"),
	})
	return err
}

func (rt *runtime) track(sqlDB *sql.DB, err error) error {
	if err != nil {
		return err
	}
	rt.databases = append(rt.databases, sqlDB)
	return nil
}

func (rt *runtime) navigate(route session.Route) {
	rt.logger.Info("navigate", zap.String("route", string(route)))
	select {
	case rt.routes <- route:
	default:
	}
}

// pendingRoutes drains the routes requested since the runtime opened.
func (rt *runtime) pendingRoutes() []session.Route {
	var routes []session.Route
	for {
		select {
		case route := <-rt.routes:
			routes = append(routes, route)
		default:
			return routes
		}
	}
}

func (rt *runtime) close() {
	if rt.manager != nil {
		rt.manager.Close()
	}
	if rt.provider != nil {
		rt.provider.Close()
	}
	for _, sqlDB := range rt.databases {
		_ = sqlDB.Close()
	}
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
}
