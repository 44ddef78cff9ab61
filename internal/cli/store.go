package cli

import (
	"context"
	"errors"

	"warden/internal/app"
	"warden/internal/audit"
	"warden/internal/config"
	logx "warden/pkg/logx"
)

var errNoStorage = errors.New("storage is disabled in this config")

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, wrapExit(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// openStores opens the store named by the config without starting any
// background work. The caller closes the result.
func openStores(ctx context.Context, opts *RootOptions) (*config.Config, app.Stores, error) {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return nil, app.Stores{}, err
	}
	stores, err := app.OpenStores(ctx, cfg, logx.Nop())
	if err != nil {
		return nil, app.Stores{}, wrapExit(ExitCommandError, "open storage", err)
	}
	if stores.Store == nil {
		return nil, app.Stores{}, wrapExit(ExitCommandError, opts.Config, errNoStorage)
	}
	return cfg, stores, nil
}

func openLedger(ctx context.Context, opts *RootOptions) (*audit.Ledger, func(), error) {
	cfg, stores, err := openStores(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	l := audit.NewLedger(stores.Store, stores.Store, audit.Options{BotUserID: cfg.Bot.UserID})
	return l, func() { _ = stores.Close() }, nil
}
