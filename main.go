package main

import (
	"context"
	"embed"
	"fmt"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/logger"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"treehouse/internal/app"
	"treehouse/internal/config"
	"treehouse/internal/logging"
)

//go:embed all:frontend/dist
var assets embed.FS

// wailsEmitter forwards hub events to the frontend as runtime events named "source:kind".
type wailsEmitter struct {
	ctx context.Context
}

func (w wailsEmitter) BroadcastEvent(name string, payload any) {
	runtime.EventsEmit(w.ctx, name, payload)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir, Prefix: "desktop"})
	if err != nil {
		return fmt.Errorf("error opening log: %w", err)
	}
	defer log.Close()

	a := app.New(app.Options{Config: cfg, Logger: log.Logger})
	var detach func()

	return wails.Run(&options.App{
		Title:     "treehouse",
		Width:     1100,
		Height:    700,
		MinWidth:  800,
		MinHeight: 500,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour:   &options.RGBA{R: 0, G: 0, B: 0, A: 0},
		LogLevel:           logger.DEBUG,
		LogLevelProduction: logger.INFO,
		OnStartup: func(ctx context.Context) {
			if err := a.Start(ctx); err != nil {
				log.Error("startup failed", "error", err)
				runtime.Quit(ctx)
				return
			}
			detach = a.AttachBroadcaster(wailsEmitter{ctx: ctx})
		},
		OnShutdown: func(ctx context.Context) {
			if detach != nil {
				detach()
			}
			if err := a.Shutdown(ctx); err != nil {
				log.Warn("shutdown", "error", err)
			}
		},
		Bind: []interface{}{
			a.Ops(),
		},
		Mac: &mac.Options{
			TitleBar:             mac.TitleBarHiddenInset(),
			WebviewIsTransparent: true,
		},
	})
}
