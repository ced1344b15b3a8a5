package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-saga/saga/log"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
)

// App represents a long-running component managed by a Launcher: the outbox
// relay, the timeout sweeper, a transport pump.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLauncherLogger sets the launcher's logger.
func WithLauncherLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		if logger != nil {
			l.Logger = logger
		}
	}
}

// RunApp registers an application with the launcher.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	wg           sync.WaitGroup
	configErrors []error
}

// NewLauncher creates a launcher from the given options.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		Logger: log.NewNop(),
		apps:   make(map[string]App),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers an app under a unique name.
func (l *Launcher) Add(appName string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if app == nil {
		return ErrNilApp
	}

	l.apps[appName] = app

	return nil
}

// Run starts every registered app in its own goroutine and blocks until all
// of them return. Configuration errors collected during option application
// are surfaced before anything starts.
func (l *Launcher) Run() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		l.Logger = log.NewNop()
	}

	if len(l.configErrors) > 0 {
		return errors.Join(l.configErrors...)
	}

	ctx := context.Background()

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.apps)))

	for name, app := range l.apps {
		l.wg.Add(1)

		go func(name string, app App) {
			defer l.wg.Done()

			defer func() {
				if recovered := recover(); recovered != nil {
					l.Logger.Log(ctx, log.LevelError, "app panicked",
						log.String("app", name), log.Any("panic", recovered))
				}
			}()

			l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

			if err := app.Run(l); err != nil {
				l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))
			}

			l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
		}(name, app)
	}

	l.wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	return nil
}
