// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dhagan/peerwire/client"
	"github.com/dhagan/peerwire/configuration"
	"github.com/dhagan/peerwire/core"
	"github.com/dhagan/peerwire/torrent"
	"github.com/dhagan/peerwire/trackerclient"
	"github.com/dhagan/peerwire/utils/configutil"
	"github.com/dhagan/peerwire/utils/log"
)

type options struct {
	config *configuration.Config
	stats  tally.Scope
	logger *zap.SugaredLogger
}

// Option overrides a default App setup step.
type Option func(*options)

// WithConfig bypasses config-file loading and uses c directly.
func WithConfig(c configuration.Config) Option {
	return func(o *options) { o.config = &c }
}

// WithStats bypasses metrics setup and uses s directly.
func WithStats(s tally.Scope) Option {
	return func(o *options) { o.stats = s }
}

// WithLogger bypasses logging setup and uses l directly.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

// App wires together the components of a running peerwire process.
type App struct {
	flags  *Flags
	config configuration.Config
	stats  tally.Scope
	logger *zap.SugaredLogger

	tracker     *trackerclient.Client
	client      *client.Client
	coordinator *torrent.TorrentCoordinator

	cleanup []func()
}

// NewApp constructs an App: it loads configuration, sets up logging and
// metrics, loads the requested .torrent file, and starts the Client and
// its TorrentCoordinator. The returned App is running; call Wait to block
// until it's asked to stop, or Stop to stop it directly.
func NewApp(flags *Flags, opts ...Option) (*App, error) {
	a := &App{flags: flags}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := a.loadConfig(o); err != nil {
		return nil, fmt.Errorf("load config: %s", err)
	}
	a.setupLogging(o)
	a.setupStats(o)

	if a.flags.ListenAddr != "" {
		a.config.Client.ListenAddr = a.flags.ListenAddr
	}

	a.tracker = trackerclient.New(a.config.TrackerClient)

	c, err := client.New(a.config.Client, a.tracker, nil, a.stats, a.logger)
	if err != nil {
		return nil, fmt.Errorf("new client: %s", err)
	}
	a.client = c
	a.cleanup = append(a.cleanup, c.Stop)

	if a.flags.TorrentFile != "" {
		if err := a.startTorrent(); err != nil {
			c.Stop()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) loadConfig(o options) error {
	if o.config != nil {
		a.config = *o.config
		return nil
	}
	if a.flags.ConfigFile == "" {
		return nil
	}
	return configutil.Load(a.flags.ConfigFile, &a.config)
}

func (a *App) setupLogging(o options) {
	if o.logger != nil {
		a.logger = o.logger
		log.SetGlobalLogger(a.logger)
		return
	}
	l, err := log.New(a.config.ZapLogging, log.Fields{"module": "peerwire"})
	if err != nil {
		l = log.NewNopLogger()
	}
	a.logger = l
}

func (a *App) setupStats(o options) {
	if o.stats != nil {
		a.stats = o.stats
		return
	}
	// No statsd/m3 reporter dependency is wired into this module (see
	// DESIGN.md); a real deployment would plug one in here via WithStats.
	a.stats = tally.NoopScope
}

func (a *App) startTorrent() error {
	f, err := os.Open(a.flags.TorrentFile)
	if err != nil {
		return fmt.Errorf("open torrent file: %s", err)
	}
	defer f.Close()

	mi, err := core.ReadMetaInfo(f)
	if err != nil {
		return fmt.Errorf("read torrent file: %s", err)
	}

	dir := a.flags.DownloadDir
	if dir == "" {
		dir = "."
	}

	tc, err := a.client.AddTorrent(mi, dir, a.flags.Seed)
	if err != nil {
		return fmt.Errorf("add torrent: %s", err)
	}
	a.coordinator = tc

	a.logger.Infow("torrent started",
		"info_hash", mi.InfoHash(), "name", mi.Name(), "dir", dir, "seed", a.flags.Seed)
	return nil
}

// Client returns the App's running Client.
func (a *App) Client() *client.Client {
	return a.client
}

// Coordinator returns the TorrentCoordinator for the torrent started from
// -torrent, or nil if no torrent was loaded.
func (a *App) Coordinator() *torrent.TorrentCoordinator {
	return a.coordinator
}

// Stop tears down every component the App started, in reverse order.
func (a *App) Stop() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// Wait blocks until SIGINT or SIGTERM is received, then stops the App.
func (a *App) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.logger.Infow("received signal, shutting down", "signal", sig)
	a.Stop()
}
