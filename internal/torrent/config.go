package torrent

import (
	"github.com/prxssh/kadnode/internal/dht"
	"github.com/prxssh/kadnode/internal/peer"
	"github.com/prxssh/kadnode/internal/scheduler"
	"github.com/prxssh/kadnode/internal/storage"
	"github.com/prxssh/kadnode/internal/tracker"
)

type Config struct {
	Scheduler *scheduler.Config
	Storage   *storage.Config
	Peer      *peer.Config
	Tracker   *tracker.Config
	DHT       *dht.Config
}

func WithDefaultConfig() *Config {
	return &Config{
		Scheduler: scheduler.WithDefaultConfig(),
		Storage:   storage.WithDefaultConfig(),
		Peer:      peer.WithDefaultConfig(),
		Tracker:   tracker.WithDefaultConfig(),
		DHT:       dht.WithDefaultConfig(),
	}
}
