// Package config loads process settings from the environment. Every variable
// carries the TICKRELAY_ prefix; an optional .env file is read first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"tickrelay/server/internal/egress"
	"tickrelay/server/internal/fragment"
	"tickrelay/server/internal/ingress"
	"tickrelay/server/internal/net/intake"
	"tickrelay/server/internal/net/link"
	"tickrelay/server/internal/net/tcp"
	"tickrelay/server/internal/net/ws"
	"tickrelay/server/internal/observability"
	"tickrelay/server/internal/proxy"
	"tickrelay/server/internal/registry"
	"tickrelay/server/internal/router"
	"tickrelay/server/internal/sim"
	"tickrelay/server/internal/simhost"
	"tickrelay/server/internal/spatial"
	"tickrelay/server/logging"
)

const (
	// Prefix is prepended to every environment variable name.
	Prefix = "TICKRELAY_"
	// DefaultSimhostHTTPAddr keeps the simhost diagnostics listener clear of
	// a proxy on the same machine.
	DefaultSimhostHTTPAddr = ":8081"
)

// Logging selects the structured event sinks.
type Logging struct {
	Sinks          []string `env:"SINKS" envSeparator:"," envDefault:"console"`
	Severity       string   `env:"SEVERITY" envDefault:"info"`
	JSONPath       string   `env:"JSON_PATH"`
	ZapDevelopment bool     `env:"ZAP_DEVELOPMENT"`
	BufferSize     int      `env:"BUFFER_SIZE" envDefault:"512"`
}

// TLS locates the link certificates.
type TLS struct {
	CertFile   string `env:"CERT_FILE"`
	KeyFile    string `env:"KEY_FILE"`
	CAFile     string `env:"CA_FILE"`
	ServerName string `env:"SERVER_NAME"`
	Insecure   bool   `env:"INSECURE"`
}

// Link tunes link framing.
type Link struct {
	MaxFrameSize      int `env:"MAX_FRAME_SIZE" envDefault:"67108864"`
	CompressThreshold int `env:"COMPRESS_THRESHOLD" envDefault:"4096"`
	TLS               TLS `envPrefix:"TLS_"`
}

// HTTP configures the diagnostics listener.
type HTTP struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	EnablePprof bool   `env:"ENABLE_PPROF_TRACE"`
}

// Proxy holds every proxy process setting.
type Proxy struct {
	SimhostAddr string  `env:"SIMHOST_ADDR" envDefault:"127.0.0.1:7100"`
	Logging     Logging `envPrefix:"LOG_"`
	Link        Link    `envPrefix:"LINK_"`
	HTTP        HTTP    `envPrefix:"HTTP_"`

	TCPAddr         string        `env:"TCP_ADDR" envDefault:":25565"`
	AcceptRate      float64       `env:"ACCEPT_RATE" envDefault:"200"`
	AcceptBurst     int           `env:"ACCEPT_BURST" envDefault:"50"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"30s"`
	WebSocket       bool          `env:"WEBSOCKET" envDefault:"true"`
	WSMaxMessage    int64         `env:"WS_MAX_MESSAGE" envDefault:"2097152"`

	QueueItems  int           `env:"QUEUE_ITEMS" envDefault:"1024"`
	QueueBytes  int           `env:"QUEUE_BYTES" envDefault:"4194304"`
	QueuePolicy string        `env:"QUEUE_POLICY" envDefault:"drop_oldest"`
	FullWindow  time.Duration `env:"QUEUE_FULL_WINDOW" envDefault:"5s"`

	LocalRadius       float32 `env:"LOCAL_RADIUS" envDefault:"16"`
	IndexKind         string  `env:"INDEX_KIND" envDefault:"bvh"`
	MaxPendingPerTick int     `env:"MAX_PENDING_PER_TICK" envDefault:"65536"`
	RecentlyRemoved   int     `env:"RECENTLY_REMOVED" envDefault:"4096"`

	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"250ms"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX" envDefault:"10s"`
	UpstreamQueue  int           `env:"UPSTREAM_QUEUE" envDefault:"4096"`
}

// Simhost holds every simhost process setting.
type Simhost struct {
	ListenAddr string  `env:"LISTEN_ADDR" envDefault:":7100"`
	Logging    Logging `envPrefix:"LOG_"`
	Link       Link    `envPrefix:"LINK_"`
	HTTP       HTTP    `envPrefix:"HTTP_"`

	TickRate        int `env:"TICK_RATE" envDefault:"20"`
	CatchupMaxTicks int `env:"CATCHUP_MAX_TICKS" envDefault:"4"`
	InboxCapacity   int `env:"INBOX_CAPACITY" envDefault:"65536"`
	// Workers of zero sizes the egress pool to the CPU count.
	Workers int `env:"WORKERS"`
	Outbox  int `env:"OUTBOX" envDefault:"1024"`

	ChunkSize            int           `env:"CHUNK_SIZE" envDefault:"4096"`
	MaxPacketSize        int           `env:"MAX_PACKET_SIZE" envDefault:"2097151"`
	MaxOutstanding       int64         `env:"MAX_OUTSTANDING" envDefault:"8388608"`
	CompressionThreshold int           `env:"COMPRESSION_THRESHOLD" envDefault:"-1"`
	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT" envDefault:"30s"`
}

// LoadProxy reads proxy settings. files name optional .env files; missing
// files are ignored.
func LoadProxy(files ...string) (Proxy, error) {
	var cfg Proxy
	if err := load(&cfg, files); err != nil {
		return Proxy{}, err
	}
	if _, err := registry.ParsePolicy(cfg.QueuePolicy); err != nil {
		return Proxy{}, err
	}
	if _, err := spatial.Build(spatial.Kind(cfg.IndexKind), nil); err != nil {
		return Proxy{}, fmt.Errorf("config: %sINDEX_KIND: %w", Prefix, err)
	}
	if _, err := logging.ParseSeverity(cfg.Logging.Severity); err != nil {
		return Proxy{}, err
	}
	return cfg, nil
}

// LoadSimhost reads simhost settings.
func LoadSimhost(files ...string) (Simhost, error) {
	var cfg Simhost
	if err := load(&cfg, files); err != nil {
		return Simhost{}, err
	}
	if _, ok := os.LookupEnv(Prefix + "HTTP_ADDR"); !ok {
		cfg.HTTP.Addr = DefaultSimhostHTTPAddr
	}
	if cfg.TickRate <= 0 {
		return Simhost{}, fmt.Errorf("config: %sTICK_RATE must be positive, got %d", Prefix, cfg.TickRate)
	}
	if _, err := logging.ParseSeverity(cfg.Logging.Severity); err != nil {
		return Simhost{}, err
	}
	return cfg, nil
}

func load(target any, files []string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	if err := env.ParseWithOptions(target, env.Options{Prefix: Prefix}); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoggingConfig translates the sink selection.
func (l Logging) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if len(l.Sinks) > 0 {
		cfg.EnabledSinks = l.Sinks
	}
	if l.BufferSize > 0 {
		cfg.BufferSize = l.BufferSize
	}
	if severity, err := logging.ParseSeverity(l.Severity); err == nil {
		cfg.MinimumSeverity = severity
	}
	cfg.JSON.FilePath = l.JSONPath
	cfg.Zap.Development = l.ZapDevelopment
	return cfg
}

// TLSConfig returns the link certificate locations.
func (l Link) TLSConfig() link.TLSConfig {
	return link.TLSConfig{
		CertFile:   l.TLS.CertFile,
		KeyFile:    l.TLS.KeyFile,
		CAFile:     l.TLS.CAFile,
		ServerName: l.TLS.ServerName,
		Insecure:   l.TLS.Insecure,
	}
}

// LinkConfig returns the link framing settings.
func (l Link) LinkConfig() link.Config {
	return link.Config{MaxFrameSize: l.MaxFrameSize, CompressThreshold: l.CompressThreshold}
}

// ObservabilityConfig returns the pprof toggle.
func (h HTTP) ObservabilityConfig() observability.Config {
	return observability.Config{EnablePprofTrace: h.EnablePprof}
}

// ProxyConfig assembles the proxy component settings. TLS is resolved by the
// caller since it reads certificate files.
func (p Proxy) ProxyConfig() proxy.Config {
	cfg := proxy.DefaultConfig()
	cfg.SimhostAddr = p.SimhostAddr
	cfg.Link = p.Link.LinkConfig()
	cfg.Router = router.Config{
		LocalRadius:       p.LocalRadius,
		IndexKind:         spatial.Kind(p.IndexKind),
		MaxPendingPerTick: p.MaxPendingPerTick,
		RecentlyRemoved:   p.RecentlyRemoved,
	}
	cfg.Pump = intake.PumpConfig{IdleTimeout: p.IdleTimeout, ReadBuffer: intake.DefaultReadBuffer}
	cfg.Backoff = proxy.Backoff{Initial: p.BackoffInitial, Max: p.BackoffMax}
	cfg.UpstreamQueue = p.UpstreamQueue
	return cfg
}

// RegistryConfig returns the per-connection queue settings without the
// stream base, which derives from the instance id.
func (p Proxy) RegistryConfig() registry.Config {
	policy, _ := registry.ParsePolicy(p.QueuePolicy)
	return registry.Config{Queue: registry.QueueConfig{
		MaxItems:   p.QueueItems,
		MaxBytes:   p.QueueBytes,
		Policy:     policy,
		FullWindow: p.FullWindow,
	}}
}

// TCPConfig returns the raw client listener settings.
func (p Proxy) TCPConfig() tcp.Config {
	return tcp.Config{
		Address:         p.TCPAddr,
		AcceptRate:      p.AcceptRate,
		AcceptBurst:     p.AcceptBurst,
		ShutdownTimeout: p.ShutdownTimeout,
		WriteTimeout:    p.WriteTimeout,
	}
}

// WSConfig returns the websocket gateway settings.
func (p Proxy) WSConfig() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.WriteTimeout = p.WriteTimeout
	cfg.MaxMessageSize = p.WSMaxMessage
	return cfg
}

// HostConfig assembles the simhost component settings.
func (s Simhost) HostConfig() simhost.Config {
	return simhost.Config{
		Addr: s.ListenAddr,
		Link: s.Link.LinkConfig(),
		Fragment: fragment.Config{
			ChunkSize:      s.ChunkSize,
			MaxPacketSize:  s.MaxPacketSize,
			MaxOutstanding: s.MaxOutstanding,
		},
		Ingress:          ingress.Config{IdleTimeout: s.IdleTimeout},
		Outbox:           s.Outbox,
		HandshakeTimeout: simhost.DefaultHandshakeTimeout,
	}
}

// DecoderConfig returns the client packet decoder settings.
func (s Simhost) DecoderConfig() ingress.DecoderConfig {
	cfg := ingress.DefaultDecoderConfig()
	cfg.CompressionThreshold = s.CompressionThreshold
	return cfg
}

// LoopConfig returns the tick loop settings.
func (s Simhost) LoopConfig() sim.LoopConfig {
	return sim.LoopConfig{
		TickRate:        s.TickRate,
		CatchupMaxTicks: s.CatchupMaxTicks,
		InboxCapacity:   s.InboxCapacity,
	}
}

// EgressConfig returns the worker pool settings.
func (s Simhost) EgressConfig() egress.Config {
	cfg := egress.DefaultConfig()
	if s.Workers > 0 {
		cfg.Workers = s.Workers
	}
	return cfg
}
