// Command putvd is the audio player daemon: it opens the playlist
// catalog, wires the pipeline a track needs, and exposes transport and
// playlist control over a JSON-RPC 2.0 Unix socket, per spec.md §6.
//
// Flags and config file loading follow the teacher's cmd/* convention
// (github.com/spf13/pflag for POSIX-style long flags, see
// cmd/direwolf/main.go) and DESIGN.md's resolution for the daemon's
// static config (gopkg.in/yaml.v3).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dsb/putvgo/internal/catalog"
	"github.com/dsb/putvgo/internal/format"
	"github.com/dsb/putvgo/internal/logging"
	"github.com/dsb/putvgo/internal/media"
	"github.com/dsb/putvgo/internal/player"
	"github.com/dsb/putvgo/internal/rpc"
	"github.com/dsb/putvgo/internal/sink"
)

// fileConfig mirrors the on-disk YAML config: sink URL and latency,
// default volume, loop/random, encoder MIME, RTP muxing and clock rate.
// It carries no RTP payload-type map. Command-line flags override
// whatever the file sets.
type fileConfig struct {
	Sink struct {
		URL       string `yaml:"url"`
		LatencyMS int    `yaml:"latency_ms"`
	} `yaml:"sink"`
	Volume       int  `yaml:"volume"`
	Loop         bool `yaml:"loop"`
	Random       bool `yaml:"random"`
	EncodeMIME   string `yaml:"encode_mime"`
	UseRTPMux    bool   `yaml:"rtp_mux"`
	RTPClockRate int    `yaml:"rtp_clock_rate"`
}

func loadConfigFile(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("putvd: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("putvd: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var (
		dbPath        = pflag.String("db", "putv.db", "Path to the SQLite playlist catalog.")
		controlSocket = pflag.String("control-socket", "/tmp/putvd.sock", "Unix-domain socket for the JSON-RPC control surface.")
		sinkURL       = pflag.String("sink", "", "Sink URL to write audio to (alsa://default, file://path, udp://host:port, rtp://host:port, unix://path). Overrides the config file.")
		configFile    = pflag.String("config", "", "YAML config file (sink, default volume, loop/random, encoder, RTP mux).")
		loop          = pflag.Bool("loop", false, "Loop the playlist when it's exhausted.")
		random        = pflag.Bool("random", false, "Play the playlist in random order.")
		volume        = pflag.Int("volume", -1, "Starting volume percentage (0-100). -1 keeps the config file/default.")
		logLevel      = pflag.String("log-level", "info", "Log level: debug, info, warn, error.")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "putvd - networked audio player daemon.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: putvd [options]\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	switch *logLevel {
	case "debug":
		logging.SetLevel(log.DebugLevel)
	case "warn":
		logging.SetLevel(log.WarnLevel)
	case "error":
		logging.SetLevel(log.ErrorLevel)
	default:
		logging.SetLevel(log.InfoLevel)
	}
	mainLog := logging.Stage("main")

	fcfg, err := loadConfigFile(*configFile)
	if err != nil {
		mainLog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	effectiveSinkURL := fcfg.Sink.URL
	if *sinkURL != "" {
		effectiveSinkURL = *sinkURL
	}
	if effectiveSinkURL == "" {
		effectiveSinkURL = "alsa://default"
	}

	cat, err := catalog.Open(*dbPath)
	if err != nil {
		mainLog.Error("catalog open failed", "err", err)
		os.Exit(1)
	}
	defer cat.Close()

	pcfg := player.Config{
		SinkURL: effectiveSinkURL,
		SinkCfg: sink.Config{
			Format:    format.PCM16LEStereo,
			Frequency: 44100,
			LatencyMS: fcfg.Sink.LatencyMS,
		},
		EncodeMIME:   fcfg.EncodeMIME,
		UseRTPMux:    fcfg.UseRTPMux,
		RTPClockRate: fcfg.RTPClockRate,
	}
	p := player.New(cat, pcfg)
	p.SetOptions(media.Options{Loop: *loop || fcfg.Loop, Random: *random || fcfg.Random})

	startVolume := fcfg.Volume
	applyVolume := startVolume > 0
	if *volume >= 0 {
		startVolume = *volume
		applyVolume = true
	}
	if applyVolume {
		if err := p.SetVolume(startVolume); err != nil {
			mainLog.Warn("failed to apply starting volume", "err", err)
		}
	}

	protocols := []string{}
	if fcfg.UseRTPMux {
		protocols = append(protocols, "mux:rtp")
	} else {
		protocols = append(protocols, "mux:passthrough")
	}
	srv, err := rpc.NewServer(*controlSocket, p, cat, rpc.Capabilities{Protocols: protocols})
	if err != nil {
		mainLog.Error("rpc server failed to start", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		mainLog.Info("shutting down")
		cancel()
		p.Stop()
		srv.Close()
	}()

	mainLog.Info("putvd ready", "db", *dbPath, "control-socket", *controlSocket, "sink", effectiveSinkURL)
	if err := srv.Serve(ctx); err != nil {
		mainLog.Error("rpc server exited", "err", err)
		os.Exit(1)
	}
}
