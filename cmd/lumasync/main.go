package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/lumasync/lumasync/internal/audio"
	"github.com/lumasync/lumasync/internal/cache"
	"github.com/lumasync/lumasync/internal/config"
	"github.com/lumasync/lumasync/internal/hw"
	"github.com/lumasync/lumasync/internal/lsync"
	"github.com/lumasync/lumasync/internal/show"
)

func main() {
	var (
		configPath   = flag.String("config", "lumasync.yaml", "configuration file")
		playlistPath = flag.String("playlist", "", "playlist file (overrides config)")
		songPath     = flag.String("song", "", "play a single audio file")
		mode         = flag.String("mode", "", "playback mode (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		log.Fatalf("lumasync: %v", err)
	}
	if *playlistPath != "" {
		cfg.Playback.PlaylistPath = *playlistPath
	}
	if *mode != "" {
		cfg.Playback.Mode = *mode
		if err := cfg.Validate(); err != nil {
			log.Fatalf("lumasync: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Printf("lumasync starting: mode %s, %d channels", cfg.Playback.Mode, cfg.ChannelCount())

	driver, err := hw.New(cfg.Hardware)
	if err != nil {
		log.Fatalf("lumasync: output driver: %v", err)
	}
	defer driver.Shutdown()

	switch cfg.Playback.Mode {
	case config.OpNetworkClient:
		err = runClient(ctx, cfg, driver)
	case config.OpAudioIn:
		err = runAudioIn(ctx, cfg, driver)
	case config.OpPlaylist, config.OpStreaming:
		err = runPlaylist(ctx, cfg, driver, *songPath)
	}
	if err != nil {
		log.Fatalf("lumasync: %v", err)
	}
	log.Println("lumasync stopped")
}

func runClient(ctx context.Context, cfg config.Config, driver *hw.Driver) error {
	client, err := lsync.NewClient(lsync.ClientConfig{
		ServerAddr: cfg.Network.ServerAddr,
		Channels:   cfg.ChannelCount(),
		QueueDepth: cfg.Network.QueueDepth,
		Heartbeat:  cfg.Network.Heartbeat.Std(),
		Grace:      cfg.Network.ClientGrace.Std(),
		Timeout:    cfg.Network.ClientTimeout.Std(),
		HoldLast:   cfg.Network.HoldLastFrame,
	}, driver)
	if err != nil {
		return err
	}
	return client.Run(ctx)
}

func runAudioIn(ctx context.Context, cfg config.Config, driver *hw.Driver) error {
	src, err := audio.OpenCapture(cfg.Playback.AudioDevice, cfg.Analysis.SampleRate, cfg.Analysis.ChunkSize)
	if err != nil {
		return err
	}
	defer src.Close()
	return show.RunLive(ctx, cfg, src, driver, nil)
}

func runPlaylist(ctx context.Context, cfg config.Config, driver *hw.Driver, songPath string) error {
	var (
		playlist []show.Entry
		err      error
	)
	if songPath != "" {
		playlist = show.SingleEntry(songPath)
	} else {
		playlist, err = show.LoadPlaylist(cfg.Playback.PlaylistPath)
		if err != nil {
			return err
		}
	}

	opts := show.Options{Driver: driver}

	store, err := cache.Open(cfg.Playback.CacheDir)
	if err != nil {
		log.Printf("analysis cache unavailable: %v", err)
	} else {
		opts.Store = store
		defer store.Close()
	}

	if cfg.Playback.AudioOut {
		sink, err := audio.OpenSpeaker(cfg.Analysis.SampleRate)
		if err != nil {
			log.Printf("speaker unavailable, lights only: %v", err)
		} else {
			opts.Sink = sink
			defer sink.Close()
		}
	}

	if cfg.Playback.Mode == config.OpStreaming {
		server, err := lsync.NewServer(cfg.Network.ListenAddr, cfg.Network.ClientTimeout.Std())
		if err != nil {
			return err
		}
		defer server.Close()
		go server.Run(ctx)
		log.Printf("sync server listening on %s", server.Addr())
		opts.Sender = server
		opts.Peers = server
	}

	session, err := show.NewSession(cfg, playlist, opts)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	startErr := make(chan error, 1)
	go func() {
		err := session.Start(0)
		startErr <- err
		if err != nil {
			stop()
		}
	}()
	if err := session.Run(runCtx); err != nil {
		return err
	}
	select {
	case err := <-startErr:
		if err != nil {
			return fmt.Errorf("start playback: %w", err)
		}
	default:
	}
	return nil
}
