package show

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lumasync/lumasync/internal/audio"
	"github.com/lumasync/lumasync/internal/config"
	"github.com/lumasync/lumasync/internal/dsp"
	"github.com/lumasync/lumasync/internal/lights"
)

// RunLive drives the lights from a live audio source until ctx is
// cancelled. There is no playlist and no cache: every chunk is analyzed as
// it arrives, paced by the source itself.
func RunLive(ctx context.Context, cfg config.Config, src audio.Source, driver lights.Driver, sender FrameSender) error {
	channels := cfg.ChannelCount()
	rate := src.SampleRate()
	chunkDur := time.Duration(cfg.Analysis.ChunkSize) * time.Second / time.Duration(rate)

	bands, err := dsp.LogBands(
		cfg.Analysis.MinFrequency, cfg.Analysis.MaxFrequency,
		cfg.Analysis.BandCount, channels)
	if err != nil {
		return err
	}
	analyzer, err := dsp.NewAnalyzer(cfg.Analysis.ChunkSize, rate, bands)
	if err != nil {
		return err
	}
	gains := make([]float64, len(cfg.Hardware.Channels))
	for i, ch := range cfg.Hardware.Channels {
		gains[i] = ch.Gain
	}
	mapper, err := lights.NewMapper(lights.MapperConfig{
		Bands:         bands,
		Channels:      channels,
		Gains:         gains,
		Exponent:      cfg.Mapping.Exponent,
		FloorDB:       cfg.Mapping.FloorDB,
		CeilingDB:     cfg.Mapping.CeilingDB,
		Attack:        cfg.Mapping.Attack,
		Decay:         cfg.Mapping.Decay,
		ChunkDuration: chunkDur,
	})
	if err != nil {
		return err
	}

	log.Printf("show: live mode, %d channels at %d Hz", channels, rate)
	prev := lights.ZeroFrame(channels)
	for {
		if ctx.Err() != nil {
			driver.Apply(lights.ZeroFrame(channels))
			return nil
		}
		chunk, err := src.ReadChunk()
		if err != nil {
			if ctx.Err() != nil {
				driver.Apply(lights.ZeroFrame(channels))
				return nil
			}
			return fmt.Errorf("live capture: %w", err)
		}
		energy := analyzer.Analyze(chunk.Samples)
		frame := mapper.Map(energy, prev)
		prev = frame
		if err := driver.Apply(frame); err != nil {
			driver.Shutdown()
			return fmt.Errorf("output driver: %w", err)
		}
		if sender != nil {
			sender.Send(frame)
		}
	}
}
