package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samuel/go-hackrf/hackrf"
	"golang.org/x/sync/errgroup"

	"github.com/cyclone-radio/cyclone/pkg/audio"
	"github.com/cyclone-radio/cyclone/pkg/cyclone"
	"github.com/cyclone-radio/cyclone/pkg/cyclone/config"
	"github.com/cyclone-radio/cyclone/pkg/cyclone/device"
	"github.com/cyclone-radio/cyclone/pkg/cyclone/device/file"
	hackrfDevice "github.com/cyclone-radio/cyclone/pkg/cyclone/device/hackrf"
	"github.com/cyclone-radio/cyclone/pkg/cyclone/device/rtlsdr"
	"github.com/cyclone-radio/cyclone/pkg/hub"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
	"github.com/cyclone-radio/cyclone/pkg/trunk"
	"github.com/cyclone-radio/cyclone/pkg/util"
)

const fileByteReadSize = 262144

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "cyclone.yaml", "YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config")
	}

	p := pool.New(pool.Config{
		IQBlocks:        cfg.Pool.IQBlocks,
		IQBlockSize:     cfg.Pool.IQBlockSize,
		SymbolFrames:    cfg.Pool.SymbolFrames,
		SymbolFrameSize: cfg.Pool.SymbolFrameSize,
	})

	var dev device.Device

	switch cfg.Device {
	case "rtlsdr":
		log.Info().Str("device", "rtlsdr").Msg("initializing device...")
		dev = rtlsdr.New(cfg.RTLSDRDeviceIndex, p, log.Logger)
	case "file":
		log.Info().Str("device", "file").Str("path", cfg.PlaybackLocation).Msg("initializing device...")
		// Playback expects raw CS8 captured from a HackRF at the
		// configured sample rate.
		dev, err = file.New(cfg.PlaybackLocation, fileByteReadSize, p, log.Logger)
		if err != nil {
			log.Fatal().Str("device", "file").Err(err).Msg("failed to open recording")
		}
	case "hackrf":
		log.Info().Str("device", "hackrf").Msg("initializing device...")
		if err := hackrf.Init(); err != nil {
			log.Fatal().Str("device", "hackrf").Err(err).Msg("failed to initialize hackrf")
		}
		defer hackrf.Exit()

		if cfg.RecordLocation != "" {
			dev, err = hackrfDevice.NewRecording(cfg.RecordLocation, p, log.Logger)
		} else {
			dev, err = hackrfDevice.New(p, log.Logger)
		}
		if err != nil {
			log.Fatal().Str("device", "hackrf").Err(err).Msg("failed to create hackrf device")
		}
	default:
		log.Fatal().Str("device", cfg.Device).Msg("unknown device type")
	}

	var writeAPI api.WriteAPI
	if cfg.InfluxDB.Host != "" {
		writeAPI = influxdb2.NewClient(cfg.InfluxDB.Host, "").WriteAPI(cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
	}

	var outputs []audio.Output
	if len(cfg.OutputDestinations) > 0 {
		dests := make([]audio.Destination, 0, len(cfg.OutputDestinations))
		for _, d := range cfg.OutputDestinations {
			dests = append(dests, audio.Destination{Host: d.Host, Port: d.Port})
		}
		opusOut := audio.NewOpusUDPOutput(dests, 8000, log.Logger, writeAPIOrMock(writeAPI))
		outputs = append(outputs, opusOut)
	}
	if cfg.AudioFile != "" {
		f, err := os.OpenFile(cfg.AudioFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.AudioFile).Msg("failed to open audio file")
		}
		defer f.Close()
		outputs = append(outputs, audio.NewRawFileOutput(f, 8000, cfg.AudioTalkgroups))
	}

	decoder, err := trunk.NewDecoder(cfg.Protocol, cfg.SymbolRate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build protocol decoder")
	}
	codec, err := audio.NewCodec(cfg.VoiceCodec)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build voice codec")
	}

	eventHub := hub.New(0, log.Logger)

	options := []cyclone.Option{
		cyclone.WithLogger(log.Logger),
		cyclone.WithPool(p),
		cyclone.WithDecoder(decoder),
		cyclone.WithCodec(codec),
	}
	if writeAPI != nil {
		options = append(options, cyclone.WithInfluxDB(writeAPI))
	}

	daemon, err := cyclone.New(dev, eventHub, cyclone.Options{
		SampleRate:   cfg.SampleRate,
		ControlFreq:  cfg.ControlFreq,
		SymbolRate:   cfg.SymbolRate,
		TuningOffset: cfg.TuningOffset,
		SettleTime:   cfg.SettleTime,
		Tracker: trunk.Config{
			HangTime:        cfg.HangTime,
			Allow:           cfg.AllowTalkgroups,
			Deny:            cfg.DenyTalkgroups,
			NoHop:           cfg.NoHop,
			HoldCurrentCall: cfg.HoldCalls,
		},
		AudioOutputs: outputs,
	}, options...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create daemon")
	}

	server := hub.NewServer(cfg.HTTPBind, eventHub, daemon.Tracker(), log.Logger)

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		return daemon.Stop()
	})

	eg.Go(func() error {
		return daemon.Run(ctx)
	})

	eg.Go(func() error {
		return server.Start(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}

func writeAPIOrMock(writeAPI api.WriteAPI) api.WriteAPI {
	if writeAPI != nil {
		return writeAPI
	}
	return &util.MockWriteAPI{}
}
