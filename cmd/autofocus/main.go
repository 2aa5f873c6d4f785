package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/autofocus/internal/api"
	"github.com/banshee-data/autofocus/internal/autofocus"
	"github.com/banshee-data/autofocus/internal/camera"
	"github.com/banshee-data/autofocus/internal/config"
	"github.com/banshee-data/autofocus/internal/control"
	"github.com/banshee-data/autofocus/internal/db"
	"github.com/banshee-data/autofocus/internal/jog"
	"github.com/banshee-data/autofocus/internal/monitor"
	"github.com/banshee-data/autofocus/internal/profile"
	"github.com/banshee-data/autofocus/internal/publish"
	"github.com/banshee-data/autofocus/internal/stage"
	"github.com/banshee-data/autofocus/internal/transport"
	"github.com/banshee-data/autofocus/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON configuration file (defaults apply when empty)")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	stagePort   = flag.String("stage-port", "", "Stage serial port (overrides config, ignored in dev mode)")
	devMode     = flag.Bool("dev", false, "Run against simulated camera and stage")
	dbPath      = flag.String("db", "", "Focus log database path (overrides config, \"-\" disables)")
	showVersion = flag.Bool("version", false, "Print version and exit")
	noSampling  = flag.Bool("no-sampling", false, "Do not start sampling at launch")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
)

// applyFlags copies command-line overrides onto cfg.
func applyFlags(cfg *config.Config, listen, stagePort, dbPath string) {
	if listen != "" {
		cfg.Listen = &listen
	}
	if stagePort != "" {
		cfg.StagePort = &stagePort
	}
	if dbPath != "" {
		cfg.DBPath = &dbPath
	}
}

// system is every long-lived component of one run.
type system struct {
	cfg     *config.Config
	devices *devices
	stage   *stage.Client
	jog     *jog.Controller
	loop    *autofocus.Loop
	hub     *publish.Hub
	focus   *db.DB
	mqtt    *publish.MQTTSink
	closers []func()
}

func (s *system) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newSystem builds the pipeline. Nothing talks to the devices yet.
func newSystem(cfg *config.Config, dev bool) (*system, error) {
	s := &system{cfg: cfg, hub: publish.NewHub()}

	if dev {
		s.devices = simulatedDevices(cfg)
	} else {
		d, err := openDevices(cfg)
		if err != nil {
			return nil, err
		}
		s.devices = d
	}
	s.closers = append(s.closers, s.devices.close)

	s.stage = stage.NewClient(s.devices.mux, stage.WithResponseTimeout(cfg.GetResponseTimeout()))
	s.jog = jog.New(s.stage, jog.Config{
		StartSpeed:         cfg.GetJogStartSpeed(),
		Growth:             cfg.GetJogGrowth(),
		MaxSpeed:           cfg.GetJogMaxSpeed(),
		Tick:               cfg.GetJogTick(),
		LampStep:           cfg.GetLampStep(),
		SensitivityPresets: cfg.GetJogSensitivityPresets(),
		LightPaths:         jog.DefaultConfig().LightPaths,
	}, nil)

	proc, err := profile.NewProcessor(camera.ImageSamples,
		profile.WithOversamples(cfg.GetOversamples()),
		profile.WithHistoryCap(cfg.GetHistoryCap()),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := proc.SetSmoothing(cfg.GetSmoothingSigma()); err != nil {
		s.Close()
		return nil, err
	}

	law, err := control.ParseLaw(cfg.GetControlLaw())
	if err != nil {
		s.Close()
		return nil, err
	}
	ctrl := control.New(law, control.Params{
		Gain:     cfg.GetGain(),
		MaxError: cfg.GetMaxError(),
		Kp:       cfg.GetKp(),
		Ki:       cfg.GetKi(),
		History:  cfg.GetPIHistory(),
	})

	opts := []autofocus.Option{
		autofocus.WithPeriods(cfg.GetSamplingPeriod(), cfg.GetFeedbackPeriod()),
		autofocus.WithSinks(s.hub),
	}

	if path := cfg.GetDBPath(); path != "" && path != "-" {
		focus, err := db.NewDB(path, version.Version)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open focus log: %w", err)
		}
		s.focus = focus
		s.closers = append(s.closers, func() { focus.Close() })
		opts = append(opts, autofocus.WithRecorder(focus))
	}

	if broker := cfg.GetMQTTBroker(); broker != "" {
		client, err := publish.Connect(broker, "autofocus-"+version.Version)
		if err != nil {
			// the loop runs fine without a broker
			log.Printf("mqtt disabled: %v", err)
		} else {
			s.mqtt = publish.NewMQTTSink(client, cfg.GetMQTTTopic())
			s.closers = append(s.closers, func() { publish.Disconnect(client) })
			opts = append(opts, autofocus.WithSinks(s.mqtt))
		}
	}

	reader := camera.NewReader(s.devices.camera, cfg.GetAcquisitionAttempts(), cfg.GetAcquisitionRetryDelay())
	s.loop = autofocus.New(reader, s.stage, proc, ctrl, opts...)
	return s, nil
}

// connect brings both devices into their working state. The serial monitor
// must already be running.
func (s *system) connect(ctx context.Context) error {
	if err := configureCamera(ctx, s.devices.camera, s.cfg); err != nil {
		return err
	}
	if err := s.stage.Connect(ctx); err != nil {
		return fmt.Errorf("stage login: %w", err)
	}
	unit, err := s.stage.GetUnit(ctx)
	if err != nil {
		return fmt.Errorf("stage unit query: %w", err)
	}
	log.Printf("stage unit %s", unit)
	if err := s.stage.EnableButtons(ctx); err != nil {
		return fmt.Errorf("enable buttons: %w", err)
	}
	if err := s.stage.EnableJog(ctx); err != nil {
		return fmt.Errorf("enable jog: %w", err)
	}
	if err := s.jog.Sync(ctx); err != nil {
		return fmt.Errorf("read stage state: %w", err)
	}
	log.Printf("stage state %+v", s.jog.State())
	return nil
}

// handler mounts the control API and the debug routes.
func (s *system) handler() http.Handler {
	mux := api.NewServer(s.loop, s.jog, s.hub).ServeMux()
	s.devices.mux.AttachAdminRoutes(mux)
	monitor.New(s.loop).AttachAdminRoutes(mux)
	if s.focus != nil {
		if err := s.focus.AttachAdminRoutes(mux); err != nil {
			log.Printf("focus log admin routes unavailable: %v", err)
		}
	}
	return api.LoggingMiddleware(mux)
}

// shutdown stops actuation first so no stage command is cut off, then
// releases the stage.
func (s *system) shutdown() {
	s.loop.Stop()
	s.jog.StopJog()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.stage.Stop(ctx); err != nil {
		log.Printf("stage stop: %v", err)
	}
	if err := s.stage.DisableJog(ctx); err != nil {
		log.Printf("disable jog: %v", err)
	}
	if err := s.stage.DisableButtons(ctx); err != nil {
		log.Printf("disable buttons: %v", err)
	}
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := transport.ListSerialPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("loaded config %s", *configPath)
	}
	applyFlags(cfg, *listen, *stagePort, *dbPath)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Print(version.String())
	if *devMode {
		log.Print("dev mode: simulated camera and stage")
	}

	sys, err := newSystem(cfg, *devMode)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer sys.Close()

	// Create a wait group for the HTTP server, serial monitor, button and jog routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The stage line outlives ctx: shutdown still has to stop the stage.
	lineCtx, closeLine := context.WithCancel(context.Background())
	defer closeLine()

	// run the monitor routine to manage IO on the stage line
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sys.devices.mux.Monitor(lineCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor stage port: %v", err)
			stop()
		}
		log.Print("monitor routine terminated")
	}()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = sys.connect(connectCtx)
	cancel()
	if err != nil {
		log.Printf("failed to connect devices: %v", err)
		closeLine()
		wg.Wait()
		sys.Close()
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sys.stage.ConsumeButtons(ctx, sys.jog.Handler(ctx)); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, stage.ErrClosed) {
			log.Printf("button routine failed: %v", err)
		}
		log.Print("button routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sys.jog.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("jog routine failed: %v", err)
		}
		log.Print("jog routine terminated")
	}()

	if sys.mqtt != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sys.mqtt.Run(ctx)
			log.Print("mqtt routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: sys.handler(),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", cfg.GetListen())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	if !*noSampling {
		sys.loop.StartSampling()
	}

	<-ctx.Done()
	log.Print("stopping actuation...")
	sys.shutdown()
	closeLine()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
