package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/banshee-data/autofocus/internal/camera"
	"github.com/banshee-data/autofocus/internal/config"
	"github.com/banshee-data/autofocus/internal/serialmux"
	"github.com/banshee-data/autofocus/internal/transport/usb"
)

// Simulated optics: the focus line moves this many pixels per stage unit and
// wanders slowly so there is something to correct.
const (
	simPixelsPerUnit = 0.5
	simDriftPixels   = 60
	simDriftPeriod   = 90 * time.Second
)

type devices struct {
	camera *camera.Client
	mux    serialmux.SerialMuxInterface
	close  func()
}

// openDevices opens the camera and the stage line.
func openDevices(cfg *config.Config) (*devices, error) {
	cam, err := usb.Open(usb.Config{
		VendorID:   cfg.GetCameraVendorID(),
		ProductID:  cfg.GetCameraProductID(),
		CommandOut: camera.CommandOut,
		CommandIn:  camera.CommandIn,
		DataIn:     camera.DataIn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}

	mux, err := serialmux.NewRealSerialMux(cfg.GetStagePort(), serialmux.PortOptions{
		BaudRate: cfg.GetStageBaudRate(),
		Parity:   cfg.GetStageParity(),
	})
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to open stage port %s: %w", cfg.GetStagePort(), err)
	}

	return &devices{
		camera: camera.NewClient(cam.Command(), cam.Data(), camera.WithTimeout(cfg.GetCameraTimeout())),
		mux:    mux,
		close: func() {
			mux.Close()
			cam.Close()
		},
	}, nil
}

// simulatedDevices wires the camera simulator to the stage simulator so that
// moving the stage moves the focus line.
func simulatedDevices(cfg *config.Config) *devices {
	stageSim := serialmux.NewStageSimulator()
	stageSim.Latency = 5 * time.Millisecond

	start := time.Now()
	camSim := camera.NewSimulator()
	camSim.PeakAt = func() float64 {
		phase := 2 * math.Pi * float64(time.Since(start)) / float64(simDriftPeriod)
		p := camera.ImageSamples/2 + simPixelsPerUnit*float64(stageSim.Position()) + simDriftPixels*math.Sin(phase)
		return math.Max(0, math.Min(camera.ImageSamples-1, p))
	}

	mux := serialmux.NewSerialMux(stageSim)
	return &devices{
		camera: camera.NewClient(camSim.Command(), camSim.Data(), camera.WithTimeout(cfg.GetCameraTimeout())),
		mux:    mux,
		close:  func() { mux.Close() },
	}
}

// configureCamera identifies the sensor and applies the acquisition settings.
func configureCamera(ctx context.Context, cam *camera.Client, cfg *config.Config) error {
	fw, err := cam.FirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("firmware query: %w", err)
	}
	info, err := cam.DeviceInfo(ctx)
	if err != nil {
		return fmt.Errorf("device info query: %w", err)
	}
	log.Printf("camera %s %s (serial %s), firmware %s", info.Manufacturer, info.Product, info.Serial, fw)

	mode := camera.WorkModeNormal
	if cfg.GetWorkMode() == "trigger" {
		mode = camera.WorkModeTrigger
	}
	if err := cam.SetWorkMode(ctx, mode); err != nil {
		return fmt.Errorf("set work mode: %w", err)
	}
	if err := cam.SetExposureTime(ctx, cfg.GetExposureTicks()); err != nil {
		return fmt.Errorf("set exposure: %w", err)
	}
	return nil
}
