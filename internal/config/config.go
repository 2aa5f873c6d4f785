package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the autofocus service configuration. Every field is optional;
// the Get* methods fall back to defaults for fields the file omits.
type Config struct {
	// Camera
	CameraVendorID        *int    `json:"camera_vendor_id,omitempty"`
	CameraProductID       *int    `json:"camera_product_id,omitempty"`
	ExposureTicks         *int    `json:"exposure_ticks,omitempty"`
	WorkMode              *string `json:"work_mode,omitempty"` // "normal" or "trigger"
	CameraTimeout         *string `json:"camera_timeout,omitempty"`
	AcquisitionAttempts   *int    `json:"acquisition_attempts,omitempty"`
	AcquisitionRetryDelay *string `json:"acquisition_retry_delay,omitempty"`

	// Stage
	StagePort       *string `json:"stage_port,omitempty"`
	StageBaudRate   *int    `json:"stage_baud_rate,omitempty"`
	StageParity     *string `json:"stage_parity,omitempty"`
	ResponseTimeout *string `json:"response_timeout,omitempty"`

	// Signal processing
	Oversamples    *int     `json:"oversamples,omitempty"`
	SmoothingSigma *float64 `json:"smoothing_sigma,omitempty"`
	HistoryCap     *int     `json:"history_cap,omitempty"`

	// Feedback law
	ControlLaw *string  `json:"control_law,omitempty"` // "p" or "pi"
	Gain       *float64 `json:"gain,omitempty"`
	MaxError   *float64 `json:"max_error,omitempty"`
	Kp         *float64 `json:"kp,omitempty"`
	Ki         *float64 `json:"ki,omitempty"`
	PIHistory  *int     `json:"pi_history,omitempty"`

	// Jog
	JogStartSpeed         *float64 `json:"jog_start_speed,omitempty"`
	JogGrowth             *float64 `json:"jog_growth,omitempty"`
	JogMaxSpeed           *float64 `json:"jog_max_speed,omitempty"`
	JogTick               *string  `json:"jog_tick,omitempty"`
	LampStep              *int     `json:"lamp_step,omitempty"`
	JogSensitivityPresets []int    `json:"jog_sensitivity_presets,omitempty"`

	// Loop periods
	SamplingPeriod *string `json:"sampling_period,omitempty"`
	FeedbackPeriod *string `json:"feedback_period,omitempty"`

	// Publishing
	MQTTBroker *string `json:"mqtt_broker,omitempty"`
	MQTTTopic  *string `json:"mqtt_topic,omitempty"`

	// Service
	DBPath *string `json:"db_path,omitempty"`
	Listen *string `json:"listen,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	return &Config{
		CameraVendorID:        ptrInt(0x04B4),
		CameraProductID:       ptrInt(0x0328),
		ExposureTicks:         ptrInt(10),
		WorkMode:              ptrString("normal"),
		CameraTimeout:         ptrString("1s"),
		AcquisitionAttempts:   ptrInt(5),
		AcquisitionRetryDelay: ptrString("10ms"),
		StagePort:             ptrString("/dev/ttyUSB0"),
		StageBaudRate:         ptrInt(19200),
		StageParity:           ptrString("E"),
		ResponseTimeout:       ptrString("2s"),
		Oversamples:           ptrInt(10),
		SmoothingSigma:        ptrFloat64(0),
		HistoryCap:            ptrInt(1000),
		ControlLaw:            ptrString("pi"),
		Gain:                  ptrFloat64(0.2),
		MaxError:              ptrFloat64(0),
		Kp:                    ptrFloat64(0.2),
		Ki:                    ptrFloat64(0),
		PIHistory:             ptrInt(100),
		JogStartSpeed:         ptrFloat64(100),
		JogGrowth:             ptrFloat64(1.05),
		JogMaxSpeed:           ptrFloat64(5000),
		JogTick:               ptrString("30ms"),
		LampStep:              ptrInt(5),
		JogSensitivityPresets: []int{5, 15},
		SamplingPeriod:        ptrString("100ms"),
		FeedbackPeriod:        ptrString("200ms"),
		MQTTBroker:            ptrString(""),
		MQTTTopic:             ptrString("autofocus/snapshot"),
		DBPath:                ptrString("autofocus.db"),
		Listen:                ptrString(":8080"),
	}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under 1MB. Omitted fields keep their defaults via the Get* methods.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", name, *v)
	}
	return nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	for name, v := range map[string]*string{
		"camera_timeout":          c.CameraTimeout,
		"acquisition_retry_delay": c.AcquisitionRetryDelay,
		"response_timeout":        c.ResponseTimeout,
		"jog_tick":                c.JogTick,
		"sampling_period":         c.SamplingPeriod,
		"feedback_period":         c.FeedbackPeriod,
	} {
		if err := checkDuration(name, v); err != nil {
			return err
		}
	}

	if c.ExposureTicks != nil && (*c.ExposureTicks < 0 || *c.ExposureTicks > 0xFFFF) {
		return fmt.Errorf("exposure_ticks must be between 0 and 65535, got %d", *c.ExposureTicks)
	}
	if c.WorkMode != nil {
		switch strings.ToLower(*c.WorkMode) {
		case "", "normal", "trigger":
		default:
			return fmt.Errorf("work_mode must be normal or trigger, got %q", *c.WorkMode)
		}
	}
	if c.AcquisitionAttempts != nil && *c.AcquisitionAttempts < 1 {
		return fmt.Errorf("acquisition_attempts must be at least 1, got %d", *c.AcquisitionAttempts)
	}
	if c.Oversamples != nil && *c.Oversamples < 1 {
		return fmt.Errorf("oversamples must be at least 1, got %d", *c.Oversamples)
	}
	if c.SmoothingSigma != nil && *c.SmoothingSigma < 0 {
		return fmt.Errorf("smoothing_sigma must be non-negative, got %f", *c.SmoothingSigma)
	}
	if c.HistoryCap != nil && *c.HistoryCap < 1 {
		return fmt.Errorf("history_cap must be at least 1, got %d", *c.HistoryCap)
	}
	if c.ControlLaw != nil {
		switch strings.ToLower(strings.TrimSpace(*c.ControlLaw)) {
		case "", "p", "pi":
		default:
			return fmt.Errorf("control_law must be p or pi, got %q", *c.ControlLaw)
		}
	}
	if c.PIHistory != nil && *c.PIHistory < 1 {
		return fmt.Errorf("pi_history must be at least 1, got %d", *c.PIHistory)
	}
	if c.JogGrowth != nil && *c.JogGrowth <= 1 {
		return fmt.Errorf("jog_growth must be greater than 1, got %f", *c.JogGrowth)
	}
	if c.JogMaxSpeed != nil && *c.JogMaxSpeed <= 0 {
		return fmt.Errorf("jog_max_speed must be positive, got %f", *c.JogMaxSpeed)
	}
	if c.JogStartSpeed != nil && *c.JogStartSpeed <= 0 {
		return fmt.Errorf("jog_start_speed must be positive, got %f", *c.JogStartSpeed)
	}
	if c.JogSensitivityPresets != nil && len(c.JogSensitivityPresets) != 2 {
		return fmt.Errorf("jog_sensitivity_presets needs exactly two values, got %d", len(c.JogSensitivityPresets))
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getString(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func (c *Config) GetCameraVendorID() uint16  { return uint16(getInt(c.CameraVendorID, 0x04B4)) }
func (c *Config) GetCameraProductID() uint16 { return uint16(getInt(c.CameraProductID, 0x0328)) }
func (c *Config) GetExposureTicks() int      { return getInt(c.ExposureTicks, 10) }

// GetWorkMode returns "normal" or "trigger".
func (c *Config) GetWorkMode() string { return strings.ToLower(getString(c.WorkMode, "normal")) }

func (c *Config) GetCameraTimeout() time.Duration { return getDuration(c.CameraTimeout, time.Second) }
func (c *Config) GetAcquisitionAttempts() int     { return getInt(c.AcquisitionAttempts, 5) }
func (c *Config) GetAcquisitionRetryDelay() time.Duration {
	return getDuration(c.AcquisitionRetryDelay, 10*time.Millisecond)
}

func (c *Config) GetStagePort() string   { return getString(c.StagePort, "/dev/ttyUSB0") }
func (c *Config) GetStageBaudRate() int  { return getInt(c.StageBaudRate, 19200) }
func (c *Config) GetStageParity() string { return getString(c.StageParity, "E") }
func (c *Config) GetResponseTimeout() time.Duration {
	return getDuration(c.ResponseTimeout, 2*time.Second)
}

func (c *Config) GetOversamples() int        { return getInt(c.Oversamples, 10) }
func (c *Config) GetSmoothingSigma() float64 { return getFloat(c.SmoothingSigma, 0) }
func (c *Config) GetHistoryCap() int         { return getInt(c.HistoryCap, 1000) }

// GetControlLaw returns "p" or "pi".
func (c *Config) GetControlLaw() string {
	return strings.ToLower(strings.TrimSpace(getString(c.ControlLaw, "pi")))
}
func (c *Config) GetGain() float64     { return getFloat(c.Gain, 0.2) }
func (c *Config) GetMaxError() float64 { return getFloat(c.MaxError, 0) }
func (c *Config) GetKp() float64       { return getFloat(c.Kp, 0.2) }
func (c *Config) GetKi() float64       { return getFloat(c.Ki, 0) }
func (c *Config) GetPIHistory() int    { return getInt(c.PIHistory, 100) }

func (c *Config) GetJogStartSpeed() float64 { return getFloat(c.JogStartSpeed, 100) }
func (c *Config) GetJogGrowth() float64     { return getFloat(c.JogGrowth, 1.05) }
func (c *Config) GetJogMaxSpeed() float64   { return getFloat(c.JogMaxSpeed, 5000) }
func (c *Config) GetJogTick() time.Duration { return getDuration(c.JogTick, 30*time.Millisecond) }
func (c *Config) GetLampStep() int          { return getInt(c.LampStep, 5) }
func (c *Config) GetJogSensitivityPresets() [2]int {
	if len(c.JogSensitivityPresets) != 2 {
		return [2]int{5, 15}
	}
	return [2]int{c.JogSensitivityPresets[0], c.JogSensitivityPresets[1]}
}

func (c *Config) GetSamplingPeriod() time.Duration {
	return getDuration(c.SamplingPeriod, 100*time.Millisecond)
}
func (c *Config) GetFeedbackPeriod() time.Duration {
	return getDuration(c.FeedbackPeriod, 200*time.Millisecond)
}

// GetMQTTBroker returns the broker URL; empty disables MQTT publishing.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}
func (c *Config) GetMQTTTopic() string { return getString(c.MQTTTopic, "autofocus/snapshot") }

func (c *Config) GetDBPath() string { return getString(c.DBPath, "autofocus.db") }
func (c *Config) GetListen() string { return getString(c.Listen, ":8080") }
