/*
Copyright 2024 The BrokerLB Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the static Configuration every component is built
// from, plus the bounded quota constants the quota estimator clamps to.
package config

import (
	"fmt"
	"time"

	"github.com/alecthomas/units"
	validator "github.com/go-playground/validator/v10"
)

// Bounds for each smoothed quota field. The estimator never lets a quota
// drift outside these regardless of what a broker reports.
const (
	MinMsgRateIn  = 5
	MaxMsgRateIn  = 5000
	MinMsgRateOut = 5
	MaxMsgRateOut = 5000

	MinBandwidthIn  = 10_000
	MaxBandwidthIn  = 1_000_000
	MinBandwidthOut = 10_000
	MaxBandwidthOut = 1_000_000

	MinMemory = 2
	MaxMemory = 200

	MinCPUFactor = 0.01
	MaxCPUFactor = 0.10

	MinMemFactor = 10.0
	MaxMemFactor = 50.0
)

// RampUpWindow and RampDownWindow are the two exponential-smoothing time
// constants: quota estimates climb quickly to follow a burst and only back
// off slowly, so a momentary lull doesn't immediately starve a bundle that
// is about to get busy again.
const (
	RampUpWindow   = 30 * time.Minute
	RampDownWindow = 1440 * time.Minute
)

// StoreConfiguration configures the coordination-store connection.
type StoreConfiguration struct {
	Endpoints         []string `validate:"required,min=1"`
	SessionTTLSeconds int64    `validate:"required,gt=0"`
	DialTimeout       time.Duration
}

// QuotaConfiguration configures the default per-bundle quota and the cpu/mem
// load-factor conversion constants, as well as whether the quota writer
// uses the legacy-style bandwidth comparison.
type QuotaConfiguration struct {
	DefaultMsgRateIn    float64 `validate:"gte=5,lte=5000"`
	DefaultMsgRateOut   float64 `validate:"gte=5,lte=5000"`
	DefaultBandwidthIn  float64 `validate:"gte=10000,lte=1000000"`
	DefaultBandwidthOut float64 `validate:"gte=10000,lte=1000000"`
	DefaultMemory       float64 `validate:"gte=2,lte=200"`

	CPUFactor float64 `validate:"gte=0.01,lte=0.10"`
	MemFactor float64 `validate:"gte=10,lte=50"`

	// PreserveLegacyBandwidthCompare, when true, keeps the quota writer's
	// older cross-field bandwidth comparison, matching a previous
	// deployment's behavior during migration. Off by default; a cluster
	// opts in explicitly while it still has brokers running the old
	// comparison.
	PreserveLegacyBandwidthCompare bool
}

// PlacementConfiguration configures strategy selection and broker
// candidate filtering thresholds.
type PlacementConfiguration struct {
	Strategy string `validate:"oneof=leastLoaded weightedRandom"`
	// OverloadThresholdPercent is the estimated-load percentage above which
	// least-loaded placement stops taking the least-loaded broker and picks
	// the candidate with the most estimated headroom instead; no broker is
	// removed from the candidate set. The shedder also treats a broker whose
	// highest resource usage is above it as overloaded.
	OverloadThresholdPercent float64 `validate:"gt=0,lte=100"`
}

// SheddingConfiguration configures load shedding behavior.
type SheddingConfiguration struct {
	Enabled                     bool
	LoadBalancerSheddingEnabled bool
	OverloadThresholdPercent    float64 `validate:"gt=0,lte=100"`
	UnderloadThresholdPercent   float64 `validate:"gte=0,lt=100"`
	// ComfortLoadThresholdPercent is the ceiling a candidate broker must be
	// below, on every resource, before the shedder considers it a viable
	// rebalancing target. Distinct from UnderloadThresholdPercent, which
	// only gates placement's idle/warm decision.
	ComfortLoadThresholdPercent float64 `validate:"gte=0,lt=100"`
	GracePeriodMinutes          int     `validate:"gt=0"`
	MaxUnloadBundlesPerCycle    int     `validate:"gt=0"`
	DryRun                      bool
}

// SplittingConfiguration configures bundle-splitting thresholds.
type SplittingConfiguration struct {
	Enabled               bool
	MaxBundleCount        int     `validate:"gt=0"`
	MaxTopicsPerBundle    int64   `validate:"gt=0"`
	MaxSessionsPerBundle  int64   `validate:"gt=0"`
	MaxMsgRatePerBundle   float64 `validate:"gt=0"`
	MaxBandwidthPerBundle float64 `validate:"gt=0"`
}

// ReportWriterConfiguration configures when the control loop decides a
// broker's published LoadReport is stale enough to rewrite, beyond the
// unconditional LOAD_REPORT_UPDATE_MIN_INTERVAL floor.
type ReportWriterConfiguration struct {
	MaxUpdateIntervalMinutes int     `validate:"gt=0"`
	ThresholdPercent         float64 `validate:"gt=0,lte=100"`
	// NominalMaxBundleCapacity is the denominator used to turn a raw
	// bundle-count delta into a percentage for the reportThresholdPct
	// comparison, standing in for "maxCapacity" until this broker has
	// reported enough to derive its own estimate.
	NominalMaxBundleCapacity float64 `validate:"gt=0"`
}

// Configuration is the full, validated static configuration every
// load-balancing component is constructed from.
type Configuration struct {
	Store        StoreConfiguration
	Quota        QuotaConfiguration
	Placement    PlacementConfiguration
	Shedding     SheddingConfiguration
	Splitting    SplittingConfiguration
	ReportWriter ReportWriterConfiguration

	// ReportIntervalSeconds is validated but not read by the load manager;
	// the report writer runs on the fixed LoadReportUpdateMinInterval tick
	// and rewrites the report according to ReportWriter.
	ReportIntervalSeconds int `validate:"gt=0"`
	// ResourceQuotaUpdateIntervalSeconds is the leader tick's cadence:
	// shedding, splitting and the quota write-back. The estimator itself
	// recomputes quotas and load factors on every rank update.
	ResourceQuotaUpdateIntervalSeconds int `validate:"gt=0"`
	// RankUpdateIntervalSeconds is the rank updater's polling cadence. The
	// children watch only fires on broker arrival/departure, so report
	// rewrites to existing presence nodes are picked up on this interval.
	RankUpdateIntervalSeconds int `validate:"gt=0"`
}

// NewDefaultConfiguration returns a Configuration with the defaults a fresh
// cluster starts from. Every default lies inside its validation bounds,
// though not necessarily near the middle of them.
func NewDefaultConfiguration() *Configuration {
	return &Configuration{
		Store: StoreConfiguration{
			Endpoints:         []string{"127.0.0.1:2379"},
			SessionTTLSeconds: 30,
			DialTimeout:       5 * time.Second,
		},
		Quota: QuotaConfiguration{
			DefaultMsgRateIn:    30,
			DefaultMsgRateOut:   30,
			DefaultBandwidthIn:  float64(1 * units.MB),
			DefaultBandwidthOut: float64(1 * units.MB),
			DefaultMemory:       50,
			CPUFactor:           0.03,
			MemFactor:           25,
		},
		Placement: PlacementConfiguration{
			Strategy:                 "leastLoaded",
			OverloadThresholdPercent: 85,
		},
		Shedding: SheddingConfiguration{
			Enabled:                     true,
			LoadBalancerSheddingEnabled: true,
			OverloadThresholdPercent:    85,
			UnderloadThresholdPercent:   10,
			ComfortLoadThresholdPercent: 65,
			GracePeriodMinutes:          15,
			MaxUnloadBundlesPerCycle:    1,
		},
		Splitting: SplittingConfiguration{
			Enabled:               true,
			MaxBundleCount:        32,
			MaxTopicsPerBundle:    1000,
			MaxSessionsPerBundle:  1000,
			MaxMsgRatePerBundle:   30000,
			MaxBandwidthPerBundle: float64(100 * units.MB),
		},
		ReportWriter: ReportWriterConfiguration{
			MaxUpdateIntervalMinutes: 10,
			ThresholdPercent:         10,
			NominalMaxBundleCapacity: 200,
		},
		ReportIntervalSeconds:              60,
		ResourceQuotaUpdateIntervalSeconds: 60,
		RankUpdateIntervalSeconds:          30,
	}
}

// Validate runs struct-tag validation across the whole configuration tree.
func (c *Configuration) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ClampMsgRateIn clamps a raw msgRateIn sample to the fixed bounds before it
// is fed into the exponential smoother.
func ClampMsgRateIn(v float64) float64 { return clamp(v, MinMsgRateIn, MaxMsgRateIn) }

// ClampMsgRateOut clamps a raw msgRateOut sample.
func ClampMsgRateOut(v float64) float64 { return clamp(v, MinMsgRateOut, MaxMsgRateOut) }

// ClampBandwidthIn clamps a raw bandwidthIn sample.
func ClampBandwidthIn(v float64) float64 { return clamp(v, MinBandwidthIn, MaxBandwidthIn) }

// ClampBandwidthOut clamps a raw bandwidthOut sample.
func ClampBandwidthOut(v float64) float64 { return clamp(v, MinBandwidthOut, MaxBandwidthOut) }

// ClampMemory clamps a raw memory sample.
func ClampMemory(v float64) float64 { return clamp(v, MinMemory, MaxMemory) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
