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

// Package manager implements the control loop that ties every other
// load-balancing component together: it schedules the periodic
// load-report write-back, reacts to coordination-store change events by
// re-running the quota estimator and ranking engine, and, on the leader
// only, drives shedding, splitting and the quota write-back to the
// coordination store.
package manager

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	atomicu "go.uber.org/atomic"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kubewharf/brokerlb-core/pkg/config"
	"github.com/kubewharf/brokerlb-core/pkg/config/dynamic"
	"github.com/kubewharf/brokerlb-core/pkg/loadbalance/types"
	"github.com/kubewharf/brokerlb-core/pkg/metrics"
	"github.com/kubewharf/brokerlb-core/pkg/ownership"
	"github.com/kubewharf/brokerlb-core/pkg/placement"
	"github.com/kubewharf/brokerlb-core/pkg/quota"
	"github.com/kubewharf/brokerlb-core/pkg/ranking"
	"github.com/kubewharf/brokerlb-core/pkg/shedding"
	"github.com/kubewharf/brokerlb-core/pkg/splitting"
	"github.com/kubewharf/brokerlb-core/pkg/store"
	"github.com/kubewharf/brokerlb-core/pkg/util/asyncworker"
	"github.com/kubewharf/brokerlb-core/pkg/util/general"
)

// Health check names registered with general's process-wide healthz map,
// one per scheduled task plus the ownership session.
const (
	healthzReportWriter     = "report-writer"
	healthzRankUpdater      = "rank-updater"
	healthzQuotaWriter      = "quota-writer"
	healthzOwnershipSession = "ownership-session"

	healthzTimeout          = 2 * time.Minute
	healthzTolerationPeriod = time.Minute
)

// Coordination-store paths this package owns: broker presence nodes,
// cluster-wide settings, and the default/per-bundle quota write-back paths
// the quota-writer task maintains.
const (
	PathBrokersRoot          = "/loadbalance/brokers"
	PathSettingsStrategy     = "/loadbalance/settings/strategy"
	PathSettingsCPUFactor    = "/loadbalance/settings/load_factor_cpu"
	PathSettingsMemFactor    = "/loadbalance/settings/load_factor_mem"
	PathSettingsOverload     = "/loadbalance/settings/overload_threshold"
	PathSettingsUnderload    = "/loadbalance/settings/underload_threshold"
	PathSettingsComfort      = "/loadbalance/settings/comfort_load_threshold"
	PathSettingsAutoSplit    = "/loadbalance/settings/auto_bundle_split_enabled"
	PathSettingsDefaultQuota = "/loadbalance/settings/default_bundle_quota"
	PathSettingsIsolation    = "/loadbalance/settings/isolation_policies"
	PathQuotaBundlePrefix    = "/loadbalance/quotas/"

	// LoadReportUpdateMinInterval is the floor below which the report
	// writer never runs, regardless of how stale the published report is.
	LoadReportUpdateMinInterval = 5 * time.Second
)

// Per-broker gauges republished after every ranking pass.
const (
	metricLoadRank             = "brk_lb_load_rank"
	metricQuotaPctCPU          = "brk_lb_quota_pct_cpu"
	metricQuotaPctMemory       = "brk_lb_quota_pct_memory"
	metricQuotaPctBandwidthIn  = "brk_lb_quota_pct_bandwidth_in"
	metricQuotaPctBandwidthOut = "brk_lb_quota_pct_bandwidth_out"
)

// LeaderFunc reports whether this replica is currently the elected leader.
// Leader election itself is an external collaborator; the manager only
// needs the boolean.
type LeaderFunc func() bool

// SelfReportFunc produces this broker's current system usage and
// per-bundle stats, sourced from the host probe and the ownership cache.
// BrokerName and TimestampMillis are filled in by the manager.
type SelfReportFunc func() types.LoadReport

// LoadManager is the control loop. One instance runs per broker replica;
// currentLoadReports and the ranking engine's published snapshot are the
// two pieces of state every other component reads, and both are mutated
// only inside doRankUpdate so a ranking pass always observes a quota
// snapshot consistent with the reports it ranked.
type LoadManager struct {
	cfg        *config.Configuration
	coord      store.CoordinationStore
	brokerName string
	isLeader   LeaderFunc
	selfReport SelfReportFunc

	estimator     *quota.Estimator
	rankingEngine *ranking.Engine
	shedder       *shedding.Shedder
	splitter      *splitting.Splitter
	strategy      string
	metrics       metrics.MetricEmitter
	// clusterMetrics is the same emitter without the self-broker tag, used
	// for the per-broker rank/quota gauges that carry their own broker tag.
	clusterMetrics metrics.MetricEmitter

	// placementEngine and ownershipCache are optional: a manager used only
	// to rank and report (e.g. the rankings CLI) never sets them. AssignOwner
	// returns an error when placementEngine is nil.
	placementEngine *placement.Engine
	ownershipCache  *ownership.Cache
	configWatcher   *dynamic.Watcher

	workers *asyncworker.AsyncWorkers

	mu                 sync.Mutex
	currentLoadReports types.ReportSet
	lastLoadReport     *types.LoadReport
	lastWriteTimestamp int64

	forceUpdate    atomicu.Bool
	avgHeapUsageMB atomicu.Float64

	quotaState struct {
		mu           sync.Mutex
		cpuFactor    float64
		memFactor    float64
		defaultQuota types.ResourceQuota
		perBundle    map[types.ServiceUnitID]types.ResourceQuota
	}
}

// New returns a LoadManager. Its ranking strategy is taken from
// cfg.Placement.Strategy, translated to the ranking package's strategy
// constants. emitter may be metrics.DummyMetricEmitter{} when the
// caller doesn't need observability gauges (e.g. most tests).
func New(
	cfg *config.Configuration,
	coord store.CoordinationStore,
	brokerName string,
	isLeader LeaderFunc,
	selfReport SelfReportFunc,
	estimator *quota.Estimator,
	rankingEngine *ranking.Engine,
	shedder *shedding.Shedder,
	splitter *splitting.Splitter,
	emitter metrics.MetricEmitter,
) *LoadManager {
	if emitter == nil {
		emitter = metrics.DummyMetricEmitter{}
	}
	lm := &LoadManager{
		cfg:            cfg,
		coord:          coord,
		brokerName:     brokerName,
		isLeader:       isLeader,
		selfReport:     selfReport,
		estimator:      estimator,
		rankingEngine:  rankingEngine,
		shedder:        shedder,
		splitter:       splitter,
		strategy:       strategyName(cfg.Placement.Strategy),
		metrics:        emitter.WithTags(metrics.MetricTag{Key: "broker", Val: brokerName}),
		clusterMetrics: emitter,
		workers:        asyncworker.NewAsyncWorkers("manager"),
	}
	lm.quotaState.perBundle = make(map[types.ServiceUnitID]types.ResourceQuota)

	general.RegisterHeartbeatCheck(healthzReportWriter, healthzTimeout, general.HealthzCheckStateNotReady, healthzTolerationPeriod)
	general.RegisterHeartbeatCheck(healthzRankUpdater, healthzTimeout, general.HealthzCheckStateNotReady, healthzTolerationPeriod)
	general.RegisterHeartbeatCheck(healthzQuotaWriter, healthzTimeout, general.HealthzCheckStateNotReady, healthzTolerationPeriod)
	general.RegisterHeartbeatCheck(healthzOwnershipSession, healthzTimeout, general.HealthzCheckStateNotReady, healthzTolerationPeriod)

	return lm
}

// SetPlacement wires a placement engine into the manager so AssignOwner can
// decide ownership for new service units. Optional: a manager that only
// ranks and reports (e.g. the rankings CLI) never calls this.
func (lm *LoadManager) SetPlacement(engine *placement.Engine) {
	lm.placementEngine = engine
}

// SetOwnership wires this broker's ownership cache into the manager, so
// AssignOwner can acquire bundles assigned to this broker and the report
// writer can fold locally-owned bundles into the published LoadReport.
func (lm *LoadManager) SetOwnership(cache *ownership.Cache) {
	lm.ownershipCache = cache
	_ = general.UpdateHealthzStateByError(healthzOwnershipSession, nil)
}

// SetConfigWatcher wires a dynamic config watcher in; applyDynamicConfig
// mirrors its Shedding/Splitting/Placement overrides onto the shared
// *config.Configuration every tick, so the shedder, splitter and placement
// engine - which all hold the same pointer - observe the change without a
// restart.
func (lm *LoadManager) SetConfigWatcher(w *dynamic.Watcher) {
	lm.configWatcher = w
}

// applyDynamicConfig mirrors the current dynamic overrides onto the shared
// configuration pointer. A no-op when no watcher is configured.
func (lm *LoadManager) applyDynamicConfig() {
	if lm.configWatcher == nil {
		return
	}
	current := lm.configWatcher.Current()
	lm.cfg.Shedding = current.Shedding
	lm.cfg.Splitting = current.Splitting
	lm.cfg.Placement = current.Placement
}

// AssignOwner decides which broker should own bundle via the placement
// engine, then - if this broker was chosen - acquires it through the
// ownership cache. A bundle already owned by a peer resolves with that
// peer's info instead of an error, matching TryAcquire's own semantics.
func (lm *LoadManager) AssignOwner(ctx context.Context, bundle types.ServiceUnitID) (types.EphemeralOwnerInfo, error) {
	if lm.placementEngine == nil {
		return types.EphemeralOwnerInfo{}, errors.New("manager: no placement engine configured")
	}

	broker, err := lm.placementEngine.Assign(bundle)
	if err != nil {
		return types.EphemeralOwnerInfo{}, errors.Wrapf(err, "manager: assign owner for %s", bundle)
	}

	if lm.ownershipCache == nil {
		return types.EphemeralOwnerInfo{OwnerBrokerURL: broker}, nil
	}
	if broker != lm.brokerName {
		return lm.ownershipCache.GetOwner(ctx, bundle)
	}

	info, err := lm.ownershipCache.TryAcquire(ctx, bundle)
	if err != nil {
		general.ErrorS(err, "manager: failed to acquire assigned bundle", "bundle", bundle, "broker", broker)
	}
	return info, err
}

func strategyName(configured string) string {
	if configured == "weightedRandom" {
		return ranking.StrategyWeightedRandomSelection
	}
	return ranking.StrategyLeastLoadedServer
}

// Start registers this broker's presence node. A failure here is fatal:
// the controller must not run without its own ephemeral node backing its
// LoadReport.
func (lm *LoadManager) Start(ctx context.Context) error {
	lm.seedLoadFactors(ctx)

	report := lm.buildReport()
	data, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "manager: marshal initial load report")
	}

	path := PathBrokersRoot + "/" + lm.brokerName
	result, err := lm.coord.CreateEphemeral(ctx, path, data)
	if err != nil {
		return errors.Wrapf(err, "manager: fatal: failed to register broker presence at %s", path)
	}
	if !result.Created {
		return errors.Errorf("manager: fatal: broker presence path %s is already occupied", path)
	}

	lm.mu.Lock()
	lm.lastLoadReport = &report
	lm.lastWriteTimestamp = report.TimestampMillis
	lm.mu.Unlock()

	general.InfoS("manager: registered broker presence", "broker", lm.brokerName)
	return nil
}

// seedLoadFactors reads back the cpu/memory load factors a previous
// leader persisted, so a restarted controller resumes smoothing from
// where the cluster left off instead of the configured defaults.
func (lm *LoadManager) seedLoadFactors(ctx context.Context) {
	cpu := lm.estimator.CPULoadFactor()
	mem := lm.estimator.MemoryLoadFactor()

	var cpuPayload struct {
		LoadFactorCPU float64 `json:"loadFactorCPU"`
	}
	var memPayload struct {
		LoadFactorMemory float64 `json:"loadFactorMemory"`
	}
	seeded := false
	if lm.readSettingJSON(ctx, PathSettingsCPUFactor, &cpuPayload) && cpuPayload.LoadFactorCPU > 0 {
		cpu = cpuPayload.LoadFactorCPU
		seeded = true
	}
	if lm.readSettingJSON(ctx, PathSettingsMemFactor, &memPayload) && memPayload.LoadFactorMemory > 0 {
		mem = memPayload.LoadFactorMemory
		seeded = true
	}
	if seeded {
		lm.estimator.SetLoadFactors(cpu, mem)
		general.InfoS("manager: seeded load factors from coordination store", "cpuFactor", cpu, "memFactor", mem)
	}
}

// Run launches the watch subscription and the scheduled tasks: the
// report writer, the leader tick, and the rank updater's polling
// fallback. The poller matters beyond the first pass: the children watch
// only fires on broker arrival and departure, so load-report rewrites to
// an existing presence node are only observed on this cadence.
func (lm *LoadManager) Run(ctx context.Context) {
	go lm.watchBrokers(ctx)
	go wait.UntilWithContext(ctx, func(context.Context) { lm.triggerRankUpdate() },
		time.Duration(lm.cfg.RankUpdateIntervalSeconds)*time.Second)
	go wait.UntilWithContext(ctx, lm.reportWriterTick, LoadReportUpdateMinInterval)
	go wait.UntilWithContext(ctx, lm.leaderTick, time.Duration(lm.cfg.ResourceQuotaUpdateIntervalSeconds)*time.Second)
}

// ForceUpdate requests the next report-writer tick to publish
// unconditionally, used by the bundle splitter after it requests a split.
func (lm *LoadManager) ForceUpdate() {
	lm.forceUpdate.Store(true)
}

// SetAvgHeapUsageMB records a diagnostic JVM/runtime heap figure the host
// probe reports; the control loop never reads this back, it exists only to
// be surfaced by operator tooling.
func (lm *LoadManager) SetAvgHeapUsageMB(mb float64) {
	lm.avgHeapUsageMB.Store(mb)
}

// CurrentReports returns the most recently loaded ReportSet.
func (lm *LoadManager) CurrentReports() types.ReportSet {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLoadReports
}

// watchBrokers subscribes to coordination-store changes under
// PathBrokersRoot and enqueues a rank-update for each one. Coalescing is
// handled by AsyncWorkers: a burst of watch events collapses into at most
// one additional rank-update run beyond whichever is already in flight.
func (lm *LoadManager) watchBrokers(ctx context.Context) {
	ch, err := lm.coord.WatchChildren(ctx, PathBrokersRoot)
	if err != nil {
		general.ErrorS(err, "manager: failed to watch brokers root, rank updates will only run on the polling fallback")
		return
	}
	for range ch {
		lm.triggerRankUpdate()
	}
}

func (lm *LoadManager) triggerRankUpdate() {
	work := &asyncworker.Work{
		Fn: func(ctx context.Context, _ ...interface{}) error {
			return lm.doRankUpdate(ctx)
		},
		DeliveredAt: time.Now(),
	}
	if err := lm.workers.AddWork("rank-update", work); err != nil {
		general.ErrorS(err, "manager: failed to submit rank-update")
	}
}

// doRankUpdate reloads every broker's published report and runs the quota
// estimator then the ranking engine under the same critical section, so a
// ranking pass never observes a quota snapshot the reports it ranked
// against hadn't produced.
func (lm *LoadManager) doRankUpdate(ctx context.Context) error {
	lm.refreshSettings(ctx)

	reports, err := lm.loadReports(ctx)
	if err != nil {
		_ = general.UpdateHealthzStateByError(healthzRankUpdater, err)
		return err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.currentLoadReports = reports
	prior := lm.rankingEngine.Current()
	lm.estimator.Update(reports)
	idx := lm.rankingEngine.Update(prior, reports, lm.estimator.AvgBundleQuota(), lm.strategy)

	_ = lm.metrics.StoreInt64("brokers_ranked", int64(len(reports)), metrics.MetricTypeNameGauge)
	_ = lm.metrics.StoreFloat64("cpu_load_factor", lm.estimator.CPULoadFactor(), metrics.MetricTypeNameGauge)
	_ = lm.metrics.StoreFloat64("memory_load_factor", lm.estimator.MemoryLoadFactor(), metrics.MetricTypeNameGauge)
	lm.emitRankMetrics(idx)
	_ = general.UpdateHealthzStateByError(healthzRankUpdater, nil)
	return nil
}

// emitRankMetrics republishes every broker's final rank and per-resource
// quota pressure after a ranking pass.
func (lm *LoadManager) emitRankMetrics(idx *ranking.Index) {
	cpuFactor := lm.estimator.CPULoadFactor()
	memFactor := lm.estimator.MemoryLoadFactor()

	for broker, snap := range idx.ByBroker {
		tag := metrics.MetricTag{Key: "broker", Val: broker}
		r := snap.Ranking
		_ = lm.clusterMetrics.StoreInt64(metricLoadRank, snap.FinalRank, metrics.MetricTypeNameGauge, tag)
		_ = lm.clusterMetrics.StoreFloat64(metricQuotaPctCPU, r.QuotaPercent(types.ResourceCPU, cpuFactor, memFactor), metrics.MetricTypeNameGauge, tag)
		_ = lm.clusterMetrics.StoreFloat64(metricQuotaPctMemory, r.QuotaPercent(types.ResourceMemory, cpuFactor, memFactor), metrics.MetricTypeNameGauge, tag)
		_ = lm.clusterMetrics.StoreFloat64(metricQuotaPctBandwidthIn, r.QuotaPercent(types.ResourceBandwidthIn, cpuFactor, memFactor), metrics.MetricTypeNameGauge, tag)
		_ = lm.clusterMetrics.StoreFloat64(metricQuotaPctBandwidthOut, r.QuotaPercent(types.ResourceBandwidthOut, cpuFactor, memFactor), metrics.MetricTypeNameGauge, tag)
	}
}

// settingsStrategy is the JSON payload stored at PathSettingsStrategy.
type settingsStrategy struct {
	LoadBalancerStrategy string `json:"loadBalancerStrategy"`
}

// refreshSettings pulls the cluster-wide dynamic settings from the
// coordination store before a ranking pass, so an operator writing a
// settings node reconfigures every replica without a restart. A missing
// node leaves the current value in place.
func (lm *LoadManager) refreshSettings(ctx context.Context) {
	var strat settingsStrategy
	if lm.readSettingJSON(ctx, PathSettingsStrategy, &strat) && strat.LoadBalancerStrategy != "" {
		lm.mu.Lock()
		lm.strategy = strat.LoadBalancerStrategy
		lm.mu.Unlock()
	}

	var pct float64
	if lm.readSettingJSON(ctx, PathSettingsOverload, &pct) {
		lm.cfg.Placement.OverloadThresholdPercent = pct
		lm.cfg.Shedding.OverloadThresholdPercent = pct
	}
	if lm.readSettingJSON(ctx, PathSettingsUnderload, &pct) {
		lm.cfg.Shedding.UnderloadThresholdPercent = pct
	}
	if lm.readSettingJSON(ctx, PathSettingsComfort, &pct) {
		lm.cfg.Shedding.ComfortLoadThresholdPercent = pct
	}

	var autoSplit bool
	if lm.readSettingJSON(ctx, PathSettingsAutoSplit, &autoSplit) {
		lm.cfg.Splitting.Enabled = autoSplit
	}
}

// readSettingJSON reads path and decodes it into v, returning whether v
// now holds a value. Absent nodes are not an error; malformed ones are
// logged and skipped.
func (lm *LoadManager) readSettingJSON(ctx context.Context, path string, v interface{}) bool {
	data, err := lm.coord.GetData(ctx, path)
	if err != nil {
		if err != store.ErrNotFound {
			general.Warningf("manager: failed to read setting %s: %v", path, err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		general.Warningf("manager: malformed setting at %s: %v", path, err)
		return false
	}
	return true
}

// loadReports lists every broker currently registered and reads its
// LoadReport. A broker whose node vanished between list and read (NoNode)
// is silently dropped from this pass; a malformed report is
// skipped so the rest of the cluster still ranks. Per-broker read/decode
// failures are collected rather than aborting the pass, then logged as one
// aggregate warning; they are not returned to the caller. The returned
// error is non-nil only when listing the brokers fails.
func (lm *LoadManager) loadReports(ctx context.Context) (types.ReportSet, error) {
	children, err := lm.coord.GetChildren(ctx, PathBrokersRoot)
	if err != nil {
		return nil, errors.Wrap(err, "manager: list brokers")
	}

	var errList []error
	reports := make(types.ReportSet, len(children))
	for _, child := range children {
		data, err := lm.coord.GetData(ctx, PathBrokersRoot+"/"+child)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			errList = append(errList, errors.Wrapf(err, "manager: read report for %s", child))
			continue
		}

		var report types.LoadReport
		if err := json.Unmarshal(data, &report); err != nil {
			errList = append(errList, errors.Wrapf(err, "manager: decode report for %s", child))
			continue
		}
		reports[child] = &report
	}

	if agg := utilerrors.NewAggregate(errList); agg != nil {
		general.Warningf("manager: dropped %d broker report(s) this pass: %v", len(errList), agg)
	}
	return reports, nil
}

// reportWriterTick runs at LoadReportUpdateMinInterval and decides whether
// this broker's published report is stale enough to rewrite.
func (lm *LoadManager) reportWriterTick(ctx context.Context) {
	lm.mu.Lock()
	last := lm.lastLoadReport
	lastWriteTS := lm.lastWriteTimestamp
	lm.mu.Unlock()

	next := lm.buildReport()
	if !lm.needsReportWrite(last, &next, lastWriteTS) {
		_ = general.UpdateHealthzStateByError(healthzReportWriter, nil)
		return
	}

	data, err := json.Marshal(next)
	if err != nil {
		general.ErrorS(err, "manager: failed to marshal load report")
		_ = general.UpdateHealthzStateByError(healthzReportWriter, err)
		return
	}

	path := PathBrokersRoot + "/" + lm.brokerName
	if err := lm.coord.SetData(ctx, path, data); err != nil {
		general.ErrorS(err, "manager: failed to write load report")
		_ = general.UpdateHealthzStateByError(healthzReportWriter, err)
		return
	}

	lm.mu.Lock()
	lm.lastLoadReport = &next
	lm.lastWriteTimestamp = next.TimestampMillis
	lm.mu.Unlock()
	lm.forceUpdate.Store(false)
	_ = general.UpdateHealthzStateByError(healthzReportWriter, nil)
}

// buildReport asks the host probe for this tick's usage and per-bundle
// stats, then folds in any bundle the ownership cache holds locally that
// the probe hasn't reported traffic for yet (e.g. one just acquired),
// so a freshly-assigned bundle is visible to ranking before its first
// traffic sample arrives.
func (lm *LoadManager) buildReport() types.LoadReport {
	report := lm.selfReport()
	report.BrokerName = lm.brokerName
	report.TimestampMillis = time.Now().UnixMilli()

	if lm.ownershipCache != nil {
		if report.BundleStats == nil {
			report.BundleStats = make(map[types.ServiceUnitID]types.NamespaceBundleStats)
		}
		for _, owned := range lm.ownershipCache.OwnedBundles() {
			if !owned.Active {
				continue
			}
			if _, ok := report.BundleStats[owned.BundleID]; !ok {
				report.BundleStats[owned.BundleID] = types.NamespaceBundleStats{}
			}
		}
	}
	return report
}

// needsReportWrite implements the five write triggers: never written,
// forced, too long since the last write, a large relative bundle-count
// swing, or a large resource-usage swing.
func (lm *LoadManager) needsReportWrite(last *types.LoadReport, next *types.LoadReport, lastWriteTS int64) bool {
	if last == nil {
		return true
	}
	if lm.forceUpdate.Load() {
		return true
	}

	maxInterval := time.Duration(lm.cfg.ReportWriter.MaxUpdateIntervalMinutes) * time.Minute
	if time.Duration(next.TimestampMillis-lastWriteTS)*time.Millisecond > maxInterval {
		return true
	}

	bundleDelta := math.Abs(float64(len(next.BundleStats) - len(last.BundleStats)))
	if lm.cfg.ReportWriter.NominalMaxBundleCapacity > 0 {
		pct := 100 * bundleDelta / lm.cfg.ReportWriter.NominalMaxBundleCapacity
		if pct > lm.cfg.ReportWriter.ThresholdPercent {
			return true
		}
	}

	_, maxChangePct := maxResourceChangePercent(last.SystemUsage, next.SystemUsage)
	return maxChangePct > lm.cfg.ReportWriter.ThresholdPercent
}

// maxResourceChangePercent returns the resource kind and percentage whose
// absolute usage delta, normalized by the current limit, is largest across
// all five resources.
func maxResourceChangePercent(old, next types.SystemResourceUsage) (types.ResourceKind, float64) {
	var bestKind types.ResourceKind
	best := 0.0
	for _, kind := range types.AllResourceKinds {
		oldUsage := old.Get(kind)
		newUsage := next.Get(kind)
		limit := newUsage.Limit
		if limit <= 0 {
			limit = oldUsage.Limit
		}
		if limit <= 0 {
			continue
		}
		pct := 100 * math.Abs(newUsage.Usage-oldUsage.Usage) / limit
		if pct > best {
			best = pct
			bestKind = kind
		}
	}
	return bestKind, best
}

// leaderTick runs shedding, splitting and the quota write-back. It is a
// no-op on any replica that isn't currently the leader.
func (lm *LoadManager) leaderTick(ctx context.Context) {
	if !lm.isLeader() {
		return
	}
	lm.applyDynamicConfig()

	reports := lm.CurrentReports()
	if len(reports) == 0 {
		return
	}

	unloaded := lm.shedder.Tick(ctx, reports)
	_ = lm.metrics.StoreInt64("bundles_unloaded", int64(len(unloaded)), metrics.MetricTypeNameCount)

	counts := splitting.NamespaceBundleCounts(reports)
	splitAny := false
	splitCount := 0
	for _, report := range reports {
		n := len(lm.splitter.Tick(ctx, report, counts))
		splitCount += n
		if n > 0 {
			splitAny = true
		}
	}
	_ = lm.metrics.StoreInt64("bundles_split", int64(splitCount), metrics.MetricTypeNameCount)
	if splitAny {
		lm.ForceUpdate()
	}

	lm.writeQuotas(ctx)
	_ = general.UpdateHealthzStateByError(healthzQuotaWriter, nil)
}

// writeQuotas implements the compare-and-write quota-writer task: each
// field is only rewritten to the coordination store once it has moved by
// more than its own MIN clamp threshold, to bound store traffic. Every
// quota node is read before it is written: an administrator who stores a
// quota with dynamic=false pins it — the estimator adopts the pinned
// value, smoothing freezes, and the node is never overwritten until the
// pin is lifted by storing dynamic=true again.
func (lm *LoadManager) writeQuotas(ctx context.Context) {
	cpuFactor := lm.estimator.CPULoadFactor()
	memFactor := lm.estimator.MemoryLoadFactor()
	defaultQuota := lm.estimator.AvgBundleQuota()

	lm.quotaState.mu.Lock()
	defer lm.quotaState.mu.Unlock()

	if math.Abs(cpuFactor-lm.quotaState.cpuFactor) > config.MinCPUFactor {
		if err := lm.writeJSON(ctx, PathSettingsCPUFactor, map[string]float64{"loadFactorCPU": cpuFactor}); err == nil {
			lm.quotaState.cpuFactor = cpuFactor
		}
	}
	if math.Abs(memFactor-lm.quotaState.memFactor) > config.MinMemFactor {
		if err := lm.writeJSON(ctx, PathSettingsMemFactor, map[string]float64{"loadFactorMemory": memFactor}); err == nil {
			lm.quotaState.memFactor = memFactor
		}
	}

	var storedDefault types.ResourceQuota
	hasStoredDefault := lm.readSettingJSON(ctx, PathSettingsDefaultQuota, &storedDefault)
	switch {
	case hasStoredDefault && !storedDefault.Dynamic:
		// pinned: adopt and leave the node alone
		lm.estimator.SetAvgBundleQuota(storedDefault)
		lm.quotaState.defaultQuota = storedDefault
	case hasStoredDefault && !defaultQuota.Dynamic:
		// pin lifted on the store side, resume smoothing from the stored value
		lm.estimator.SetAvgBundleQuota(storedDefault)
		lm.quotaState.defaultQuota = storedDefault
	case quotaChanged(lm.quotaState.defaultQuota, defaultQuota, lm.cfg.Quota.PreserveLegacyBandwidthCompare):
		if err := lm.writeJSON(ctx, PathSettingsDefaultQuota, defaultQuota); err == nil {
			lm.quotaState.defaultQuota = defaultQuota
		}
	}

	for bundleID := range lm.currentBundleIDs() {
		path := PathQuotaBundlePrefix + string(bundleID)
		var stored types.ResourceQuota
		hasStored := lm.readSettingJSON(ctx, path, &stored)
		newQuota := lm.estimator.QuotaFor(bundleID)

		switch {
		case hasStored && !stored.Dynamic:
			lm.estimator.SetBundleQuota(bundleID, stored)
			lm.quotaState.perBundle[bundleID] = stored
		case hasStored && !newQuota.Dynamic:
			lm.estimator.SetBundleQuota(bundleID, stored)
			lm.quotaState.perBundle[bundleID] = stored
		default:
			old := lm.quotaState.perBundle[bundleID]
			if !quotaChanged(old, newQuota, lm.cfg.Quota.PreserveLegacyBandwidthCompare) {
				continue
			}
			if err := lm.writeJSON(ctx, path, newQuota); err != nil {
				continue
			}
			lm.quotaState.perBundle[bundleID] = newQuota
		}
	}
}

func (lm *LoadManager) currentBundleIDs() map[types.ServiceUnitID]struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	ids := make(map[types.ServiceUnitID]struct{})
	for _, report := range lm.currentLoadReports {
		if report == nil {
			continue
		}
		for id := range report.BundleStats {
			ids[id] = struct{}{}
		}
	}
	return ids
}

func (lm *LoadManager) writeJSON(ctx context.Context, path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		general.ErrorS(err, "manager: failed to marshal quota write", "path", path)
		return err
	}
	if err := lm.coord.SetData(ctx, path, data); err != nil {
		general.ErrorS(err, "manager: failed to write quota", "path", path)
		return err
	}
	return nil
}

// quotaChanged reports whether new differs from old by more than any
// field's MIN clamp threshold.
//
// When legacyBandwidthCompare is set, the bandwidthIn delta is computed
// cross-field as newQuota.BandwidthIn - oldQuota.BandwidthOut rather than
// against oldQuota.BandwidthIn, matching an older deployment's comparison.
// The same-field comparison is the default; the legacy behavior exists
// only so a cluster mid-migration from the old comparison can match it.
func quotaChanged(old, next types.ResourceQuota, legacyBandwidthCompare bool) bool {
	if math.Abs(next.MsgRateIn-old.MsgRateIn) > config.MinMsgRateIn {
		return true
	}
	if math.Abs(next.MsgRateOut-old.MsgRateOut) > config.MinMsgRateOut {
		return true
	}

	bandwidthInDelta := next.BandwidthIn - old.BandwidthIn
	if legacyBandwidthCompare {
		bandwidthInDelta = next.BandwidthIn - old.BandwidthOut
	}
	if math.Abs(bandwidthInDelta) > config.MinBandwidthIn {
		return true
	}
	if math.Abs(next.BandwidthOut-old.BandwidthOut) > config.MinBandwidthOut {
		return true
	}
	if math.Abs(next.Memory-old.Memory) > config.MinMemory {
		return true
	}
	return false
}
