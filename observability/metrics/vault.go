package metrics

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetrics tracks capital flows and harvest outcomes of the LP vault.
type VaultMetrics struct {
	deposits       *prometheus.CounterVec
	harvests       *prometheus.CounterVec
	swapOutput     *prometheus.CounterVec
	keeperFees     prometheus.Counter
	compounded     prometheus.Counter
	pricePerShare  prometheus.Gauge
	totalSupply    prometheus.Gauge
	routeUpdates   *prometheus.CounterVec
	paused         prometheus.Gauge
	rejectedCalls  *prometheus.CounterVec
	harvestSeconds prometheus.Histogram
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

// Vault returns the process-wide vault metrics registry.
func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Name:      "flows_total",
				Help:      "Count of vault deposits and withdrawals by direction.",
			}, []string{"direction"}),
			harvests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Name:      "harvests_total",
				Help:      "Count of harvest attempts by outcome.",
			}, []string{"outcome"}),
			swapOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Name:      "swap_output_units_total",
				Help:      "Settlement asset units received from reward swaps.",
			}, []string{"asset"}),
			keeperFees: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lpvault",
				Name:      "keeper_fee_units_total",
				Help:      "Underlying units paid to keepers.",
			}),
			compounded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lpvault",
				Name:      "compounded_units_total",
				Help:      "Underlying units compounded back into the yield venue.",
			}),
			pricePerShare: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpvault",
				Name:      "price_per_share",
				Help:      "Underlying value of one whole share, in whole underlying units.",
			}),
			totalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpvault",
				Name:      "share_supply",
				Help:      "Outstanding share supply in base units.",
			}),
			routeUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Name:      "route_updates_total",
				Help:      "Route registry mutations by operation.",
			}, []string{"op"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpvault",
				Name:      "paused",
				Help:      "1 when deposits and withdrawals are paused.",
			}),
			rejectedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Name:      "rejected_calls_total",
				Help:      "Entry point calls rejected by reason class.",
			}, []string{"entry", "reason"}),
			harvestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lpvault",
				Name:      "harvest_duration_seconds",
				Help:      "Wall-clock duration of harvest calls.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.deposits,
			vaultRegistry.harvests,
			vaultRegistry.swapOutput,
			vaultRegistry.keeperFees,
			vaultRegistry.compounded,
			vaultRegistry.pricePerShare,
			vaultRegistry.totalSupply,
			vaultRegistry.routeUpdates,
			vaultRegistry.paused,
			vaultRegistry.rejectedCalls,
			vaultRegistry.harvestSeconds,
		)
	})
	return vaultRegistry
}

func (m *VaultMetrics) ObserveFlow(direction string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(normalizeLabel(direction)).Inc()
}

func (m *VaultMetrics) ObserveHarvest(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.harvests.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.harvestSeconds.Observe(seconds)
}

func (m *VaultMetrics) AddSwapOutput(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.swapOutput.WithLabelValues(normalizeLabel(asset)).Add(toFloat(amount))
}

func (m *VaultMetrics) AddKeeperFee(amount *big.Int) {
	if m == nil {
		return
	}
	m.keeperFees.Add(toFloat(amount))
}

func (m *VaultMetrics) AddCompounded(amount *big.Int) {
	if m == nil {
		return
	}
	m.compounded.Add(toFloat(amount))
}

// SetPricePerShare records the share price; scaled is divided by 10^decimals.
func (m *VaultMetrics) SetPricePerShare(scaled *big.Int, decimals uint8) {
	if m == nil || scaled == nil {
		return
	}
	unit := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(scaled), unit).Float64()
	m.pricePerShare.Set(value)
}

func (m *VaultMetrics) SetTotalSupply(supply *big.Int) {
	if m == nil {
		return
	}
	m.totalSupply.Set(toFloat(supply))
}

func (m *VaultMetrics) ObserveRouteUpdate(op string) {
	if m == nil {
		return
	}
	m.routeUpdates.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *VaultMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func (m *VaultMetrics) ObserveRejected(entry, reason string) {
	if m == nil {
		return
	}
	m.rejectedCalls.WithLabelValues(normalizeLabel(entry), normalizeLabel(reason)).Inc()
}

// HarvestCounter exposes the harvest counter for assertions.
func (m *VaultMetrics) HarvestCounter() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.harvests
}

// RouteUpdateCounter exposes the route mutation counter for assertions.
func (m *VaultMetrics) RouteUpdateCounter() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.routeUpdates
}

// HarvestDuration exposes the harvest latency histogram for assertions.
func (m *VaultMetrics) HarvestDuration() prometheus.Histogram {
	if m == nil {
		return nil
	}
	return m.harvestSeconds
}

// RejectedCounter exposes the rejection counter for assertions.
func (m *VaultMetrics) RejectedCounter() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.rejectedCalls
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
