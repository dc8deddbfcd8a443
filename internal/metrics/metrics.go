package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/confocus/confocus/internal/bridge"
	"github.com/confocus/confocus/internal/conference"
	"github.com/confocus/confocus/internal/worker"
)

// ConferenceProvider exposes the live conference set.
type ConferenceProvider interface {
	Conferences() []*conference.Conference
	ShuttingDown() bool
	AllocationFailures() int64
}

// BridgeProvider exposes the bridge registry.
type BridgeProvider interface {
	All() []bridge.Bridge
	OperationalCount() int
	LostCount() int64
}

// SessionCounter exposes the live worker session count and the
// lifetime outcome counters.
type SessionCounter interface {
	Count() int
	Stats() worker.SessionStats
}

// AuthProvider returns the number of open authentication sessions.
type AuthProvider interface {
	SessionCount() int
}

// DialStatsProvider exposes the dial-out counters.
type DialStatsProvider interface {
	Stats() worker.DialStats
}

// Collector is a prometheus.Collector that gathers focus metrics at scrape time.
type Collector struct {
	conferences ConferenceProvider
	bridges     BridgeProvider
	pools       map[string]*worker.Pool
	recording   SessionCounter
	auth        AuthProvider
	dial        DialStatsProvider
	startTime   time.Time

	// Metric descriptors.
	conferencesDesc   *prometheus.Desc
	participantsDesc  *prometheus.Desc
	largestDesc       *prometheus.Desc
	shuttingDownDesc  *prometheus.Desc
	allocFailedDesc   *prometheus.Desc
	bridgesDesc       *prometheus.Desc
	operationalDesc   *prometheus.Desc
	bridgesLostDesc   *prometheus.Desc
	bridgeStressDesc  *prometheus.Desc
	poolWorkersDesc   *prometheus.Desc
	poolAvailableDesc *prometheus.Desc
	recordingDesc     *prometheus.Desc
	recEventsDesc     *prometheus.Desc
	authDesc          *prometheus.Desc
	dialOutDesc       *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	conferences ConferenceProvider,
	bridges BridgeProvider,
	pools map[string]*worker.Pool,
	recording SessionCounter,
	auth AuthProvider,
	dial DialStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		conferences: conferences,
		bridges:     bridges,
		pools:       pools,
		recording:   recording,
		auth:        auth,
		dial:        dial,
		startTime:   startTime,

		conferencesDesc: prometheus.NewDesc(
			"confocus_conferences",
			"Number of conferences currently hosted",
			nil, nil,
		),
		participantsDesc: prometheus.NewDesc(
			"confocus_participants",
			"Number of participants across all conferences",
			nil, nil,
		),
		largestDesc: prometheus.NewDesc(
			"confocus_largest_conference",
			"Participant count of the largest conference",
			nil, nil,
		),
		shuttingDownDesc: prometheus.NewDesc(
			"confocus_shutting_down",
			"1 while the focus is draining for shutdown",
			nil, nil,
		),
		allocFailedDesc: prometheus.NewDesc(
			"confocus_allocation_failures_total",
			"Total failed channel allocations since the focus started",
			nil, nil,
		),
		bridgesDesc: prometheus.NewDesc(
			"confocus_bridges",
			"Number of registered videobridges",
			nil, nil,
		),
		operationalDesc: prometheus.NewDesc(
			"confocus_bridges_operational",
			"Number of bridges currently accepting conferences",
			nil, nil,
		),
		bridgesLostDesc: prometheus.NewDesc(
			"confocus_bridges_lost_total",
			"Total bridges lost since the focus started",
			nil, nil,
		),
		bridgeStressDesc: prometheus.NewDesc(
			"confocus_bridge_stress",
			"Self-reported stress level per bridge",
			[]string{"bridge", "region", "version"}, nil,
		),
		poolWorkersDesc: prometheus.NewDesc(
			"confocus_pool_workers",
			"Number of workers announced on a pool",
			[]string{"pool"}, nil,
		),
		poolAvailableDesc: prometheus.NewDesc(
			"confocus_pool_workers_available",
			"Number of idle workers on a pool",
			[]string{"pool"}, nil,
		),
		recordingDesc: prometheus.NewDesc(
			"confocus_recording_sessions",
			"Number of live recording and streaming sessions",
			nil, nil,
		),
		recEventsDesc: prometheus.NewDesc(
			"confocus_recording_events_total",
			"Recording session outcomes by event",
			[]string{"event"}, nil,
		),
		authDesc: prometheus.NewDesc(
			"confocus_auth_sessions",
			"Number of open authentication sessions",
			nil, nil,
		),
		dialOutDesc: prometheus.NewDesc(
			"confocus_dialout_events_total",
			"Dial-out outcomes by event",
			[]string{"event"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"confocus_uptime_seconds",
			"Seconds since the focus process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conferencesDesc
	ch <- c.participantsDesc
	ch <- c.largestDesc
	ch <- c.shuttingDownDesc
	ch <- c.allocFailedDesc
	ch <- c.bridgesDesc
	ch <- c.operationalDesc
	ch <- c.bridgesLostDesc
	ch <- c.bridgeStressDesc
	ch <- c.poolWorkersDesc
	ch <- c.poolAvailableDesc
	ch <- c.recordingDesc
	ch <- c.recEventsDesc
	ch <- c.authDesc
	ch <- c.dialOutDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	// Conference gauges.
	if c.conferences != nil {
		var count, participants, largest int
		for _, conf := range c.conferences.Conferences() {
			n := conf.ParticipantCount()
			count++
			participants += n
			if n > largest {
				largest = n
			}
		}
		ch <- prometheus.MustNewConstMetric(
			c.conferencesDesc, prometheus.GaugeValue, float64(count),
		)
		ch <- prometheus.MustNewConstMetric(
			c.participantsDesc, prometheus.GaugeValue, float64(participants),
		)
		ch <- prometheus.MustNewConstMetric(
			c.largestDesc, prometheus.GaugeValue, float64(largest),
		)
		draining := 0.0
		if c.conferences.ShuttingDown() {
			draining = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.shuttingDownDesc, prometheus.GaugeValue, draining,
		)
		ch <- prometheus.MustNewConstMetric(
			c.allocFailedDesc, prometheus.CounterValue,
			float64(c.conferences.AllocationFailures()),
		)
	}

	// Bridge gauges (one stress metric per bridge with identity labels).
	if c.bridges != nil {
		all := c.bridges.All()
		ch <- prometheus.MustNewConstMetric(
			c.bridgesDesc, prometheus.GaugeValue, float64(len(all)),
		)
		ch <- prometheus.MustNewConstMetric(
			c.operationalDesc, prometheus.GaugeValue,
			float64(c.bridges.OperationalCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.bridgesLostDesc, prometheus.CounterValue,
			float64(c.bridges.LostCount()),
		)
		for _, b := range all {
			ch <- prometheus.MustNewConstMetric(
				c.bridgeStressDesc, prometheus.GaugeValue, b.Stress,
				b.ID, b.Region, b.Version,
			)
		}
	}

	// Worker pool gauges.
	for name, pool := range c.pools {
		available := 0
		workers := pool.Workers()
		for _, w := range workers {
			if !w.Busy && !w.ShuttingDown() {
				available++
			}
		}
		ch <- prometheus.MustNewConstMetric(
			c.poolWorkersDesc, prometheus.GaugeValue,
			float64(len(workers)), name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.poolAvailableDesc, prometheus.GaugeValue,
			float64(available), name,
		)
	}

	// Recording session count and outcome counters.
	if c.recording != nil {
		ch <- prometheus.MustNewConstMetric(
			c.recordingDesc, prometheus.GaugeValue,
			float64(c.recording.Count()),
		)
		st := c.recording.Stats()
		for _, e := range []struct {
			event string
			value int64
		}{
			{"retry", st.Retries},
			{"failure", st.Failures},
		} {
			ch <- prometheus.MustNewConstMetric(
				c.recEventsDesc, prometheus.CounterValue,
				float64(e.value), e.event,
			)
		}
	}

	// Authentication session count.
	if c.auth != nil {
		ch <- prometheus.MustNewConstMetric(
			c.authDesc, prometheus.GaugeValue,
			float64(c.auth.SessionCount()),
		)
	}

	// Dial-out counters by event.
	if c.dial != nil {
		st := c.dial.Stats()
		for _, e := range []struct {
			event string
			value int64
		}{
			{"accepted", st.AcceptedRequests},
			{"retry", st.Retries},
			{"single_instance_error", st.SingleInstanceErrors},
			{"single_instance_timeout", st.SingleInstanceTimeouts},
		} {
			ch <- prometheus.MustNewConstMetric(
				c.dialOutDesc, prometheus.CounterValue,
				float64(e.value), e.event,
			)
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
