package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/session"
)

// CallStateProvider exposes the controller's published state.
type CallStateProvider interface {
	Snapshot() call.Snapshot
}

// SessionStatusProvider exposes the session service's state.
type SessionStatusProvider interface {
	Status() session.Status
}

// DroppedCounter reports provider events discarded before the controller
// was bound.
type DroppedCounter interface {
	Dropped() uint64
}

// CallDirectionCounter returns call log counts grouped by direction.
type CallDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// DeliveryStats is implemented by the notification surface and the history
// writer.
type DeliveryStats interface {
	Stats() (delivered, failed, dropped uint64)
}

// RegistrationProvider reports whether the SIP account is registered.
type RegistrationProvider interface {
	Registered() bool
}

// Providers groups the collector's sources. Any may be nil if unavailable.
type Providers struct {
	Calls         CallStateProvider
	Session       SessionStatusProvider
	Bridge        DroppedCounter
	CallLog       CallDirectionCounter
	Notifications DeliveryStats
	History       DeliveryStats
	Registration  RegistrationProvider
}

var (
	callStates    = []call.CallState{call.StateIdle, call.StateDialing, call.StateRinging, call.StateActive, call.StateDisconnected}
	sessionStates = []session.State{session.StateIdle, session.StateStarting, session.StateRingingAlert, session.StateLive, session.StateStopped}
	audioRoutes   = []call.Route{call.RouteEarpiece, call.RouteSpeaker, call.RouteBluetooth, call.RouteWiredHeadset}
)

// Collector is a prometheus.Collector that gathers FlowPhone metrics at scrape time.
type Collector struct {
	p         Providers
	startTime time.Time

	// Metric descriptors.
	callStateDesc      *prometheus.Desc
	callOnHoldDesc     *prometheus.Desc
	audioRouteDesc     *prometheus.Desc
	mutedDesc          *prometheus.Desc
	sessionStateDesc   *prometheus.Desc
	sessionSilenceDesc *prometheus.Desc
	bridgeDroppedDesc  *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	notificationsDesc  *prometheus.Desc
	historyDesc        *prometheus.Desc
	registeredDesc     *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,

		callStateDesc: prometheus.NewDesc(
			"flowphone_call_state",
			"Current call state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		callOnHoldDesc: prometheus.NewDesc(
			"flowphone_call_on_hold",
			"Whether the active call is on hold",
			nil, nil,
		),
		audioRouteDesc: prometheus.NewDesc(
			"flowphone_audio_route",
			"Current audio route (1 for the selected route, 0 otherwise)",
			[]string{"route"}, nil,
		),
		mutedDesc: prometheus.NewDesc(
			"flowphone_microphone_muted",
			"Whether the microphone is muted",
			nil, nil,
		),
		sessionStateDesc: prometheus.NewDesc(
			"flowphone_session_state",
			"Current call session state (1 for the active state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		sessionSilenceDesc: prometheus.NewDesc(
			"flowphone_session_silenced",
			"Whether the ringing alert has been silenced",
			nil, nil,
		),
		bridgeDroppedDesc: prometheus.NewDesc(
			"flowphone_bridge_dropped_events_total",
			"Provider events dropped before the call controller was bound",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"flowphone_calls_total",
			"Total number of logged calls (from the call log)",
			[]string{"direction"}, nil,
		),
		notificationsDesc: prometheus.NewDesc(
			"flowphone_notifications_total",
			"Notification operations by outcome",
			[]string{"outcome"}, nil,
		),
		historyDesc: prometheus.NewDesc(
			"flowphone_history_writes_total",
			"Call log writes by outcome",
			[]string{"outcome"}, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"flowphone_sip_registered",
			"SIP account registration status (1=registered, 0=other)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowphone_uptime_seconds",
			"Seconds since the FlowPhone process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callStateDesc
	ch <- c.callOnHoldDesc
	ch <- c.audioRouteDesc
	ch <- c.mutedDesc
	ch <- c.sessionStateDesc
	ch <- c.sessionSilenceDesc
	ch <- c.bridgeDroppedDesc
	ch <- c.callsTotalDesc
	ch <- c.notificationsDesc
	ch <- c.historyDesc
	ch <- c.registeredDesc
	ch <- c.uptimeDesc
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.p.Calls != nil {
		snap := c.p.Calls.Snapshot()
		observed := snap.State.Observable()
		for _, s := range callStates {
			ch <- prometheus.MustNewConstMetric(
				c.callStateDesc, prometheus.GaugeValue,
				boolValue(observed == s), s.String(),
			)
		}
		onHold := snap.Record != nil && snap.Record.OnHold
		ch <- prometheus.MustNewConstMetric(c.callOnHoldDesc, prometheus.GaugeValue, boolValue(onHold))
		for _, r := range audioRoutes {
			ch <- prometheus.MustNewConstMetric(
				c.audioRouteDesc, prometheus.GaugeValue,
				boolValue(snap.Audio.Current == r), r.String(),
			)
		}
		ch <- prometheus.MustNewConstMetric(c.mutedDesc, prometheus.GaugeValue, boolValue(snap.Audio.Muted))
	}

	if c.p.Session != nil {
		st := c.p.Session.Status()
		for _, s := range sessionStates {
			ch <- prometheus.MustNewConstMetric(
				c.sessionStateDesc, prometheus.GaugeValue,
				boolValue(st.State == s), s.String(),
			)
		}
		ch <- prometheus.MustNewConstMetric(c.sessionSilenceDesc, prometheus.GaugeValue, boolValue(st.Silenced))
	}

	if c.p.Bridge != nil {
		ch <- prometheus.MustNewConstMetric(
			c.bridgeDroppedDesc, prometheus.CounterValue,
			float64(c.p.Bridge.Dropped()),
		)
	}

	// Call volume counters by direction.
	if c.p.CallLog != nil {
		counts, err := c.p.CallLog.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by direction", "error", err)
		} else {
			for _, dir := range []call.Direction{call.DirectionIncoming, call.DirectionOutgoing} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[string(dir)]), string(dir),
				)
			}
		}
	}

	c.collectDelivery(ch, c.notificationsDesc, c.p.Notifications)
	c.collectDelivery(ch, c.historyDesc, c.p.History)

	if c.p.Registration != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registeredDesc, prometheus.GaugeValue,
			boolValue(c.p.Registration.Registered()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func (c *Collector) collectDelivery(ch chan<- prometheus.Metric, desc *prometheus.Desc, src DeliveryStats) {
	if src == nil {
		return
	}
	delivered, failed, dropped := src.Stats()
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(delivered), "delivered")
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(failed), "failed")
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(dropped), "dropped")
}
