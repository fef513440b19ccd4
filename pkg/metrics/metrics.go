package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock acquisition latency seen by the proxy - histogram to track p50/p90/p99
	// includes grantor resolution, queueing at the grantor and retries
	// labels: service (to see which services are slow)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dlockd_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"service"},
	)

	// lock acquisition counter by outcome
	// labels: service, status (granted/denied/timeout/error)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_lock_acquire_total",
			Help: "total number of lock acquisitions",
		},
		[]string{"service", "status"},
	)

	// lock release counter - should roughly match granted acquisitions
	// labels: service, status (released/not_held/error)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_lock_release_total",
			Help: "total number of lock releases",
		},
		[]string{"service", "status"},
	)

	// tokens held at this grantor - useful for detecting lock leaks
	LocksHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlockd_locks_held",
			Help: "current number of held locks at this grantor",
		},
		[]string{"service"},
	)

	// requests parked in wait queues at this grantor
	LockWaiters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlockd_lock_waiters",
			Help: "current number of queued lock requests at this grantor",
		},
		[]string{"service"},
	)

	// lease expiration counter - spikes mean holders stopped releasing
	LeaseExpireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_lock_lease_expire_total",
			Help: "total number of lock leases that expired at the grantor",
		},
		[]string{"service"},
	)

	// epoch of the grantor this member serves as, 0 when not grantor
	GrantorEpoch = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlockd_grantor_epoch",
			Help: "epoch of the local grantor per service",
		},
		[]string{"service"},
	)

	// grantor installs performed by the elder
	// labels: op (get/become)
	GrantorElectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_grantor_elections_total",
			Help: "total number of grantors installed by the elder",
		},
		[]string{"service", "op"},
	)

	// grantor recovery latency, from install to ready
	RecoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dlockd_recovery_duration_seconds",
			Help:    "time taken by a new grantor to rebuild its lock table",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"service"},
	)

	// members that did not answer a recovery query in time
	// their locks are assumed free, a non-zero rate deserves a look
	RecoverySilentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_recovery_silent_members_total",
			Help: "total number of members that did not answer recovery",
		},
		[]string{"service"},
	)

	// locks claimed by more than one member during recovery
	RecoveryInconsistencyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_recovery_inconsistency_total",
			Help: "total number of conflicting lock claims found during recovery",
		},
		[]string{"service"},
	)

	// elder status - 1 if this member arbitrates grantors
	IsElder = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlockd_is_elder",
			Help: "whether this member is the elder (1 = elder, 0 = not)",
		},
	)

	// session join counter - members registered through the replicated view
	SessionJoinTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlockd_session_join_total",
			Help: "total number of member sessions opened",
		},
	)

	// session renewal counter - tracks heartbeat activity
	SessionRenewTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlockd_session_renew_total",
			Help: "total number of session renewals (heartbeats)",
		},
	)

	// session expiration counter - spikes indicate crashed members
	SessionExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlockd_session_expire_total",
			Help: "total number of session expirations (member failures)",
		},
	)

	// live members in the replicated view
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlockd_sessions_active",
			Help: "current number of live member sessions",
		},
	)

	// heartbeat counter - labels: status (success/failure)
	HeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_heartbeat_total",
			Help: "total number of heartbeats sent",
		},
		[]string{"status"},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlockd_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// number of servers in the raft configuration
	RaftPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlockd_raft_peers",
			Help: "number of peers in the raft cluster",
		},
	)

	// raft log index - last index applied to FSM
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlockd_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// peer rpc counter - labels: kind, code
	PeerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlockd_peer_requests_total",
			Help: "total number of peer requests served",
		},
		[]string{"kind", "code"},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlockd_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}

func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
