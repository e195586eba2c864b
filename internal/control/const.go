package control

import "time"

const (
	// HeartbeatInterval is T_hb: how often an Active node sends Heartbeat
	// to every peer (spec.md §4.7).
	HeartbeatInterval = 5 * time.Second

	// CacheTTL and FailureTimeout are the "fresh" and "alive" thresholds
	// of spec.md §4.6.
	CacheTTL       = 10 * time.Second
	FailureTimeout = 20 * time.Second

	// ElectionTickInterval is the periodic election trigger of spec.md
	// §4.7 ("every 15-60 s, tunable"); this project fixes it near the low
	// end of that range.
	ElectionTickInterval = 20 * time.Second

	// ElectionCollectionWindow is how long an election initiator waits
	// for ElectionOk responses before picking a winner.
	ElectionCollectionWindow = 2 * time.Second

	// ControlSendTimeout, ControlMaxRetries govern retries of
	// Election/Coordinator/HeartbeatAck sends (spec.md §4.7 "Retries").
	ControlSendTimeout = 2 * time.Second
	ControlMaxRetries  = 3

	// HysteresisMargin is the relative margin within which the balancer
	// keeps its previous pick instead of switching to a marginally
	// better candidate (spec.md §4.7 step 3).
	HysteresisMargin = 0.20
)
