package metrics

const (
	ClientReqsSentH       = "The total number of requests sent"
	ClientReqsSentN       = "engclock_client_reqs_sent"
	ClientRespsAcceptedH  = "The total number of responses accepted"
	ClientRespsAcceptedN  = "engclock_client_resps_accepted"
	ClientExchangeErrorsH = "The total number of failed exchanges, by kind"
	ClientExchangeErrorsN = "engclock_client_exchange_errors"
	ClientRoundTripDelayH = "The round trip delay of accepted responses in seconds"
	ClientRoundTripDelayN = "engclock_client_round_trip_delay_seconds"

	ScreenSamplesAcceptedH = "The total number of samples accepted by the sample screen"
	ScreenSamplesAcceptedN = "engclock_screen_samples_accepted"
	ScreenSamplesRejectedH = "The total number of samples rejected by the sample screen, by reason"
	ScreenSamplesRejectedN = "engclock_screen_samples_rejected"

	EstimatorOffsetH       = "The estimated offset of the local clock from reference time in seconds"
	EstimatorOffsetN       = "engclock_estimator_offset_seconds"
	EstimatorOffsetStdDevH = "The standard deviation of the estimated offset in seconds"
	EstimatorOffsetStdDevN = "engclock_estimator_offset_stddev_seconds"
	EstimatorDriftH        = "The estimated drift of the local clock (dimensionless)"
	EstimatorDriftN        = "engclock_estimator_drift"
	EstimatorDriftStdDevH  = "The standard deviation of the estimated drift (dimensionless)"
	EstimatorDriftStdDevN  = "engclock_estimator_drift_stddev"
	EstimatorUpdatesH      = "The total number of estimator updates"
	EstimatorUpdatesN      = "engclock_estimator_updates"

	PollIntervalH        = "The current poll interval in seconds"
	PollIntervalN        = "engclock_poll_interval_seconds"
	PollServersExcludedH = "The number of servers currently excluded after repeated failures"
	PollServersExcludedN = "engclock_poll_servers_excluded"

	SyncBurstsH       = "The total number of request bursts"
	SyncBurstsN       = "engclock_sync_bursts"
	SyncBurstsFailedH = "The total number of bursts that produced no accepted sample"
	SyncBurstsFailedN = "engclock_sync_bursts_failed"

	TickerTicksFiredH   = "The total number of boundary ticks fired"
	TickerTicksFiredN   = "engclock_ticker_ticks_fired"
	TickerTicksDroppedH = "The total number of boundary ticks dropped because the display was busy"
	TickerTicksDroppedN = "engclock_ticker_ticks_dropped"
	TickerResyncsH      = "The total number of timer resynchronizations after backward time jumps"
	TickerResyncsN      = "engclock_ticker_resyncs"
	TickerLatenessH     = "The lateness of the most recent tick in seconds"
	TickerLatenessN     = "engclock_ticker_lateness_seconds"
)
