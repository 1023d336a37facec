package api

const (
	// PingEndpoint is the endpoint for checking the API status
	PingEndpoint = "/ping"
	// MetricsEndpoint serves the prometheus collectors
	MetricsEndpoint = "/metrics"
	// RootEndpoint returns the current root of the commitment tree
	RootEndpoint = "/root"
	// ProofEndpoint returns the inclusion proof of a commitment
	CommitmentURLParam = "commitment"
	ProofEndpoint      = "/proof/{" + CommitmentURLParam + "}"
	// WithdrawEndpoint is the endpoint for submitting a withdrawal
	WithdrawEndpoint = "/withdraw"
	// DepositEventEndpoint appends a deposit without waiting for the
	// indexer. It is only reachable from localhost.
	DepositEventEndpoint = "/deposit-event"
	// StatsEndpoint returns the relayer status
	StatsEndpoint = "/stats"
)
