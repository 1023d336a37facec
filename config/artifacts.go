package config

const (
	// DefaultVerificationKeyName names the withdrawal circuit verification
	// key artifact in logs and in the cache.
	DefaultVerificationKeyName = "withdraw_verification_key.json"
	// DefaultVerificationKeyPath is used when neither a path nor a remote
	// URL is configured.
	DefaultVerificationKeyPath = "circuits/" + DefaultVerificationKeyName
)
