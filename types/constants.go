package types

const (
	// TreeDepth is the number of levels of the commitment tree. It must match
	// the depth of the withdrawal circuit.
	TreeDepth = 20
	// FieldElementSize is the size in bytes of a serialized field element.
	FieldElementSize = 32
	// FieldElementHexLen is the length of a field element encoded as hex
	// without prefix.
	FieldElementHexLen = 2 * FieldElementSize
	// SignatureSize is the size of a recoverable secp256k1 signature.
	SignatureSize = 65
	// MinPublicSignals is the minimum number of public signals of a
	// withdrawal proof: root, nullifier hash and recipient.
	MinPublicSignals = 3
)
