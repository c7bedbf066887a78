package resputil

type ErrorCode int

const (
	OK ErrorCode = 0

	// General
	InvalidRequest ErrorCode = 40001

	// Uploaded bytes do not hash to the declared md5
	IntegrityMismatch ErrorCode = 40002

	NotFound ErrorCode = 40401

	// The server could not persist the request
	StorageFailure ErrorCode = 50001

	// Indicates laziness of the developer
	// Frontend will directly print the message without any translation
	NotSpecified ErrorCode = 99999
)
