package common

const (
	// AccessTokenHeaderName carries the JWT access token in outgoing gRPC metadata.
	AccessTokenHeaderName = "access_token"

	// DeviceHeaderName carries the label of the device that issued a write,
	// so change events can be attributed and own echoes filtered out.
	DeviceHeaderName = "device"
)
