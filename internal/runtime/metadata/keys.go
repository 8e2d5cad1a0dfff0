package metadata

// Header names understood by the runtime. Producers on transports without
// native partition offsets set the position headers themselves.
const (
	KeyCorrelationID   = "correlation_id"
	KeyResponseChannel = "replyflow_response_channel"
	KeyPartition       = "replyflow_partition"
	KeyOffset          = "replyflow_offset"
	KeyKey             = "replyflow_key"
	KeyAddress         = "replyflow_address"
)
