package envelope

// Metadata keys set on every outgoing message.
const (
	MetadataCorrelationID = "correlation_id"
	MetadataEventKind     = "event_kind"
	MetadataPartitionKey  = "partition_key"
	MetadataContentType   = "content_type"
)

// ContentTypeJSON is the content type of encoded envelopes.
const ContentTypeJSON = "application/json"
