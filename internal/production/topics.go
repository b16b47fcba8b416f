package production

const (
	TopicOrderLineCreated = "order.line.created"
	TopicStageAdvanced    = "production.stage.advanced"
	TopicHistory          = "production.history"
)

// Partition key = order or product id so every event of one entity stays ordered.
func PartitionKey(id string) []byte { return []byte(id) }
