package events

const (
	TopicProductChanges = "catalog.products"
	TopicOrderCreated   = "orders.created"
	TopicOrderStatus    = "orders.status"
)

// PartitionKey keeps every event of one entity on one partition, so a
// consumer sees them in commit order.
func PartitionKey(entityID string) []byte { return []byte(entityID) }
