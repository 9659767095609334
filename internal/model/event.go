package model

// OutboxEvent 与业务写入同一事务落库的事件
type OutboxEvent struct {
	AggregateType string
	AggregateID   string
	RoutingKey    string
	Payload       any
}
