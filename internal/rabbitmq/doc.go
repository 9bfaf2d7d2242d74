// Package rabbitmq provides the RabbitMQ side of the message bus.
//
// This package includes:
//   - ConnectionPool: a bounded set of physical AMQP connections with a bounded,
//     blocking pool of channel sessions multiplexed over them
//   - PoolRegistry: shares pools between endpoint connections with equal configuration
//   - Publisher: publishes through pooled sessions, declaring namespace exchanges on first use
//   - ConsumerGroup: one queue per group, bound to every source routed through the endpoint
//   - TopologyManager: exchange and queue declaration, active or passive
//
// Publisher-role and consumer-role traffic use separate pools so that long-lived
// consumer sessions cannot starve publishers.
package rabbitmq
