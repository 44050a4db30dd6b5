package config

const (
	Name      = "vodabatch"
	Msg       = "Voda Batch - batch jobs scheduler"
	Version   = "0.1.0"
	Port      = "55589"
	Namespace = "voda-batch"

	// Mongo database and collection of the decision recorder
	DatabaseDecisions   = "vodabatch"
	CollectionDecisions = "decisions"
	// RabbitMQ queue of the decision publisher
	QueueDecisions = "vodabatch-decisions"
)
