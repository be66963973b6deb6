package kafka

// Topic definitions for Kafka event streaming
const (
	// Market events
	TopicMarketTick       = "market.ticks"
	TopicMarketExpiration = "market.expirations"

	// Settlement events
	TopicSettlementDischarged = "settlement.discharged"
	TopicSettlementFailed     = "settlement.failed"

	// Inbound ledger commands from the chat command layer
	TopicLedgerCommands = "settlement.commands"
)
