package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for conductor observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrTaskID       = attribute.Key("task.id")
	AttrTaskDomain   = attribute.Key("task.domain")
	AttrTaskStatus   = attribute.Key("task.status")
	AttrSubTaskID    = attribute.Key("subtask.id")
	AttrSubTaskAgent = attribute.Key("subtask.agent_type")
)
