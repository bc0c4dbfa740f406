package observer

// contentFilterIndicators flags an error message as originating from a
// content moderation/copyright filter rather than a genuine execution
// failure.
var contentFilterIndicators = []string{
	"Derivative Works Filter",
	"Content Moderated",
	"Request Moderated",
	"content_policy",
	"content policy",
	"copyright",
	"trademark",
	"NSFW",
	"safety filter",
	"moderation",
	"blocked content",
	"violates",
	"not allowed",
}

// modifiableAgentTypes lists the step agent_types whose inputs can be
// meaningfully rewritten by the content-filter MODIFY path.
var modifiableAgentTypes = map[string]bool{
	"generate_image": true,
	"compose":        true,
	"llm":            true,
	"api_caller":     true,
}

// agentOutputFields is the per-agent-type default output field table,
// consulted when a step's actual outputs aren't available yet.
var agentOutputFields = map[string][]string{
	"web_research":  {"findings"},
	"research":      {"findings"},
	"compose":       {"content"},
	"analyze":       {"analysis"},
	"generate_image": {"image_url"},
	"summarize":     {"summary"},
	"aggregate":     {"aggregated_content"},
	"file_storage":  {"file_url"},
	"api_caller":    {"data"},
	"html_to_pdf":   {"file_url"},
	"send_email":    {"message_id"},
}

// genericFieldFallbacks is consulted when agentOutputFields has no entry
// for the referenced step's agent_type.
var genericFieldFallbacks = map[string]string{
	"web_research":   "findings",
	"research":       "findings",
	"summarize":      "summary",
	"compose":        "content",
	"analyze":        "analysis",
	"aggregate":      "aggregated_content",
	"generate_image": "image_url",
	"file_storage":   "file_url",
}

// agentTypeCorrections maps invalid/unknown agent_type values the executor
// has reported to their nearest correct equivalent, so a REPLAN proposal
// can suggest a concrete fix rather than an open-ended re-plan.
var agentTypeCorrections = map[string]string{
	"marketing_strategist": "compose",
	"strategy_agent":       "compose",
	"strategist":           "compose",
	"marketing_agent":      "compose",
	"content_strategist":   "compose",
	"copywriter":           "compose",
	"writer":               "compose",

	"pdf_composer":       "html_to_pdf",
	"pdf_generator":      "html_to_pdf",
	"pdf_creator":        "html_to_pdf",
	"document_generator": "html_to_pdf",
	"report_generator":   "compose",

	"researcher":     "web_research",
	"research_agent": "web_research",
	"web_scraper":    "http_fetch",

	"data_analyst":      "analyze",
	"analyzer":          "analyze",
	"insight_generator": "analyze",

	"summarizer":       "summarize",
	"aggregator":        "aggregate",
	"image_generator":   "generate_image",
	"image_gen":         "generate_image",
	"notification":      "notify",
	"notifier":          "notify",
	"email":             "notify",
	"storage":           "file_storage",
}
