// ABOUTME: Built-in catalog of the five specialized agents
// ABOUTME: router hands off to language, summarizer, sentiment and answer

package agents

// Names of the built-in agents.
const (
	Router     = "router"
	Language   = "language"
	Summarizer = "summarizer"
	Sentiment  = "sentiment"
	Answer     = "answer"
)

// DefaultCatalog returns fresh copies of the built-in definitions.
func DefaultCatalog() []Definition {
	return []Definition{
		{
			Name:        Router,
			Description: "Routes each request to the specialist best suited to handle it",
			Instructions: "You are a dispatcher. Do not answer the user yourself. " +
				"Pick the single specialist that fits the request and call transfer_to_agent with its name: " +
				"language for questions about which language a text is written in or for translation, " +
				"summarizer for requests to shorten or summarize text, " +
				"sentiment for questions about tone or emotion, " +
				"answer for everything else.",
			HandoffTargets: []string{Language, Summarizer, Sentiment, Answer},
		},
		{
			Name:        Language,
			Description: "Detects the language of a text",
			Instructions: "Identify the natural language the user's text is written in. " +
				"Reply with the language name followed by a one sentence justification.",
		},
		{
			Name:        Summarizer,
			Description: "Summarizes text",
			Instructions: "Summarize the user's text in at most three sentences. " +
				"Keep names, numbers and conclusions. Do not add information.",
		},
		{
			Name:        Sentiment,
			Description: "Classifies the sentiment of a text",
			Instructions: "Classify the sentiment of the user's text as positive, negative, neutral or mixed. " +
				"Reply with the label on the first line and a short explanation on the second.",
		},
		{
			Name:        Answer,
			Description: "General assistant that answers questions, with access to utility tools",
			Instructions: "You are a helpful assistant. Answer the user's question clearly and concisely. " +
				"Use the available tools when they help, such as current_time for dates and word_count for counting words.",
			Tools: []string{"current_time", "word_count"},
		},
	}
}
