// Package prompts holds the chat templates used for LLM adjudication.
package prompts

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// AdjudicationTemplate builds the conversation that asks the model to pick a
// business's own official website out of a set of search results.
func AdjudicationTemplate() prompt.ChatTemplate {
	systemTemplate := schema.SystemMessage(`You are an expert at identifying a business's own official website among web search results.

CRITICAL REQUIREMENTS:
1. You MUST return ONLY a valid JSON object that exactly matches the provided schema
2. Do NOT include any explanations, markdown formatting, or additional text outside the JSON
3. Directory listings, review sites, map services and social media profiles are NEVER the business's own website
4. Signal strength, strongest first: the business phone number appearing in a result snippet, an exact business name match, a location match
5. If no result is the business's own official site, set chosen_url to null
6. List every rejected candidate with a short reason, and list plausible but unselected sites under alternative_urls

REQUIRED OUTPUT SCHEMA:
{output_spec}

Remember: Return ONLY the JSON object. No other text, formatting, or explanations.`)

	userTemplate := schema.UserMessage(`BUSINESS FACTS:
{business_facts}

SEARCH RESULTS:
{search_results}

Identify the single result, if any, that is this business's own official website. Your reasoning must reference which facts matched. Return only the JSON response.`)

	return prompt.FromMessages(
		schema.FString,
		systemTemplate,
		userTemplate,
	)
}
