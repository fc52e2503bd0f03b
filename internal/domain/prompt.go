package domain

// Prompt is a localized text fragment from the prompts table, keyed by a
// "{aid}-{key}" or "default-{key}" prompt name plus a language.
type Prompt struct {
	Prompt   string `dynamodbav:"prompt" json:"prompt"`
	Language string `dynamodbav:"language" json:"language"`
	Text     string `dynamodbav:"text" json:"text"`
}

// PromptLookup resolves a prompt key for a language and event context.
// It prefers an aid-specific prompt, then a default prompt in the requested
// language or "universal", and finally returns a recognizable placeholder
// so a missing prompt is visible in rendered output rather than silent.
// The prompts table stores languages by full name; callers pass either
// a code or a full name.
func PromptLookup(prompts []Prompt, key, language, aid string) string {
	if len(prompts) == 0 {
		return aid + "-" + key + "-" + language + "-promptsUndefined"
	}

	langMatches := func(promptLang string) bool {
		return promptLang == language || promptLang == FullLanguage(language)
	}

	aidKey := aid + "-" + key
	for _, p := range prompts {
		if p.Prompt == aidKey && langMatches(p.Language) {
			return p.Text
		}
	}

	defaultKey := "default-" + key
	for _, p := range prompts {
		if p.Prompt == defaultKey && (langMatches(p.Language) || p.Language == "universal") {
			return p.Text
		}
	}

	return aid + "-" + key + "-" + language + "-unknown"
}
