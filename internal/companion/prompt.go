package companion

import "strings"

// Mode is a teaching style. Each mode carries its own system prompt.
type Mode string

const (
	ModeNarrative   Mode = "narrative"
	ModeDialogue    Mode = "dialogue"
	ModeCaseStudy   Mode = "case-study"
	ModeInteractive Mode = "interactive"

	DefaultMode = ModeNarrative
)

// Modes lists every supported mode in display order.
func Modes() []Mode {
	return []Mode{ModeNarrative, ModeDialogue, ModeCaseStudy, ModeInteractive}
}

// SelectPrompt maps a client token to a mode and its prompt. Unknown tokens fall back to DefaultMode.
func SelectPrompt(raw string) (Mode, string) {
	mode := ParseMode(raw)
	return mode, mode.Prompt()
}

// ParseMode normalises a client token. Matching ignores case and surrounding space.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDialogue:
		return ModeDialogue
	case ModeCaseStudy:
		return ModeCaseStudy
	case ModeInteractive:
		return ModeInteractive
	default:
		return DefaultMode
	}
}

// Prompt returns the system prompt for m; anything unrecognised gets the narrative prompt.
func (m Mode) Prompt() string {
	switch m {
	case ModeDialogue:
		return "You are Aidanna, a creative learning companion who teaches through conversations and debates. " +
			"Present topics as engaging dialogues between characters with different perspectives. " +
			"Make the conversations natural, thought-provoking, and educational. " +
			"Use this format to explore multiple viewpoints and deepen understanding."
	case ModeCaseStudy:
		return "You are Aidanna, an insightful learning companion who teaches through real-world scenarios and case studies. " +
			"Present topics as practical examples, analyzing causes, effects, and outcomes. " +
			"Help learners see how concepts apply in real situations. " +
			"Use concrete examples and walk through decision-making processes."
	case ModeInteractive:
		return "You are Aidanna, an engaging learning companion who creates interactive, choice-driven learning experiences. " +
			"Present scenarios where the learner makes decisions and sees consequences. " +
			"Use a \"choose your own adventure\" style to teach concepts through active participation. " +
			"Ask questions and let them guide the story."
	default:
		return "You are Aidanna, a warm and enthusiastic learning companion who transforms topics into captivating narrative stories. " +
			"Create engaging, character-driven stories that make complex concepts memorable. " +
			"Use vivid imagery, relatable characters, and clear story arcs. " +
			"Keep responses conversational and encouraging. " +
			"Break down complex ideas into digestible narrative chunks."
	}
}

// Language is the response language requested by the learner.
type Language string

const (
	LanguageEnglish Language = "english"
	LanguageHausa   Language = "hausa"
	LanguageIgbo    Language = "igbo"
	LanguageYoruba  Language = "yoruba"
)

var languageNames = map[Language]string{
	LanguageEnglish: "English",
	LanguageHausa:   "Hausa",
	LanguageIgbo:    "Igbo",
	LanguageYoruba:  "Yoruba",
}

// ParseLanguage defaults to English for empty or unknown input.
func ParseLanguage(raw string) Language {
	lang := Language(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := languageNames[lang]; ok {
		return lang
	}
	return LanguageEnglish
}

// BuildSystemPrompt composes the mode prompt with a language instruction for non-English replies.
func BuildSystemPrompt(mode Mode, lang Language) string {
	prompt := mode.Prompt()
	name, ok := languageNames[lang]
	if !ok || lang == LanguageEnglish {
		return prompt
	}
	return prompt + "\nRespond in " + name + ". Keep technical terms in English when no common " + name + " equivalent exists."
}
