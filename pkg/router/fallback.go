package router

import (
	"strings"
	"unicode"
)

// keywordWeight is how much a declared keyword hit counts relative to a
// plain capability-text overlap.
const keywordWeight = 2

// fallbackMatch scores every handler by token overlap between the input
// and the handler's capability text plus declared keywords. It is fully
// deterministic: same input and registry, same answer. Ties go to the
// earlier registration.
func fallbackMatch(registry *Registry, input string) (HandlerDescriptor, bool) {
	inputTokens := tokenize(input)
	if len(inputTokens) == 0 {
		handlers := registry.List()
		if len(handlers) == 0 {
			return HandlerDescriptor{}, false
		}
		return handlers[0], true
	}

	var best HandlerDescriptor
	bestScore := -1
	for _, descriptor := range registry.List() {
		score := overlapScore(inputTokens, descriptor)
		if score > bestScore {
			best = descriptor
			bestScore = score
		}
	}
	if bestScore < 0 {
		return HandlerDescriptor{}, false
	}
	return best, true
}

func overlapScore(inputTokens map[string]struct{}, descriptor HandlerDescriptor) int {
	score := 0
	for token := range tokenize(descriptor.Capabilities + " " + descriptor.Name) {
		if _, ok := inputTokens[token]; ok {
			score++
		}
	}
	for _, keyword := range descriptor.Keywords {
		keywordTokens := tokenize(keyword)
		if len(keywordTokens) == 0 {
			continue
		}
		hit := true
		for token := range keywordTokens {
			if _, ok := inputTokens[token]; !ok {
				hit = false
				break
			}
		}
		if hit {
			score += keywordWeight
		}
	}
	return score
}

// tokenize lowercases and splits on anything that is not a letter or
// digit, dropping single-character noise.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) < 2 {
			continue
		}
		tokens[field] = struct{}{}
	}
	return tokens
}
