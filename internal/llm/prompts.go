package llm

import (
	"context"
	"fmt"
)

const formalizeSystem = `You clean up live lecture transcripts produced by speech recognition.
Rewrite the user's text as clear, formal English. Fix recognition errors,
punctuation and filler words. Keep technical terms. Do not add content.
Reply with the rewritten text only.`

const translateSystem = `You are a professional English to Korean interpreter for university lectures.
Translate the user's text into natural, formal Korean. Keep technical terms
accurate, adding the English term in parentheses where Korean usage is unsettled.
Reply with the translation only.`

func withTopic(system, topic string) string {
	if topic == "" {
		return system
	}
	return fmt.Sprintf("%s\nThe lecture topic is %q; prefer its terminology.", system, topic)
}

// Formalize rewrites a raw utterance as clean English.
func (c *Client) Formalize(ctx context.Context, utterance, topic string) (string, error) {
	text, err := c.Complete(ctx, withTopic(formalizeSystem, topic), utterance)
	if err != nil {
		return "", fmt.Errorf("formalize: %w", err)
	}
	return text, nil
}

// TranslateKorean translates English into Korean.
func (c *Client) TranslateKorean(ctx context.Context, english, topic string) (string, error) {
	text, err := c.Complete(ctx, withTopic(translateSystem, topic), english)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	return text, nil
}
