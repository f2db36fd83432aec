package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

const (
	doctorInitialMessage = "How do you do. Please tell me your problem."
	doctorFinalMessage   = "Goodbye. Thank you for talking to me."

	doctorSystemPrompt = "You are a Rogerian psychotherapist in the style of ELIZA. " +
		"Reply in one or two short sentences, reflecting the user's statements " +
		"back as open questions. Never give medical advice."

	// doctorMaxHistory caps the messages sent with each completion request,
	// not counting the system prompt
	doctorMaxHistory = 20
)

type elizaRule struct {
	pattern   *regexp.Regexp
	responses []string
}

// elizaRules are tried in order. `%s` in a response is replaced with the
// first capture group, reflected.
var elizaRules = []elizaRule{
	{
		regexp.MustCompile(`(?i)\bi need (.*)`),
		[]string{
			"Why do you need %s?",
			"Would it really help you to get %s?",
			"Are you sure you need %s?",
		},
	},
	{
		regexp.MustCompile(`(?i)\bwhy don'?t you (.*)`),
		[]string{
			"Do you really think I don't %s?",
			"Perhaps eventually I will %s.",
		},
	},
	{
		regexp.MustCompile(`(?i)\bi can'?t (.*)`),
		[]string{
			"How do you know you can't %s?",
			"Perhaps you could %s if you tried.",
		},
	},
	{
		regexp.MustCompile(`(?i)\bi am (.*)`),
		[]string{
			"Did you come to me because you are %s?",
			"How long have you been %s?",
			"How do you feel about being %s?",
		},
	},
	{
		regexp.MustCompile(`(?i)\bi'?m (.*)`),
		[]string{
			"How does being %s make you feel?",
			"Do you enjoy being %s?",
			"Why do you tell me you're %s?",
		},
	},
	{
		regexp.MustCompile(`(?i)\bi feel (.*)`),
		[]string{
			"Tell me more about these feelings.",
			"Do you often feel %s?",
			"When do you usually feel %s?",
		},
	},
	{
		regexp.MustCompile(`(?i)\bmy (mother|father|mom|dad|sister|brother|family)\b(.*)`),
		[]string{
			"Tell me more about your family.",
			"How do you get along with your %s?",
		},
	},
	{
		regexp.MustCompile(`(?i)\b(?:because|cause) (.*)`),
		[]string{
			"Is that the real reason?",
			"What other reasons come to mind?",
		},
	},
	{
		regexp.MustCompile(`(?i)\b(?:sorry|apologi[sz]e)\b`),
		[]string{
			"There are many times when no apology is needed.",
			"What feelings do you have when you apologize?",
		},
	},
	{
		regexp.MustCompile(`(?i)^(?:hello|hi|hey)\b`),
		[]string{
			"Hello. How are you feeling today?",
			"Hi there. What brings you here today?",
		},
	},
	{
		regexp.MustCompile(`(?i)\byou (.*)`),
		[]string{
			"We should be discussing you, not me.",
			"Why do you say that about me?",
		},
	},
	{
		regexp.MustCompile(`\?$`),
		[]string{
			"Why do you ask that?",
			"What do you think?",
		},
	},
}

var elizaFallback = []string{
	"Please tell me more.",
	"Let's change focus a bit. Tell me about your family.",
	"Can you elaborate on that?",
	"I see. And what does that tell you?",
	"How does that make you feel?",
}

var elizaReflections = map[string]string{
	"am":     "are",
	"was":    "were",
	"i":      "you",
	"i'd":    "you would",
	"i've":   "you have",
	"i'll":   "you will",
	"my":     "your",
	"are":    "am",
	"you've": "I have",
	"you'll": "I will",
	"your":   "my",
	"yours":  "mine",
	"you":    "me",
	"me":     "you",
}

func reflectPronouns(fragment string) string {
	words := strings.Fields(strings.ToLower(fragment))
	for i, w := range words {
		if r, ok := elizaReflections[w]; ok {
			words[i] = r
		}
	}
	return strings.TrimRight(strings.Join(words, " "), ".!?,;")
}

// elizaResponder answers by matching elizaRules against the input
type elizaResponder struct {
	pick func(n int) int
}

func newElizaResponder() *elizaResponder {
	return &elizaResponder{pick: rand.IntN}
}

func (*elizaResponder) Initial() string {
	return doctorInitialMessage
}

func (*elizaResponder) Final() string {
	return doctorFinalMessage
}

func (e *elizaResponder) Respond(_ context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	for _, rule := range elizaRules {
		match := rule.pattern.FindStringSubmatch(input)
		if match == nil {
			continue
		}
		response := rule.responses[e.pick(len(rule.responses))]
		if strings.Contains(response, "%s") {
			fragment := ""
			if len(match) > 1 {
				fragment = reflectPronouns(match[1])
			}
			response = fmt.Sprintf(response, fragment)
		}
		return response, nil
	}
	return elizaFallback[e.pick(len(elizaFallback))], nil
}

// chatCompleter is the part of the OpenAI client used by openaiResponder
type chatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// openaiResponder keeps a conversation with an OpenAI chat model. The
// limiter is shared between all sessions.
type openaiResponder struct {
	client  chatCompleter
	model   string
	limiter *rate.Limiter

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
}

func (*openaiResponder) Initial() string {
	return doctorInitialMessage
}

func (*openaiResponder) Final() string {
	return doctorFinalMessage
}

func (o *openaiResponder) Respond(ctx context.Context, input string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	history := append(
		o.history,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: input},
	)
	if len(history) > doctorMaxHistory {
		history = history[len(history)-doctorMaxHistory:]
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(
		messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: doctorSystemPrompt},
	)
	messages = append(messages, history...)

	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{Model: o.model, Messages: messages},
	)
	if err != nil {
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	reply := resp.Choices[0].Message.Content
	o.history = append(
		history,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	return reply, nil
}

// newResponderFactory returns a factory for OpenAI-backed responders
// when a token is configured, and for the built-in script otherwise
func newResponderFactory(cfg *DoctorConfig, httpClient *http.Client) ResponderFactory {
	if cfg == nil || cfg.OpenAIToken == "" {
		return func(string) (Responder, error) {
			return newElizaResponder(), nil
		}
	}

	clientCfg := openai.DefaultConfig(cfg.OpenAIToken)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	client := openai.NewClientWithConfig(clientCfg)

	limit := rate.Inf
	if cfg.RequestRate > 0 {
		limit = rate.Limit(cfg.RequestRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	return func(string) (Responder, error) {
		return &openaiResponder{
			client:  client,
			model:   cfg.Model,
			limiter: limiter,
		}, nil
	}
}
