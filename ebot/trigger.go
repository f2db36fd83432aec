package ebot

import (
	"regexp"
	"strings"
	"unicode"
)

// MentionRule restricts a Trigger by whether the message mentions the bot
type MentionRule int

const (
	MentionAny MentionRule = iota
	MentionsBot
	NotMentionsBot
)

// ChannelRule restricts a Trigger by the kind of channel a message is in
type ChannelRule int

const (
	AnyChannel ChannelRule = iota
	GuildOnly
	DirectOnly
)

// Trigger declares which messages a listener wants. All set conditions
// must hold for a message to match.
type Trigger struct {
	// Pattern must match somewhere in the message content
	Pattern *regexp.Regexp

	// Command requires the message to start with a mention of the bot,
	// followed by this word (case-insensitive)
	Command string

	Mention MentionRule
	Channel ChannelRule

	// AllowBots lets messages authored by bots match
	AllowBots bool

	// Predicate is an additional check, run last
	Predicate func(m Message) bool
}

// Match reports whether m satisfies the trigger. botID is the bot's own
// user ID.
func (t Trigger) Match(m Message, botID string) bool {
	if m.Author.Bot && !t.AllowBots {
		return false
	}
	if botID != "" && m.Author.ID == botID {
		return false
	}

	switch t.Channel {
	case GuildOnly:
		if m.DM || m.GuildID == "" {
			return false
		}
	case DirectOnly:
		if !m.DM {
			return false
		}
	}

	switch t.Mention {
	case MentionsBot:
		if !m.MentionsUser(botID) {
			return false
		}
	case NotMentionsBot:
		if m.MentionsUser(botID) {
			return false
		}
	}

	if t.Command != "" {
		cmd, _, ok := parseBotCommand(m.Content, botID)
		if !ok || !strings.EqualFold(cmd, t.Command) {
			return false
		}
	}

	if t.Pattern != nil && !t.Pattern.MatchString(m.Content) {
		return false
	}

	if t.Predicate != nil && !t.Predicate(m) {
		return false
	}
	return true
}

// stripBotMention removes a leading mention of botID from content, in
// either the `<@id>` or `<@!id>` form
func stripBotMention(content string, botID string) (string, bool) {
	if botID == "" {
		return content, false
	}
	content = strings.TrimLeftFunc(content, unicode.IsSpace)
	for _, prefix := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if rest, ok := strings.CutPrefix(content, prefix); ok {
			return rest, true
		}
	}
	return content, false
}

// parseBotCommand splits a message of the form `@bot command args...`
func parseBotCommand(content string, botID string) (string, []string, bool) {
	rest, ok := stripBotMention(content, botID)
	if !ok {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, true
	}
	return fields[0], fields[1:], true
}
