package ebot

import (
	"github.com/stretchr/testify/assert"
	"regexp"
	"testing"
)

func TestTrigger_Match(t *testing.T) {
	t.Parallel()
	bot := User{ID: testBotID, Bot: true}
	human := User{ID: "u1"}
	mention := "<@" + testBotID + ">"

	guildMsg := func(content string, mentions ...User) Message {
		return Message{
			ID:        "m",
			ChannelID: "c",
			GuildID:   "g",
			Content:   content,
			Author:    human,
			Mentions:  mentions,
		}
	}
	dmMsg := func(content string) Message {
		return Message{ID: "m", ChannelID: "dm", Content: content, Author: human, DM: true}
	}

	tests := []struct {
		name     string
		trigger  Trigger
		message  Message
		expected bool
	}{
		{
			name:     "empty trigger matches anything",
			message:  guildMsg("hi"),
			expected: true,
		},
		{
			name:     "own messages never match",
			trigger:  Trigger{AllowBots: true},
			message:  Message{Author: bot, Content: "hi"},
			expected: false,
		},
		{
			name:     "bots rejected by default",
			message:  Message{Author: User{ID: "other", Bot: true}, Content: "hi"},
			expected: false,
		},
		{
			name:     "bots allowed",
			trigger:  Trigger{AllowBots: true},
			message:  Message{Author: User{ID: "other", Bot: true}, Content: "hi"},
			expected: true,
		},
		{
			name:     "pattern",
			trigger:  Trigger{Pattern: regexp.MustCompile(`taco`)},
			message:  guildMsg("I love taco"),
			expected: true,
		},
		{
			name:     "pattern miss",
			trigger:  Trigger{Pattern: regexp.MustCompile(`taco`)},
			message:  guildMsg("I love pizza"),
			expected: false,
		},
		{
			name:     "guild only in dm",
			trigger:  Trigger{Channel: GuildOnly},
			message:  dmMsg("hi"),
			expected: false,
		},
		{
			name:     "direct only in guild",
			trigger:  Trigger{Channel: DirectOnly},
			message:  guildMsg("hi"),
			expected: false,
		},
		{
			name:     "direct only in dm",
			trigger:  Trigger{Channel: DirectOnly},
			message:  dmMsg("hi"),
			expected: true,
		},
		{
			name:     "mentions bot",
			trigger:  Trigger{Mention: MentionsBot},
			message:  guildMsg(mention+" hi", bot),
			expected: true,
		},
		{
			name:     "mentions bot missing",
			trigger:  Trigger{Mention: MentionsBot},
			message:  guildMsg("hi"),
			expected: false,
		},
		{
			name:     "not mentions bot",
			trigger:  Trigger{Mention: NotMentionsBot},
			message:  guildMsg(mention+" hi", bot),
			expected: false,
		},
		{
			name:     "command",
			trigger:  Trigger{Command: "doctor"},
			message:  guildMsg(mention+" Doctor", bot),
			expected: true,
		},
		{
			name:     "command nickname mention",
			trigger:  Trigger{Command: "doctor"},
			message:  guildMsg("<@!"+testBotID+">   doctor please", bot),
			expected: true,
		},
		{
			name:     "command not first",
			trigger:  Trigger{Command: "doctor"},
			message:  guildMsg("hey "+mention+" doctor", bot),
			expected: false,
		},
		{
			name:     "command different word",
			trigger:  Trigger{Command: "doctor"},
			message:  guildMsg(mention+" doctors", bot),
			expected: false,
		},
		{
			name:     "predicate",
			trigger:  Trigger{Predicate: func(m Message) bool { return m.Content == "ok" }},
			message:  guildMsg("nope"),
			expected: false,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, tc.trigger.Match(tc.message, testBotID))
			},
		)
	}
}

func TestParseBotCommand(t *testing.T) {
	t.Parallel()
	mention := "<@" + testBotID + ">"

	cmd, args, ok := parseBotCommand(mention+" admin add taco", testBotID)
	assert.True(t, ok)
	assert.Equal(t, "admin", cmd)
	assert.Equal(t, []string{"add", "taco"}, args)

	cmd, args, ok = parseBotCommand("  "+mention, testBotID)
	assert.True(t, ok)
	assert.Empty(t, cmd)
	assert.Empty(t, args)

	_, _, ok = parseBotCommand("admin add taco", testBotID)
	assert.False(t, ok)

	_, _, ok = parseBotCommand(mention+" admin", "")
	assert.False(t, ok)

	rest, ok := stripBotMention("<@!"+testBotID+">hello", testBotID)
	assert.True(t, ok)
	assert.Equal(t, "hello", rest)
}
