package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestMentionsBotTrueWhenBotIsMentioned(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "other"}, {ID: "bot1"}},
	}}
	if !mentionsBot(m, "bot1") {
		t.Fatal("expected mentionsBot to find bot1 in the mentions list")
	}
}

func TestMentionsBotFalseWhenBotNotMentioned(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "other"}},
	}}
	if mentionsBot(m, "bot1") {
		t.Fatal("expected mentionsBot to be false when bot is not in mentions")
	}
}

func TestMentionsBotFalseWithNoMentions(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{}}
	if mentionsBot(m, "bot1") {
		t.Fatal("expected mentionsBot to be false with an empty mentions list")
	}
}
