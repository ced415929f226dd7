package rewards

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/pscheid92/rewardpulse/internal/domain"
)

// Handler executes the effect of one redemption. It returns whether the
// redemption should be fulfilled and an optional chat message; on failure
// the message is addressed to the redeeming user.
type Handler interface {
	Handle(ctx context.Context, r domain.Redemption) (success bool, message string)
}

// SevenTVEmoteHandler adds the emote behind a user-supplied 7tv.app link to
// the broadcaster's emote set.
type SevenTVEmoteHandler struct {
	adder domain.EmoteAdder
	cache domain.EmoteCache
}

func NewSevenTVEmoteHandler(adder domain.EmoteAdder, cache domain.EmoteCache) *SevenTVEmoteHandler {
	return &SevenTVEmoteHandler{adder: adder, cache: cache}
}

func (h *SevenTVEmoteHandler) Handle(ctx context.Context, r domain.Redemption) (bool, string) {
	emoteID, ok := parseSevenTVEmoteURL(r.Input)
	if !ok {
		return false, "that doesn't look like a 7TV emote link (expected https://7tv.app/emotes/...), your points were refunded"
	}

	if err := h.adder.AddEmote(ctx, r.Broadcaster, emoteID); err != nil {
		slog.ErrorContext(ctx, "Failed to add 7TV emote",
			"broadcaster", r.Broadcaster.Username, "emote_id", emoteID, "error", err)
		return false, "couldn't add the emote right now, your points were refunded"
	}

	if err := h.cache.Invalidate(ctx, r.Broadcaster); err != nil {
		slog.WarnContext(ctx, "Failed to invalidate emote cache",
			"broadcaster", r.Broadcaster.Username, "error", err)
	}
	return true, "emote added!"
}

// parseSevenTVEmoteURL extracts the emote id from an absolute 7tv.app emote
// page URL. Anything else is rejected.
func parseSevenTVEmoteURL(input string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(input))
	if err != nil || !u.IsAbs() {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "7tv.app" {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "emotes" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// TextToSpeechHandler reads the redemption input out loud through the
// injected speaker.
type TextToSpeechHandler struct {
	speaker domain.Speaker
}

func NewTextToSpeechHandler(speaker domain.Speaker) *TextToSpeechHandler {
	return &TextToSpeechHandler{speaker: speaker}
}

func (h *TextToSpeechHandler) Handle(ctx context.Context, r domain.Redemption) (bool, string) {
	if strings.TrimSpace(r.Input) == "" {
		return false, "there was nothing to read, your points were refunded"
	}
	if err := h.speaker.Speak(ctx, r.Broadcaster, r.Input); err != nil {
		slog.ErrorContext(ctx, "Failed to play text-to-speech message",
			"broadcaster", r.Broadcaster.Username, "error", err)
		return false, "couldn't play your message, your points were refunded"
	}
	return true, ""
}
