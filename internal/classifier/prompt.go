package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"floe/internal/curation"
)

const systemPrompt = `You are a music curation assistant. You sort songs from a listener's history into their custom playlists, using both the song itself and what the listener was doing when it played.`

// promptTrack is the per-track payload embedded in the prompt.
type promptTrack struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album,omitempty"`
	PlayedAt string `json:"played_at"`
	Activity string `json:"activity"`
}

// buildPrompt renders the classification prompt for one batch. The playlist
// keys form the closed answer set; the activity label per track carries the
// schedule context.
func buildPrompt(batch []TrackContext, playlists []curation.Playlist) (string, error) {
	var sb strings.Builder

	sb.WriteString("Available playlists (answer with the key):\n")
	for _, p := range playlists {
		sb.WriteString(fmt.Sprintf("- %q: %s", p.Key, p.Name))
		if p.Description != "" {
			sb.WriteString(" - " + p.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("- \"none\": the song fits no playlist above\n\n")

	sb.WriteString("For each song, consider:\n")
	sb.WriteString("- The activity the listener was doing at play time is a strong signal.\n")
	sb.WriteString("- The song's own character matters too; use the playlist descriptions to judge fit.\n")
	sb.WriteString("- An activity of \"" + curation.UnscheduledLabel + "\" means nothing was scheduled; judge by the song alone.\n")
	sb.WriteString("- When unsure, answer \"none\".\n\n")

	tracks := make([]promptTrack, 0, len(batch))
	for _, tc := range batch {
		tracks = append(tracks, promptTrack{
			ID:       tc.Track.ID,
			Title:    tc.Track.Title,
			Artist:   tc.Track.Artist,
			Album:    tc.Track.Album,
			PlayedAt: tc.Track.PlayedAt.Format("2006-01-02 15:04 Mon"),
			Activity: tc.Activity,
		})
	}
	songsJSON, err := json.MarshalIndent(tracks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding tracks: %w", err)
	}

	sb.WriteString("Songs to analyze:\n")
	sb.Write(songsJSON)
	sb.WriteString("\n\nReturn ONLY a JSON array, no markdown fencing. One object per song:\n")
	sb.WriteString(`{"id": "<the song id>", "category": "<playlist key or none>", "energy": <1-10>, "tempo": "slow|medium|fast", "mood": "<one word>"}`)
	sb.WriteString("\n")

	return sb.String(), nil
}

// modelAnswer is one element of the model's JSON array reply.
type modelAnswer struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Energy   int    `json:"energy"`
	Tempo    string `json:"tempo"`
	Mood     string `json:"mood"`
}

// parseAnswers decodes the model reply into answers keyed by track ID. It
// tolerates markdown fencing and leading prose by slicing to the outermost
// JSON array before unmarshaling.
func parseAnswers(text string) (map[string]modelAnswer, error) {
	text = stripFences(strings.TrimSpace(text))

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("reply contains no JSON array")
	}

	var answers []modelAnswer
	if err := json.Unmarshal([]byte(text[start:end+1]), &answers); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}

	byID := make(map[string]modelAnswer, len(answers))
	for _, a := range answers {
		byID[a.ID] = a
	}
	return byID, nil
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.Index(text, "\n"); idx != -1 {
		text = text[idx+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx != -1 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
