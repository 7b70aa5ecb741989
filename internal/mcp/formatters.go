package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"concierge/internal/logging"
)

// Formatted is a formatter's output: a small structured object for
// programmatic use plus a human-readable markdown string.
type Formatted struct {
	Data      map[string]any
	Formatted string
}

// Formatter converts a tool's raw text payload (expected JSON) into a
// Formatted value. Implementations must not panic on garbage input.
type Formatter func(raw string) Formatted

// FormatterRegistry maps tool names to formatters. Tools without a
// registered formatter pass their text through unchanged.
type FormatterRegistry struct {
	byTool map[string]Formatter
}

// NewFormatterRegistry returns an empty registry.
func NewFormatterRegistry() *FormatterRegistry {
	return &FormatterRegistry{byTool: make(map[string]Formatter)}
}

// DefaultFormatters returns a registry covering the built-in tool categories.
func DefaultFormatters() *FormatterRegistry {
	r := NewFormatterRegistry()
	r.Register("spotify_now_playing", FormatNowPlaying)
	r.Register("github_activity", FormatActivityFeed)
	r.Register("latest_post", FormatLatestPost)
	r.Register("project_info", FormatProject)
	return r
}

// Register adds or replaces the formatter for a tool name.
func (r *FormatterRegistry) Register(toolName string, f Formatter) {
	r.byTool[toolName] = f
}

// Format renders a tool's text payload. Unregistered tools get the raw text.
func (r *FormatterRegistry) Format(toolName, raw string) string {
	f, ok := r.byTool[toolName]
	if !ok {
		return raw
	}
	return f(raw).Formatted
}

// FormatData renders a payload and also returns the structured data.
func (r *FormatterRegistry) FormatData(toolName, raw string) Formatted {
	f, ok := r.byTool[toolName]
	if !ok {
		return Formatted{Formatted: raw}
	}
	return f(raw)
}

// parsePayload decodes a tool payload. A present "error" field is surfaced
// verbatim as the formatted output; a decode failure reports parse failure.
func parsePayload(raw string) (map[string]any, string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		logging.ToolsDebug("Unparseable tool payload: %v", err)
		return nil, "", false
	}
	if errMsg, ok := obj["error"].(string); ok && errMsg != "" {
		return obj, errMsg, true
	}
	return obj, "", true
}

// ============================================================================
// SPOTIFY NOW PLAYING
// ============================================================================

// FormatNowPlaying renders the current or most recently played track.
func FormatNowPlaying(raw string) Formatted {
	const unavailable = "I can't see what's playing on Spotify right now."

	obj, errMsg, ok := parsePayload(raw)
	if !ok {
		return Formatted{Formatted: unavailable}
	}
	if errMsg != "" {
		return Formatted{Data: obj, Formatted: errMsg}
	}

	// Some servers nest the track under "item" (currently-playing shape),
	// others return the track object directly (recently-played shape).
	track := obj
	if item, ok := obj["item"].(map[string]any); ok {
		track = item
	}

	name, _ := track["name"].(string)
	if name == "" {
		return Formatted{Data: obj, Formatted: unavailable}
	}

	artist := firstArtistName(track)
	album := ""
	if a, ok := track["album"].(map[string]any); ok {
		album, _ = a["name"].(string)
	}
	url := ""
	if u, ok := track["external_urls"].(map[string]any); ok {
		url, _ = u["spotify"].(string)
	}

	title := name
	if url != "" {
		title = fmt.Sprintf("[%s](%s)", name, url)
	}

	var sb strings.Builder
	playing, _ := obj["is_playing"].(bool)
	if playing {
		sb.WriteString("🎵 Now playing: **")
	} else {
		sb.WriteString("🎵 Last played: **")
	}
	sb.WriteString(title)
	sb.WriteString("**")
	if artist != "" {
		sb.WriteString(" by ")
		sb.WriteString(artist)
	}
	if album != "" {
		sb.WriteString(" (from *")
		sb.WriteString(album)
		sb.WriteString("*)")
	}
	if !playing {
		if when := trackTime(obj, track); when != "" {
			sb.WriteString(", ")
			sb.WriteString(when)
		}
	}

	data := map[string]any{"track": name, "artist": artist, "album": album, "url": url, "is_playing": playing}
	return Formatted{Data: data, Formatted: sb.String()}
}

func firstArtistName(track map[string]any) string {
	artists, ok := track["artists"].([]any)
	if !ok || len(artists) == 0 {
		return ""
	}
	first, ok := artists[0].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := first["name"].(string)
	return name
}

func trackTime(obj, track map[string]any) string {
	for _, source := range []map[string]any{obj, track} {
		if ts, ok := source["played_at"].(string); ok && ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				return RelativeTime(t, time.Now())
			}
		}
	}
	return ""
}

// ============================================================================
// GITHUB ACTIVITY
// ============================================================================

// FormatActivityFeed renders a recent-activity event list.
func FormatActivityFeed(raw string) Formatted {
	const unavailable = "I can't pull up recent activity right now."

	obj, errMsg, ok := parsePayload(raw)
	var events []any
	if ok {
		if errMsg != "" {
			return Formatted{Data: obj, Formatted: errMsg}
		}
		events, _ = obj["events"].([]any)
	} else {
		// Some servers return the event array bare.
		if err := json.Unmarshal([]byte(raw), &events); err != nil {
			return Formatted{Formatted: unavailable}
		}
	}
	if len(events) == 0 {
		return Formatted{Data: obj, Formatted: "No recent public activity."}
	}

	now := time.Now()
	var sb strings.Builder
	sb.WriteString("Recent activity:\n")
	count := 0
	for _, e := range events {
		event, ok := e.(map[string]any)
		if !ok {
			continue
		}
		line := describeEvent(event, now)
		if line == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
		count++
		if count >= 5 {
			break
		}
	}
	if count == 0 {
		return Formatted{Data: obj, Formatted: unavailable}
	}

	data := map[string]any{"event_count": count}
	return Formatted{Data: data, Formatted: strings.TrimRight(sb.String(), "\n")}
}

func describeEvent(event map[string]any, now time.Time) string {
	repo := ""
	if r, ok := event["repo"].(map[string]any); ok {
		repo, _ = r["name"].(string)
	} else if r, ok := event["repo"].(string); ok {
		repo = r
	}

	verb := ""
	switch t, _ := event["type"].(string); t {
	case "PushEvent":
		verb = "pushed to"
	case "CreateEvent":
		verb = "created"
	case "PullRequestEvent":
		verb = "opened a pull request on"
	case "IssuesEvent":
		verb = "filed an issue on"
	case "WatchEvent":
		verb = "starred"
	case "ForkEvent":
		verb = "forked"
	case "ReleaseEvent":
		verb = "published a release on"
	default:
		if t == "" || repo == "" {
			return ""
		}
		verb = "worked on"
	}
	if repo == "" {
		return ""
	}

	line := fmt.Sprintf("%s **%s**", verb, repo)
	if ts, ok := event["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			line += " " + RelativeTime(t, now)
		}
	}
	return line
}

// ============================================================================
// LATEST POST
// ============================================================================

// FormatLatestPost renders the most recent blog post.
func FormatLatestPost(raw string) Formatted {
	const unavailable = "I can't find the latest post right now."

	obj, errMsg, ok := parsePayload(raw)
	if !ok {
		return Formatted{Formatted: unavailable}
	}
	if errMsg != "" {
		return Formatted{Data: obj, Formatted: errMsg}
	}

	title, _ := obj["title"].(string)
	if title == "" {
		return Formatted{Data: obj, Formatted: unavailable}
	}
	url, _ := obj["url"].(string)
	summary, _ := obj["summary"].(string)

	var sb strings.Builder
	sb.WriteString("Latest post: **")
	if url != "" {
		sb.WriteString(fmt.Sprintf("[%s](%s)", title, url))
	} else {
		sb.WriteString(title)
	}
	sb.WriteString("**")
	if ts, ok := obj["published_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			sb.WriteString(" — ")
			sb.WriteString(RelativeTime(t, time.Now()))
		}
	}
	if summary != "" {
		sb.WriteString("\n\n")
		sb.WriteString(summary)
	}

	data := map[string]any{"title": title, "url": url}
	return Formatted{Data: data, Formatted: sb.String()}
}

// ============================================================================
// PROJECT INFO
// ============================================================================

// FormatProject renders a project description.
func FormatProject(raw string) Formatted {
	const unavailable = "I don't have details on that project right now."

	obj, errMsg, ok := parsePayload(raw)
	if !ok {
		return Formatted{Formatted: unavailable}
	}
	if errMsg != "" {
		return Formatted{Data: obj, Formatted: errMsg}
	}

	name, _ := obj["name"].(string)
	if name == "" {
		return Formatted{Data: obj, Formatted: unavailable}
	}
	description, _ := obj["description"].(string)
	url, _ := obj["url"].(string)

	var sb strings.Builder
	sb.WriteString("**")
	sb.WriteString(name)
	sb.WriteString("**")
	if description != "" {
		sb.WriteString(": ")
		sb.WriteString(description)
	}
	if topics, ok := obj["topics"].([]any); ok && len(topics) > 0 {
		var names []string
		for _, t := range topics {
			if s, ok := t.(string); ok && s != "" {
				names = append(names, s)
			}
		}
		if len(names) > 0 {
			sb.WriteString("\n\nBuilt with: ")
			sb.WriteString(strings.Join(names, ", "))
		}
	}
	if url != "" {
		sb.WriteString("\n\n")
		sb.WriteString(url)
	}

	data := map[string]any{"name": name, "url": url}
	return Formatted{Data: data, Formatted: sb.String()}
}

// ============================================================================
// RELATIVE TIME
// ============================================================================

// RelativeTime renders an approximate human phrase for how long ago t was.
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < 2*time.Minute:
		return "about a minute ago"
	case d < time.Hour:
		return fmt.Sprintf("about %d minutes ago", int(d.Minutes()))
	case d < 2*time.Hour:
		return "about an hour ago"
	case d < 24*time.Hour:
		return fmt.Sprintf("about %d hours ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	default:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	}
}
