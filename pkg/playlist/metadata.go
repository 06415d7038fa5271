package playlist

import (
	"math"
	"strconv"
	"strings"
)

// Metadata is stream information parsed from manifest tags. Zero fields mean
// the manifest did not carry the tag.
type Metadata struct {
	Resolution   string // e.g. "1080p"
	FrameRate    int
	BandwidthBps int
}

// IsLive classifies a manifest: anything without an explicit end marker is
// treated as live.
func IsLive(text string) bool {
	return !strings.Contains(text, "#EXT-X-ENDLIST")
}

// ParseMetadata extracts resolution, frame rate, and bandwidth hints from a
// manifest. When no FRAME-RATE attribute is present the target duration is
// used as a rough heuristic: very short segments suggest 60fps content,
// ordinary segment lengths suggest 30fps.
func ParseMetadata(text string) Metadata {
	var meta Metadata
	targetDuration := 0

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			if res, ok := attrs["RESOLUTION"]; ok {
				meta.Resolution = resolutionLabel(res)
			}
			if fr, ok := attrs["FRAME-RATE"]; ok {
				if f, err := strconv.ParseFloat(fr, 64); err == nil {
					meta.FrameRate = int(math.Round(f))
				}
			}
			if bw, ok := attrs["BANDWIDTH"]; ok {
				if b, err := strconv.Atoi(bw); err == nil {
					meta.BandwidthBps = b
				}
			}
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if d, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")); err == nil {
				targetDuration = d
			}
		}
	}

	if meta.FrameRate == 0 && targetDuration > 0 {
		switch {
		case targetDuration <= 2:
			meta.FrameRate = 60
		case targetDuration <= 10:
			meta.FrameRate = 30
		}
	}
	return meta
}

// resolutionLabel turns "1920x1080" into "1080p".
func resolutionLabel(res string) string {
	parts := strings.SplitN(strings.ToLower(res), "x", 2)
	if len(parts) != 2 {
		return ""
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return ""
	}
	return strconv.Itoa(height) + "p"
}

// parseAttributes splits an HLS attribute list, respecting quoted values
// that may contain commas (CODECS lists).
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inValue := false
	inQuotes := false

	flush := func() {
		if key.Len() > 0 {
			attrs[key.String()] = strings.Trim(val.String(), `"`)
		}
		key.Reset()
		val.Reset()
		inValue = false
	}

	for _, c := range s {
		switch {
		case c == '"':
			inQuotes = !inQuotes
			val.WriteRune(c)
		case c == '=' && !inValue:
			inValue = true
		case c == ',' && !inQuotes:
			flush()
		case inValue:
			val.WriteRune(c)
		default:
			key.WriteRune(c)
		}
	}
	flush()
	return attrs
}
