package pullpush

import (
	"fmt"
	"net/url"
	"strings"
)

const outputPrefix = "channel"

// MasterFileName is the destination name of the multivariant manifest.
const MasterFileName = outputPrefix + ".m3u8"

// VideoRenditionKey returns the rendition part of output file names for a
// video track.
func VideoRenditionKey(bandwidth string) string {
	return bandwidth
}

// ExtraRenditionKey returns the rendition part of output file names for an
// audio or subtitle track.
func ExtraRenditionKey(group, lang string) string {
	return group + "-" + lang
}

// SegmentFileName derives the destination file name for a segment from its
// rendition identity and index, never from the source URI, so repeated
// uploads of the same logical segment address the same object. Only the file
// extension is taken from the source URI; fallbackExt applies when the URI
// carries none.
func SegmentFileName(rendition string, index int64, sourceURI, fallbackExt string) string {
	return fmt.Sprintf("%s_%s_%d.%s", outputPrefix, rendition, index, segmentExtension(sourceURI, fallbackExt))
}

// PlaylistFileName derives the destination file name of a rendition's media
// playlist. Every playlist carries its rendition key, also when only a single
// rendition exists.
func PlaylistFileName(rendition string) string {
	return fmt.Sprintf("%s_%s.m3u8", outputPrefix, rendition)
}

func segmentExtension(sourceURI, fallbackExt string) string {
	if u, err := url.Parse(sourceURI); err == nil {
		if dot := strings.LastIndex(u.Path, "."); dot != -1 && dot < len(u.Path)-1 {
			return u.Path[dot+1:]
		}
	}
	return fallbackExt
}

// ContentTypeFor maps a destination file name to the content type sent to the
// output plugin.
func ContentTypeFor(fileName string) string {
	switch {
	case strings.HasSuffix(fileName, ".ts"):
		return "video/MP2T"
	case strings.HasSuffix(fileName, ".m4s"):
		return "video/iso.segment"
	case strings.HasSuffix(fileName, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(fileName, ".vtt"):
		return "text/vtt"
	case strings.HasSuffix(fileName, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	default:
		return "application/octet-stream"
	}
}

// RenderMediaPlaylist converts one rendition's current segment list into an
// HLS media playlist. The output is a pure function of the track and counters,
// so rendering unchanged state twice yields byte-identical text. fallbackExt
// is used for segments whose source URI has no file extension.
func RenderMediaPlaylist(track *RenditionTrack, rendition string, data PlaylistData, fallbackExt string) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	targetDur := data.TargetDur
	if targetDur <= 0 {
		targetDur = 1
	}
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDur))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", data.MSeq))
	b.WriteString(fmt.Sprintf("#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", data.DSeq))

	endlist := false
	for _, seg := range track.SegList {
		if seg.Endlist {
			endlist = true
		}
		if seg.Index == nil || seg.URI == "" {
			continue
		}
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(SegmentFileName(rendition, *seg.Index, seg.URI, fallbackExt))
		b.WriteString("\n")
	}

	if endlist {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// RewriteMasterManifest rewrites the source multivariant manifest so its
// playlist URIs point at the destination's file names instead of the
// source's. A variant line is matched to its rendition by the BANDWIDTH
// attribute of the preceding stream tag, the same value the tracks are keyed
// by, so declaration order in the master does not matter. Alternative
// rendition tags get their URI attribute rewritten; I-frame stream tags
// reference playlists that are not relayed and are dropped.
func RewriteMasterManifest(master string, set *SegmentSet) string {
	lines := strings.Split(master, "\n")
	out := make([]string, 0, len(lines))
	variantBW := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			switch {
			case strings.HasPrefix(trimmed, "#EXT-X-I-FRAME-STREAM-INF:"):
				continue
			case strings.HasPrefix(trimmed, "#EXT-X-MEDIA:"):
				line = rewriteMediaTag(line)
			case strings.HasPrefix(trimmed, "#EXT-X-STREAM-INF:"):
				variantBW = streamInfBandwidth(trimmed)
			}
			out = append(out, line)
			continue
		}
		if trimmed != "" && variantBW != "" {
			if _, ok := set.Video[variantBW]; ok {
				line = PlaylistFileName(VideoRenditionKey(variantBW))
			}
			variantBW = ""
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// streamInfBandwidth extracts the unquoted BANDWIDTH attribute from a stream
// tag, skipping AVERAGE-BANDWIDTH.
func streamInfBandwidth(tag string) string {
	const marker = "BANDWIDTH="
	for i := 0; ; {
		j := strings.Index(tag[i:], marker)
		if j == -1 {
			return ""
		}
		j += i
		if j > 0 && tag[j-1] != ':' && tag[j-1] != ',' {
			i = j + len(marker)
			continue
		}
		value := tag[j+len(marker):]
		if k := strings.IndexByte(value, ','); k != -1 {
			value = value[:k]
		}
		return strings.TrimSpace(value)
	}
}

func rewriteMediaTag(line string) string {
	uri := tagAttribute(line, "URI")
	group := tagAttribute(line, "GROUP-ID")
	if uri == "" || group == "" {
		return line
	}
	lang := tagAttribute(line, "LANGUAGE")
	local := PlaylistFileName(ExtraRenditionKey(group, lang))
	return strings.Replace(line, `URI="`+uri+`"`, `URI="`+local+`"`, 1)
}

func tagAttribute(line, name string) string {
	marker := name + `="`
	start := strings.Index(line, marker)
	if start == -1 {
		return ""
	}
	rest := line[start+len(marker):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return ""
	}
	return rest[:end]
}
