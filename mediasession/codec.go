/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package mediasession

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// CodecUnknown is reported when a codec could not be determined
const CodecUnknown = "unknown"

// CodecInfo holds the negotiated codec names for a session
type CodecInfo struct {
	Audio string `json:"audio"`
	Video string `json:"video"`
}

// ParseCodecs extracts the first audio and video codec from a session
// description. It never fails; anything it cannot read is CodecUnknown.
func ParseCodecs(description string) CodecInfo {
	info := CodecInfo{Audio: CodecUnknown, Video: CodecUnknown}
	if strings.TrimSpace(description) == "" {
		return info
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(description)); err != nil {
		return info
	}

	for _, md := range parsed.MediaDescriptions {
		name := firstCodec(md)
		if name == "" {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			if info.Audio == CodecUnknown {
				info.Audio = name
			}
		case "video":
			if info.Video == CodecUnknown {
				info.Video = name
			}
		}
	}
	return info
}

// firstCodec returns the encoding name of the first listed payload type
func firstCodec(md *sdp.MediaDescription) string {
	if len(md.MediaName.Formats) == 0 {
		return ""
	}
	want := md.MediaName.Formats[0]
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		// a=rtpmap:<pt> <name>/<clock>[/<channels>]
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 || fields[0] != want {
			continue
		}
		return strings.SplitN(fields[1], "/", 2)[0]
	}
	return ""
}
