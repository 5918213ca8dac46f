// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package sdputil provides the small set of text transforms the call
// machine applies to SDP offer/answer bodies. These are deliberately
// plain string manipulations over the session description, not a full
// SDP parse: the contract is the exact transform, and nothing else
// about the body is interpreted.
package sdputil

import (
	"fmt"
	"strconv"
	"strings"
)

// Codec identifies a negotiated RTP codec by its payload type ID.
type Codec struct {
	// ID is the RTP payload type number carried in the m= format list.
	ID int

	// Name is the codec name as it appears in a=rtpmap (e.g. "VP8").
	// Informational; the transforms match on ID only.
	Name string
}

// IsHold reports whether an SDP body describes a hold: a session that
// sends no media. The heuristic is the absence of any "a=send"
// attribute (sendrecv/sendonly). It misclassifies descriptions that
// omit direction attributes entirely, which default to sendrecv; the
// signaling peers in this system always emit explicit directions, so
// the ambiguity does not arise in practice.
func IsHold(sdp string) bool {
	return !strings.Contains(sdp, "a=send")
}

// VideoCodecIDs returns the RTP payload type IDs listed on the m=video
// media description, in announcement order. Returns nil if the body
// has no video section or the format list is malformed.
func VideoCodecIDs(sdp string) []int {
	formats := mediaFormats(sdp, "video")
	if formats == nil {
		return nil
	}
	ids := make([]int, 0, len(formats))
	for _, f := range formats {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

// SelectCodecs rewrites an SDP offer so each media section announces a
// single codec: audioCodec on m=audio and videoCodec on m=video. The
// rtpmap, fmtp, and rtcp-fb attribute lines of every removed payload
// type are deleted as well.
//
// A nil codec for a media section that is present, or a codec ID that
// the section does not announce, is an error; the SDP is returned
// unmodified in that case.
func SelectCodecs(sdp string, audioCodec, videoCodec *Codec) (string, error) {
	var erase []string

	out := sdp
	for _, section := range []struct {
		kind  string
		codec *Codec
	}{
		{"audio", audioCodec},
		{"video", videoCodec},
	} {
		formats := mediaFormats(out, section.kind)
		if formats == nil {
			continue
		}
		if section.codec == nil {
			return sdp, fmt.Errorf("sdp has an m=%s section but no %s codec was selected", section.kind, section.kind)
		}
		want := strconv.Itoa(section.codec.ID)
		found := false
		for _, f := range formats {
			if f == want {
				found = true
				continue
			}
			erase = append(erase, f)
		}
		if !found {
			return sdp, fmt.Errorf("codec %d not announced in m=%s format list %v", section.codec.ID, section.kind, formats)
		}
		out = rewriteFormatList(out, section.kind, want)
	}

	// Drop the attribute lines of every erased payload type.
	if len(erase) > 0 {
		erased := make(map[string]bool, len(erase))
		for _, id := range erase {
			erased[id] = true
		}
		lines := strings.Split(out, "\r\n")
		kept := lines[:0]
		for _, line := range lines {
			if id, ok := attributePayloadType(line); ok && erased[id] {
				continue
			}
			kept = append(kept, line)
		}
		out = strings.Join(kept, "\r\n")
	}

	return out, nil
}

// mediaFormats returns the format (payload type) list of the first
// "m=<kind> <port> <proto> <fmt> ..." line, or nil if absent. RTP
// media only: descriptions whose transport protocol does not mention
// RTP (e.g. application/DTLS-SCTP sections) are skipped, matching the
// original transform's anchoring on RTP media lines.
func mediaFormats(sdp, kind string) []string {
	for _, line := range strings.Split(sdp, "\r\n") {
		if !strings.HasPrefix(line, "m="+kind+" ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.Contains(fields[2], "RTP") {
			return nil
		}
		return fields[3:]
	}
	return nil
}

// rewriteFormatList replaces the format list of the m=<kind> line with
// the single payload type id.
func rewriteFormatList(sdp, kind, id string) string {
	lines := strings.Split(sdp, "\r\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "m="+kind+" ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || !strings.Contains(fields[2], "RTP") {
			break
		}
		lines[i] = strings.Join(append(fields[:3], id), " ")
		break
	}
	return strings.Join(lines, "\r\n")
}

// attributePayloadType extracts the payload type from an
// "a=rtpmap:<id> ...", "a=fmtp:<id> ...", or "a=rtcp-fb:<id> ..."
// line. ok is false for any other line.
func attributePayloadType(line string) (id string, ok bool) {
	for _, prefix := range []string{"a=rtpmap:", "a=fmtp:", "a=rtcp-fb:"} {
		if rest, found := strings.CutPrefix(line, prefix); found {
			if space := strings.IndexByte(rest, ' '); space > 0 {
				return rest[:space], true
			}
			return rest, rest != ""
		}
	}
	return "", false
}
