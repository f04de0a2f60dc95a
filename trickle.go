package main

import (
	"strings"

	"github.com/pion/sdp/v3"

	"janus-whep-gateway/janus"
)

// trickleFragment is the parsed form of an RFC 8840
// application/trickle-ice-sdpfrag body.
type trickleFragment struct {
	ufrag      string
	pwd        string
	candidates []janus.Candidate
}

// parseTrickleFragment walks the fragment line by line. Each a=candidate
// line becomes one candidate pinned to media line 0, and a=end-of-candidates
// becomes the completion sentinel, preserving order.
func parseTrickleFragment(body string) trickleFragment {
	var frag trickleFragment
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			frag.ufrag = strings.TrimPrefix(line, "a=ice-ufrag:")
		case strings.HasPrefix(line, "a=ice-pwd:"):
			frag.pwd = strings.TrimPrefix(line, "a=ice-pwd:")
		case strings.HasPrefix(line, "a=candidate:"):
			frag.candidates = append(frag.candidates, janus.Candidate{
				Candidate:     strings.TrimPrefix(line, "a="),
				SDPMLineIndex: 0,
			})
		case strings.HasPrefix(line, "a=end-of-candidates"):
			frag.candidates = append(frag.candidates, janus.Candidate{Completed: true})
		}
	}
	return frag
}

// isRestart reports whether the fragment's credentials request an ICE
// restart relative to the stored ones. Only a fragment carrying both a
// ufrag and a pwd can request one.
func (f trickleFragment) isRestart(ufrag, pwd string) bool {
	if f.ufrag == "" || f.pwd == "" || ufrag == "" || pwd == "" {
		return false
	}
	return f.ufrag != ufrag || f.pwd != pwd
}

// extractICECredentials pulls a=ice-ufrag/a=ice-pwd out of a session SDP,
// checking session-level attributes first and falling back to the first
// media section carrying them.
func extractICECredentials(raw string) (ufrag, pwd string) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return "", ""
	}
	if v, ok := desc.Attribute("ice-ufrag"); ok {
		ufrag = v
	}
	if v, ok := desc.Attribute("ice-pwd"); ok {
		pwd = v
	}
	for _, media := range desc.MediaDescriptions {
		if ufrag != "" && pwd != "" {
			break
		}
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "ice-ufrag":
				if ufrag == "" {
					ufrag = attr.Value
				}
			case "ice-pwd":
				if pwd == "" {
					pwd = attr.Value
				}
			}
		}
	}
	return ufrag, pwd
}
