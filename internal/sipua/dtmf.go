package sipua

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// dtmfDurationMs is the tone length signalled in outgoing INFO requests.
const dtmfDurationMs = 160

const contentTypeDTMFRelay = "application/dtmf-relay"

// errInvalidDTMFInfo is returned when an INFO body is not a DTMF event.
var errInvalidDTMFInfo = errors.New("invalid dtmf info body")

// dtmfInfo is a digit carried by a SIP INFO request.
type dtmfInfo struct {
	Signal   string
	Duration int
}

func validSignal(s string) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	return (c >= '0' && c <= '9') || c == '*' || c == '#' || (c >= 'A' && c <= 'D')
}

// formatDTMFRelay renders an application/dtmf-relay body.
func formatDTMFRelay(digit rune, durationMs int) ([]byte, error) {
	sig := strings.ToUpper(string(digit))
	if !validSignal(sig) {
		return nil, fmt.Errorf("invalid dtmf digit %q", digit)
	}
	return []byte("Signal=" + sig + "\r\nDuration=" + strconv.Itoa(durationMs) + "\r\n"), nil
}

// parseInfoDTMF decodes an INFO body of type application/dtmf-relay
// ("Signal=5\r\nDuration=160") or application/dtmf ("5").
func parseInfoDTMF(contentType string, body []byte) (*dtmfInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case contentTypeDTMFRelay:
		return parseDTMFRelay(body)
	case "application/dtmf":
		sig := strings.ToUpper(strings.TrimSpace(string(body)))
		if !validSignal(sig) {
			return nil, errInvalidDTMFInfo
		}
		return &dtmfInfo{Signal: sig}, nil
	default:
		return nil, errInvalidDTMFInfo
	}
}

func parseDTMFRelay(body []byte) (*dtmfInfo, error) {
	info := &dtmfInfo{}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			sig := strings.ToUpper(value)
			if !validSignal(sig) {
				return nil, errInvalidDTMFInfo
			}
			info.Signal = sig
			found = true
		case "duration":
			if d, err := strconv.Atoi(value); err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}
	if !found {
		return nil, errInvalidDTMFInfo
	}
	return info, nil
}
