package transport

import (
	"sort"
	"strconv"
	"strings"

	"github.com/szibis/loki-courier/internal/entry"
)

// stream is one Loki stream: a label set plus its ordered values.
type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// pushRequest is the Loki push API request body.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

// buildPayload groups entries into streams keyed by their label set,
// preserving entry order within each stream and first-appearance order of
// streams across the payload.
func buildPayload(entries []entry.Entry) pushRequest {
	index := make(map[string]int, 4)
	streams := make([]stream, 0, 4)

	for _, e := range entries {
		key := labelKey(e.Labels)
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, stream{Stream: e.Labels})
		}
		streams[i].Values = append(streams[i].Values, [2]string{
			strconv.FormatInt(e.Timestamp.UnixNano(), 10),
			e.Line(),
		})
	}

	return pushRequest{Streams: streams}
}

// labelKey builds a deterministic fingerprint of a label set.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
		sb.WriteByte(',')
	}
	return sb.String()
}
