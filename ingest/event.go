package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultKindField    = "eventid"
	DefaultAddressField = "src_ip"
	DefaultFailureEvent = "cowrie.login.failed"
	DefaultSuccessEvent = "cowrie.login.success"
)

var errEmptyLine = errors.New("empty line")

// Event is the part of a log record the ingestor cares about.
type Event struct {
	Kind    string
	Address string
}

// decodeEvent parses one JSON object line. Non-string kind or address
// values decode as empty strings.
func decodeEvent(line []byte, kindField, addrField string) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, errEmptyLine
	}
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if raw == nil {
		return Event{}, errors.New("decode event: not an object")
	}
	kind, _ := raw[kindField].(string)
	addr, _ := raw[addrField].(string)
	return Event{Kind: kind, Address: strings.TrimSpace(addr)}, nil
}
