package uriworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/alt-research/8004-solana-indexer/internal/config"
)

// ErrInvalidJSON marks a document that fetched fine but does not parse.
var ErrInvalidJSON = errors.New("metadata document is not valid json")

const (
	// maxTextLen bounds every extracted text field. Truncation happens
	// BEFORE HTML stripping so a hostile document cannot feed the
	// stripper unbounded input.
	maxTextLen = 1000
	// maxArrayElems caps structured arrays before per-element mapping.
	maxArrayElems = 32
	// maxCustomFields caps how many unknown top-level fields full mode
	// will index.
	maxCustomFields = 64
)

// wellKnownKeys are the standard agent-card fields. They are stored raw;
// anything else is a custom key and goes through the compressing writer.
var wellKnownKeys = map[string]bool{
	"name":          true,
	"description":   true,
	"image":         true,
	"external_url":  true,
	"version":       true,
	"services":      true,
	"registrations": true,
	"trust_models":  true,
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML truncates then removes markup from a text field.
func stripHTML(s string) string {
	if len(s) > maxTextLen {
		s = s[:maxTextLen]
	}
	s = tagPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// field is one extracted metadata entry ready for storage.
type field struct {
	Key       string
	Value     []byte
	WellKnown bool
}

// extract parses the fetched document and maps it to storable fields
// according to the index mode. Arrays are capped before any per-element
// work.
func (w *Worker) extract(doc []byte) ([]field, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	var fields []field
	appendText := func(key string, raw json.RawMessage) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return
		}
		s = stripHTML(s)
		if s != "" {
			fields = append(fields, field{Key: key, Value: []byte(s), WellKnown: true})
		}
	}
	appendURL := func(key string, raw json.RawMessage) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return
		}
		if _, err := w.validateURL(s); err != nil {
			return
		}
		fields = append(fields, field{Key: key, Value: []byte(strings.TrimSpace(s)), WellKnown: true})
	}

	if raw, ok := parsed["name"]; ok {
		appendText("name", raw)
	}
	if raw, ok := parsed["description"]; ok {
		appendText("description", raw)
	}
	if raw, ok := parsed["version"]; ok {
		appendText("version", raw)
	}
	if raw, ok := parsed["image"]; ok {
		appendURL("image", raw)
	}
	if raw, ok := parsed["external_url"]; ok {
		appendURL("external_url", raw)
	}
	if raw, ok := parsed["services"]; ok {
		if v := extractServices(raw); v != nil {
			fields = append(fields, field{Key: "services", Value: v, WellKnown: true})
		}
	}
	if raw, ok := parsed["registrations"]; ok {
		if v := extractRegistrations(raw); v != nil {
			fields = append(fields, field{Key: "registrations", Value: v, WellKnown: true})
		}
	}
	if raw, ok := parsed["trust_models"]; ok {
		if v := extractTrustModels(raw); v != nil {
			fields = append(fields, field{Key: "trust_models", Value: v, WellKnown: true})
		}
	}

	if w.cfg.Metadata.IndexMode == config.MetadataIndexFull {
		fields = append(fields, w.extractCustom(parsed)...)
	}
	return fields, nil
}

// service is one advertised endpoint of an agent.
type service struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Protocol string `json:"protocol,omitempty"`
}

func extractServices(raw json.RawMessage) []byte {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	// Cap-then-map: discard the tail before touching any element.
	if len(elems) > maxArrayElems {
		elems = elems[:maxArrayElems]
	}
	var out []service
	for _, e := range elems {
		var s service
		if err := json.Unmarshal(e, &s); err != nil {
			continue
		}
		s.Name = stripHTML(s.Name)
		s.Endpoint = strings.TrimSpace(s.Endpoint)
		s.Protocol = stripHTML(s.Protocol)
		if s.Name == "" || s.Endpoint == "" {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	v, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return v
}

// registration points at the agent's record in another registry.
type registration struct {
	AgentID      string `json:"agent_id"`
	AgentAddress string `json:"agent_address,omitempty"`
	Network      string `json:"network,omitempty"`
}

func extractRegistrations(raw json.RawMessage) []byte {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	if len(elems) > maxArrayElems {
		elems = elems[:maxArrayElems]
	}
	var out []registration
	for _, e := range elems {
		var r registration
		if err := json.Unmarshal(e, &r); err != nil {
			continue
		}
		r.AgentID = stripHTML(r.AgentID)
		r.AgentAddress = stripHTML(r.AgentAddress)
		r.Network = stripHTML(r.Network)
		if r.AgentID == "" {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	v, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return v
}

// trustModelEnum is the closed set of accepted trust mechanisms.
var trustModelEnum = map[string]bool{
	"feedback":             true,
	"inference-validation": true,
	"tee-attestation":      true,
}

func extractTrustModels(raw json.RawMessage) []byte {
	var elems []string
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	if len(elems) > maxArrayElems {
		elems = elems[:maxArrayElems]
	}
	var out []string
	for _, e := range elems {
		e = strings.ToLower(strings.TrimSpace(e))
		if trustModelEnum[e] {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	v, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return v
}

// extractCustom indexes unknown top-level fields in full mode. Values keep
// their JSON encoding; strings are still stripped.
func (w *Worker) extractCustom(parsed map[string]json.RawMessage) []field {
	var fields []field
	for key, raw := range parsed {
		if wellKnownKeys[key] {
			continue
		}
		if len(fields) >= maxCustomFields {
			break
		}
		key = stripHTML(key)
		if key == "" || strings.HasPrefix(key, "_") {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			s = stripHTML(s)
			if s == "" {
				continue
			}
			fields = append(fields, field{Key: key, Value: []byte(s)})
			continue
		}
		if len(raw) > w.cfg.Metadata.MaxValueBytes {
			continue
		}
		fields = append(fields, field{Key: key, Value: []byte(raw)})
	}
	return fields
}
