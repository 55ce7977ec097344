package api

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/kenneth/sealvault/internal/manifest"
)

// ManifestInfo is the cleartext view of a stored manifest. V4 manifests
// expose only the predicate; V3 manifests also expose the file and chunk
// topology.
type ManifestInfo struct {
	ID            string                     `json:"id"`
	Version       string                     `json:"version"`
	Created       time.Time                  `json:"created"`
	Predicate     json.RawMessage            `json:"predicate"`
	PredicateHash string                     `json:"predicateHash"`
	Binding       *manifest.Binding          `json:"binding,omitempty"`
	File          *manifest.FileMetadata     `json:"file,omitempty"`
	FileHash      string                     `json:"fileHash,omitempty"`
	KeyHash       string                     `json:"keyHash,omitempty"`
	Chunks        []manifest.ChunkDescriptor `json:"chunks,omitempty"`
}

// Inspect decodes an encoded manifest. A bare metadata bundle is rejected:
// it carries key material and is never published.
func Inspect(id string, data []byte) (*ManifestInfo, error) {
	d := manifest.NewDecoder(bytes.NewReader(data))
	tag, err := d.Version()
	if err != nil {
		return nil, err
	}

	switch tag {
	case manifest.VersionManifestV3:
		m, err := d.V3()
		if err != nil {
			return nil, err
		}
		binding := m.Binding
		file := m.File
		return &ManifestInfo{
			ID:            id,
			Version:       tag,
			Created:       time.UnixMilli(m.Created).UTC(),
			Predicate:     predicateJSON(m.Predicate),
			PredicateHash: m.PredicateHash,
			Binding:       &binding,
			File:          &file,
			FileHash:      m.FileHash,
			KeyHash:       m.KeyHash,
			Chunks:        m.Chunks,
		}, nil

	case manifest.VersionManifestV4:
		m, err := d.V4()
		if err != nil {
			return nil, err
		}
		return &ManifestInfo{
			ID:            id,
			Version:       tag,
			Created:       time.UnixMilli(m.Created).UTC(),
			Predicate:     predicateJSON(m.Predicate),
			PredicateHash: m.PredicateHash,
		}, nil

	default:
		return nil, ErrNotAManifest
	}
}

// predicateJSON returns the predicate as-is when it is JSON, otherwise as a
// JSON string.
func predicateJSON(p []byte) json.RawMessage {
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	s, _ := json.Marshal(string(p))
	return s
}
