package neo4j

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evalgo-org/polyglot-coordinator/internal/model"
)

func decodeRelation(payload []byte) (model.GraphRelation, error) {
	var rel model.GraphRelation
	if err := json.Unmarshal(payload, &rel); err != nil {
		return model.GraphRelation{}, fmt.Errorf("decode relation: %w", err)
	}
	return rel, nil
}

func encodeMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func encodeRelation(source, target, relType string, strength, confidence float64, metadataJSON string) ([]byte, error) {
	rel := model.GraphRelation{
		Source:     source,
		Target:     target,
		Type:       model.RelationType(relType),
		Strength:   strength,
		Confidence: confidence,
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &rel.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return json.Marshal(rel)
}

func decodeMetadataString(metadataJSON string) (map[string]interface{}, error) {
	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

// splitCanonicalKey parses "source->target#type" back into its parts.
func splitCanonicalKey(key string) (source, target, relType string, err error) {
	arrowIdx := strings.Index(key, "->")
	hashIdx := strings.LastIndex(key, "#")
	if arrowIdx < 0 || hashIdx < 0 || hashIdx < arrowIdx {
		return "", "", "", fmt.Errorf("malformed canonical key %q", key)
	}
	source = key[:arrowIdx]
	target = key[arrowIdx+2 : hashIdx]
	relType = key[hashIdx+1:]
	return source, target, relType, nil
}
