package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo-org/polyglot-coordinator/internal/model"
)

func TestSplitCanonicalKey(t *testing.T) {
	source, target, relType, err := splitCanonicalKey("doc-a->doc-b#references")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", source)
	assert.Equal(t, "doc-b", target)
	assert.Equal(t, "references", relType)
}

func TestSplitCanonicalKey_Malformed(t *testing.T) {
	_, _, _, err := splitCanonicalKey("not-a-canonical-key")
	assert.Error(t, err)
}

func TestEncodeDecodeMetadata_RoundTrip(t *testing.T) {
	meta := map[string]interface{}{"confidence_source": "model-x", "weight": 0.5}
	encoded, err := encodeMetadata(meta)
	require.NoError(t, err)

	decoded, err := decodeMetadataString(encoded)
	require.NoError(t, err)
	assert.Equal(t, meta["confidence_source"], decoded["confidence_source"])
}

func TestEncodeMetadata_NilIsEmptyString(t *testing.T) {
	encoded, err := encodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "", encoded)
}

func TestEncodeDecodeRelation_RoundTrip(t *testing.T) {
	payload, err := encodeRelation("doc-a", "doc-b", "references", 0.8, 0.9, `{"k":"v"}`)
	require.NoError(t, err)

	rel, err := decodeRelation(payload)
	require.NoError(t, err)
	assert.Equal(t, "doc-a", rel.Source)
	assert.Equal(t, "doc-b", rel.Target)
	assert.Equal(t, model.RelationType("references"), rel.Type)
	assert.Equal(t, 0.8, rel.Strength)
	assert.Equal(t, "v", rel.Metadata["k"])
}

func TestDecodeRelation_InvalidPayload(t *testing.T) {
	_, err := decodeRelation([]byte("not json"))
	assert.Error(t, err)
}
