package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cryoetlab/tomopipe/internal/domain"
)

func TestStreamKeyMapping(t *testing.T) {
	assert.Equal(t, "tomopipe:events:datasets", streamKey(domain.TopicDatasetEvents))
	assert.Equal(t, "tomopipe:events:stages", streamKey(domain.TopicStageEvents))
	assert.Equal(t, "tomopipe:events:other", streamKey("other"))
}
