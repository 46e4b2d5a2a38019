package repository_test

import (
	"testing"
	"time"

	"flash-queue/repository"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

// Publishing happens inside a worker tick; a write must not sit out
// kafka-go's default one second batch window.
func TestKafka_WriterFlushesPromptly(t *testing.T) {
	repo := repository.NewKafkaRepository([]string{"localhost:9092"}, "flashsale-outcomes")
	t.Cleanup(func() { _ = repo.Close() })

	assert.LessOrEqual(t, repo.Writer.BatchTimeout, 10*time.Millisecond)
	assert.Positive(t, repo.Writer.BatchTimeout)
	assert.Equal(t, "flashsale-outcomes", repo.Writer.Topic)
	assert.IsType(t, &kafka.Hash{}, repo.Writer.Balancer)
}
