package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoryQuery(t *testing.T) {
	story := NewStory(100)

	story.Append("s1", []string{"f1"}, "transition", "released", "waiting")
	story.Append("s1", []string{"f1", "f2"}, "gather-dep", "10.0.0.2:8080")
	story.Append("s2", []string{"f2"}, "transition", "flight", "memory")

	assert.Len(t, story.Query(), 3)
	assert.Len(t, story.Query("f1"), 2)
	assert.Len(t, story.Query("f2"), 2)
	assert.Len(t, story.Query("f1", "f2"), 1)
	assert.Empty(t, story.Query("f3"))

	assert.Len(t, story.QueryStimulus("s1"), 2)
	assert.Empty(t, story.QueryStimulus("s9"))
}

func TestStoryBounded(t *testing.T) {
	story := NewStory(10)

	for i := 0; i < 100; i++ {
		story.Append("s", []string{"f1"}, "tick")
	}

	assert.Len(t, story.Query(), 10)
}

func TestStimulusIDPrefix(t *testing.T) {
	id := NewStimulusID("compute-task")
	assert.Contains(t, id, "compute-task-")

	other := NewStimulusID("compute-task")
	assert.NotEqual(t, id, other)
}
