package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/queue"
)

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		name   string
		origin domain.OriginKind
		want   queue.Priority
	}{
		{name: "seed", origin: domain.OriginSeed, want: queue.PrioritySeed},
		{name: "sitemap", origin: domain.OriginSitemap, want: queue.PrioritySitemap},
		{name: "link", origin: domain.OriginLink, want: queue.PriorityLink},
		{name: "backlink", origin: domain.OriginBacklink, want: queue.PriorityBacklink},
		{name: "unknown defaults to link", origin: domain.OriginKind("rss"), want: queue.PriorityLink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, queue.PriorityFor(tt.origin))
		})
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "seed", queue.PrioritySeed.String())
	assert.Equal(t, "sitemap", queue.PrioritySitemap.String())
	assert.Equal(t, "link", queue.PriorityLink.String())
	assert.Equal(t, "backlink", queue.PriorityBacklink.String())
	assert.Equal(t, "link", queue.Priority(99).String())
}

func TestPriorityIsValid(t *testing.T) {
	for _, priority := range queue.AllPriorities() {
		assert.True(t, priority.IsValid(), "priority %d", priority)
	}
	assert.False(t, queue.Priority(0).IsValid())
	assert.False(t, queue.Priority(5).IsValid())
}

func TestAllPriorities_SeedFirst(t *testing.T) {
	want := []queue.Priority{
		queue.PrioritySeed,
		queue.PrioritySitemap,
		queue.PriorityLink,
		queue.PriorityBacklink,
	}
	assert.Equal(t, want, queue.AllPriorities())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    queue.Priority
		wantErr bool
	}{
		{name: "int", value: 1, want: queue.PrioritySeed},
		{name: "int64", value: int64(4), want: queue.PriorityBacklink},
		{name: "priority value", value: queue.PrioritySitemap, want: queue.PrioritySitemap},
		{name: "string name", value: "sitemap", want: queue.PrioritySitemap},
		{name: "string digit", value: "3", want: queue.PriorityLink},
		{name: "empty string defaults to link", value: "", want: queue.PriorityLink},
		{name: "out of range int", value: 7, wantErr: true},
		{name: "unknown string", value: "urgent", wantErr: true},
		{name: "unsupported type", value: 2.5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := queue.ParsePriority(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
