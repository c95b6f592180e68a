package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-group-chat-demo/engine/internal/models"
)

func msg(id, speaker, content string) models.Message {
	return models.Message{ID: id, Speaker: speaker, Content: content, CreatedAt: time.Now()}
}

func TestAppendRejectsDuplicateIDs(t *testing.T) {
	s := New()

	assert.True(t, s.Append(msg("a", "user", "hi")))
	assert.False(t, s.Append(msg("a", "user", "hi again")))
	assert.Equal(t, 1, s.Len())

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hi", got.Content)
}

func TestUpdateDelivery(t *testing.T) {
	s := New()
	s.Append(msg("a", "user", "hi"))

	assert.True(t, s.UpdateDelivery("a", models.DeliveryFailed, "boom"))
	got, _ := s.Get("a")
	assert.Equal(t, models.DeliveryFailed, got.DeliveryStatus)
	assert.Equal(t, "boom", got.DeliveryError)

	assert.False(t, s.UpdateDelivery("missing", models.DeliverySent, ""))
}

func TestRecentForRequestSkipsFailedUserMessages(t *testing.T) {
	s := New()
	s.Append(msg("1", "user", "first"))
	failed := msg("2", "user", "lost")
	failed.DeliveryStatus = models.DeliveryFailed
	s.Append(failed)
	s.Append(msg("3", "nova", "reply"))

	recent := s.RecentForRequest(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "1", recent[0].ID)
	assert.Equal(t, "3", recent[1].ID)
}

func TestRecentForRequestHonorsLimit(t *testing.T) {
	s := New()
	s.Append(msg("1", "user", "a"))
	s.Append(msg("2", "nova", "b"))
	s.Append(msg("3", "nova", "c"))

	recent := s.RecentForRequest(2)
	require.Len(t, recent, 2)
	// newest two, chronological order
	assert.Equal(t, "2", recent[0].ID)
	assert.Equal(t, "3", recent[1].ID)
}

func TestPrependSkipsKnownIDs(t *testing.T) {
	s := New()
	s.Append(msg("b", "nova", "later"))

	added := s.Prepend([]models.Message{msg("a", "nova", "earlier"), msg("b", "nova", "later")})
	assert.Equal(t, 1, added)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)
}

func TestReplaceReindexes(t *testing.T) {
	s := New()
	s.Append(msg("a", "user", "hi"))

	s.Replace([]models.Message{msg("x", "nova", "one"), msg("y", "nova", "two")})
	_, ok := s.Get("a")
	assert.False(t, ok)
	got, ok := s.Get("y")
	require.True(t, ok)
	assert.Equal(t, "two", got.Content)
}

func TestSubscribeFiresOnCommit(t *testing.T) {
	s := New()
	fired := 0
	s.Subscribe(func() { fired++ })

	s.Append(msg("a", "user", "hi"))
	s.Append(msg("a", "user", "dup")) // no-op, no notification
	s.UpdateDelivery("a", models.DeliverySent, "")

	assert.Equal(t, 2, fired)
}

func TestLastUser(t *testing.T) {
	s := New()
	_, ok := s.LastUser()
	assert.False(t, ok)

	s.Append(msg("1", "user", "hello"))
	s.Append(msg("2", "nova", "hey"))

	got, ok := s.LastUser()
	require.True(t, ok)
	assert.Equal(t, "1", got.ID)
}

func TestNicknameIgnoresEmpty(t *testing.T) {
	s := New()
	s.SetNickname("cap")
	s.SetNickname("")
	assert.Equal(t, "cap", s.Nickname())
}
