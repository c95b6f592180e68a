package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai-group-chat-demo/engine/internal/models"
)

var greetingLines = []string{
	"hey! look who showed up",
	"oh hey %s",
	"finally, we were getting bored",
	"heyyy 👋",
	"you made it! we were just talking about you",
	"welcome back %s",
}

// StageGreeting plays a scripted multi-character greeting cascade when the
// roster is set and the timeline is empty. No network call is made; up to
// GreetingMax roster members reveal in random order with staggered delays.
// The cascade aborts without posting if a real user message arrives before a
// given character's reveal fires.
func (s *Scheduler) StageGreeting(ctx context.Context, maxGreeters int) {
	roster := s.store.Roster()
	if len(roster) == 0 || s.store.Len() > 0 {
		return
	}
	if maxGreeters <= 0 {
		maxGreeters = 3
	}

	picked := make([]models.Character, len(roster))
	copy(picked, roster)
	rand.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	if len(picked) > maxGreeters {
		picked = picked[:maxGreeters]
	}

	startLen := s.store.Len()

	go func() {
		for i, ch := range picked {
			stagger := time.Duration(800+rand.Intn(2400)) * time.Millisecond
			if i == 0 {
				stagger = time.Duration(300+rand.Intn(900)) * time.Millisecond
			}
			if !sleepCtx(ctx, stagger) {
				return
			}
			if s.userArrivedSince(startLen) {
				return
			}

			line := greetingLines[rand.Intn(len(greetingLines))]
			name := s.store.Nickname()
			if name == "" {
				name = s.store.UserName()
			}
			content := line
			if strings.Contains(line, "%s") {
				content = fmt.Sprintf(line, name)
			}

			s.sim.SetTyping(ch.ID, true)
			reveal := s.sim.TypingDuration(content, ch.TypingSpeed)
			if !sleepCtx(ctx, reveal) {
				s.sim.SetTyping(ch.ID, false)
				return
			}
			if s.userArrivedSince(startLen) {
				s.sim.SetTyping(ch.ID, false)
				return
			}

			s.store.Append(models.Message{
				ID:        "msg-" + uuid.NewString(),
				Speaker:   ch.ID,
				Content:   content,
				CreatedAt: time.Now(),
			})
			s.sim.SetTyping(ch.ID, false)
			startLen = s.store.Len()
		}
	}()
}

// userArrivedSince reports whether a user message landed after the cascade
// observed length n. Character appends from the cascade itself bump n via the
// caller, so only foreign writes abort it.
func (s *Scheduler) userArrivedSince(n int) bool {
	if s.store.Len() == n {
		return false
	}
	_, ok := s.store.LastUser()
	return ok
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
