package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/shared"
)

func challengeKey(id string) []byte {
	return []byte(challengePrefix + id)
}

// UpsertChallenge inserts a newly observed challenge or refreshes the payload
// of a known one. It returns false when nothing changed. Local state
// (solved/expired, first-seen and issued-at) is never overwritten.
func (s *Store) UpsertChallenge(ctx context.Context, c *shared.Challenge) (changed bool, err error) {
	err = s.update("upsert challenge", func(tx txn) error {
		var existing shared.Challenge
		err := get(tx, "upsert challenge", challengeKey(c.ID), &existing)
		switch {
		case errors.Is(err, ErrNotFound):
			fresh := *c
			fresh.State = shared.ChallengeUnsolved
			fresh.SolvedBy = ""
			fresh.SolvedAt = 0
			changed = true
			return put(tx, "upsert challenge", challengeKey(c.ID), &fresh)
		case err != nil:
			return err
		}
		if existing.SamePayload(c) {
			return nil
		}
		existing.Difficulty = c.Difficulty
		existing.Target = c.Target
		existing.TargetHex = c.TargetHex
		existing.RomKey = c.RomKey
		existing.RomKeyHour = c.RomKeyHour
		existing.LatestSubmission = c.LatestSubmission
		changed = true
		return put(tx, "upsert challenge", challengeKey(c.ID), &existing)
	})
	if err == nil && changed {
		logging.FromContext(ctx).Debug("challenge stored", zap.String("id", c.ID), zap.Uint64("difficulty", c.Difficulty))
	}
	return changed, err
}

// ClaimChallenge moves a challenge from Unsolved to Solved on behalf of wallet.
// Exactly one caller wins; losers get false and no error.
func (s *Store) ClaimChallenge(ctx context.Context, id, wallet string, now time.Time) (bool, error) {
	won := false
	err := s.update("claim challenge", func(tx txn) error {
		var c shared.Challenge
		if err := get(tx, "claim challenge", challengeKey(id), &c); err != nil {
			return err
		}
		if c.State != shared.ChallengeUnsolved {
			return nil
		}
		c.State = shared.ChallengeSolved
		c.SolvedBy = wallet
		c.SolvedAt = now.UnixNano()
		won = true
		return put(tx, "claim challenge", challengeKey(id), &c)
	})
	return won, err
}

func (s *Store) Challenge(ctx context.Context, id string) (*shared.Challenge, error) {
	var c shared.Challenge
	if err := get(s.db, "get challenge", challengeKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) Challenges(ctx context.Context) ([]*shared.Challenge, error) {
	var out []*shared.Challenge
	err := scan(s.db, "list challenges", challengePrefix, func(_ []byte, c *shared.Challenge) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// ExpireChallenges marks every challenge whose validity window has elapsed at
// now as Expired and returns the ones it moved. Solved challenges expire too
// and keep SolvedBy and SolvedAt.
func (s *Store) ExpireChallenges(ctx context.Context, now time.Time, window time.Duration) ([]*shared.Challenge, error) {
	var expired []*shared.Challenge
	err := s.update("expire challenges", func(tx txn) error {
		expired = expired[:0]
		var due []*shared.Challenge
		err := scan(tx, "expire challenges", challengePrefix, func(_ []byte, c *shared.Challenge) error {
			if c.State != shared.ChallengeExpired && c.ExpiredAt(now, window) {
				due = append(due, c)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range due {
			c.State = shared.ChallengeExpired
			if err := put(tx, "expire challenges", challengeKey(c.ID), c); err != nil {
				return err
			}
			expired = append(expired, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// NextBest returns the easiest Unsolved challenge with more than minLeft of
// its validity window remaining and not present in exclude. Ties go to the
// oldest issued-at, then to the lowest ID.
func (s *Store) NextBest(
	ctx context.Context,
	now time.Time,
	window, minLeft time.Duration,
	exclude map[string]struct{},
) (*shared.Challenge, error) {
	var candidates []*shared.Challenge
	err := scan(s.db, "next best challenge", challengePrefix, func(_ []byte, c *shared.Challenge) error {
		if c.State != shared.ChallengeUnsolved {
			return nil
		}
		if _, ok := exclude[c.ID]; ok {
			return nil
		}
		if c.Expiry(window).Sub(now) <= minLeft {
			return nil
		}
		candidates = append(candidates, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Difficulty != b.Difficulty {
			return a.Difficulty < b.Difficulty
		}
		if a.IssuedAt != b.IssuedAt {
			return a.IssuedAt < b.IssuedAt
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}
