package access

import (
	"context"
	"strings"
	"sync"
)

type Profile struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Tier   Tier   `json:"tier"`
}

// ProfileStore resolves a user's subscription profile. Unknown users resolve
// to a free profile.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryProfileStore(profiles ...Profile) *MemoryProfileStore {
	s := &MemoryProfileStore{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.Put(p)
	}
	return s
}

func (s *MemoryProfileStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Tier == "" {
		p.Tier = TierFree
	}
	s.profiles[p.UserID] = p
}

func (s *MemoryProfileStore) Profile(ctx context.Context, userID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	return Profile{UserID: userID, Tier: TierFree}, nil
}

// ParsePremiumUsers reads a comma separated list of premium user ids.
func ParsePremiumUsers(csv string) []Profile {
	var out []Profile
	for _, id := range strings.Split(csv, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, Profile{UserID: id, Tier: TierPremium})
	}
	return out
}
