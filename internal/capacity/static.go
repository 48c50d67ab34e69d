// Package capacity answers the team size bounds of an event. Every
// implementation reports an unknown event as membership.ErrEventNotFound.
package capacity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"kyri56xcaesar/eventteams/internal/membership"
	"kyri56xcaesar/eventteams/internal/utils"
)

// Static serves bounds from an in-process table.
type Static struct {
	mu     sync.RWMutex
	events map[string]membership.Bounds
}

func NewStatic() *Static {
	return &Static{events: make(map[string]membership.Bounds)}
}

// ParseStatic reads a table written as "id:min:max,id:min:max".
func ParseStatic(table string) (*Static, error) {
	s := NewStatic()
	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.Index(entry, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("static event %q: want id:min:max", entry)
		}
		sizes, err := utils.SplitToInt(entry[idx+1:], ":")
		if err != nil || len(sizes) != 2 {
			return nil, fmt.Errorf("static event %q: want id:min:max", entry)
		}
		b := membership.Bounds{Min: sizes[0], Max: sizes[1]}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("static event %q: %w", entry, err)
		}
		s.Set(strings.TrimSpace(entry[:idx]), b)
	}
	return s, nil
}

func (s *Static) Set(eventID string, b membership.Bounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventID] = b
}

func (s *Static) TeamBounds(_ context.Context, eventID string) (membership.Bounds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.events[eventID]
	if !ok {
		return membership.Bounds{}, membership.ErrEventNotFound
	}
	return b, nil
}
