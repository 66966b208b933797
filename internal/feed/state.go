package feed

import (
	"sync"

	"github.com/blackmichael/skyfeed/internal/domain"
)

// Snapshot is a read-only copy of the feed state.
type Snapshot struct {
	Query   domain.FeedQuery `json:"query"`
	Posts   []domain.Post    `json:"posts"`
	Loading bool             `json:"loading"`
}

// State is the observable feed-state cell. Reads are open to anyone; writes
// are unexported and made only by Service (assembly) and Likes (mutation).
// Observers run synchronously after each write, outside the lock.
type State struct {
	mu        sync.Mutex
	snap      Snapshot
	nextID    int
	observers map[int]func(Snapshot)
}

// NewState returns an empty State.
func NewState() *State {
	return &State{observers: make(map[int]func(Snapshot))}
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe registers fn for change notifications. The returned func
// unregisters it.
func (s *State) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Find returns a copy of the post with the given URI.
func (s *State) Find(uri string) (domain.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(uri); i >= 0 {
		return s.snap.Posts[i].Clone(), true
	}
	return domain.Post{}, false
}

func (s *State) publish(q domain.FeedQuery, posts []domain.Post) {
	cp := make([]domain.Post, len(posts))
	for i, p := range posts {
		cp[i] = p.Clone()
	}
	s.write(func(snap *Snapshot) bool {
		snap.Query = q
		snap.Posts = cp
		snap.Loading = false
		return true
	})
}

func (s *State) setLoading(loading bool) {
	s.write(func(snap *Snapshot) bool {
		if snap.Loading == loading {
			return false
		}
		snap.Loading = loading
		return true
	})
}

func (s *State) reset() {
	s.write(func(snap *Snapshot) bool {
		*snap = Snapshot{}
		return true
	})
}

// mutate applies fn to the post with the given URI and returns the post as it
// was before fn ran. ok is false when the post is not in state.
func (s *State) mutate(uri string, fn func(*domain.Post)) (before domain.Post, ok bool) {
	return s.update(uri, func(p *domain.Post) bool {
		fn(p)
		return true
	})
}

// update is mutate for callers that may decide not to change the post.
// Observers are notified only when fn returns true.
func (s *State) update(uri string, fn func(*domain.Post) bool) (before domain.Post, changed bool) {
	s.write(func(snap *Snapshot) bool {
		i := s.indexLocked(uri)
		if i < 0 {
			return false
		}
		before = snap.Posts[i].Clone()
		changed = fn(&snap.Posts[i])
		return changed
	})
	return before, changed
}

// replace restores the whole entry for post.URI. It is a no-op when the post
// is no longer in state.
func (s *State) replace(post domain.Post) bool {
	_, ok := s.mutate(post.URI, func(p *domain.Post) { *p = post.Clone() })
	return ok
}

// write runs fn under the lock and notifies observers when fn reports a change.
func (s *State) write(fn func(*Snapshot) bool) {
	s.mu.Lock()
	changed := fn(&s.snap)
	if !changed {
		s.mu.Unlock()
		return
	}
	snap := s.copyLocked()
	observers := make([]func(Snapshot), 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

func (s *State) indexLocked(uri string) int {
	for i := range s.snap.Posts {
		if s.snap.Posts[i].URI == uri {
			return i
		}
	}
	return -1
}

func (s *State) copyLocked() Snapshot {
	out := Snapshot{Query: s.snap.Query, Loading: s.snap.Loading}
	if s.snap.Posts != nil {
		out.Posts = make([]domain.Post, len(s.snap.Posts))
		for i, p := range s.snap.Posts {
			out.Posts[i] = p.Clone()
		}
	}
	return out
}
