package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memStore struct {
	mu          sync.Mutex
	nextID      int64
	codes       map[int64]Code
	attended    map[int64]int
	locations   map[string]Location
	courseLocks map[int64]*sync.Mutex
	collisions  int
	reconciles  int
}

func newMemStore() *memStore {
	return &memStore{
		codes:       map[int64]Code{},
		attended:    map[int64]int{},
		locations:   map[string]Location{},
		courseLocks: map[int64]*sync.Mutex{},
	}
}

func (s *memStore) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Insert(_ context.Context, c *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(c)
}

func (s *memStore) insertLocked(c *Code) error {
	if s.collisions > 0 {
		s.collisions--
		return ErrDuplicateCode
	}
	for _, existing := range s.codes {
		if existing.Code == c.Code {
			return ErrDuplicateCode
		}
	}
	s.nextID++
	c.ID = s.nextID
	s.codes[c.ID] = *c
	return nil
}

func (s *memStore) courseLock(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.courseLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.courseLocks[id] = l
	}
	return l
}

func (s *memStore) InsertForCourse(ctx context.Context, c *Code, now time.Time) error {
	lock := s.courseLock(*c.CourseID)
	lock.Lock()
	defer lock.Unlock()
	active, _ := s.HasActiveForCourse(ctx, *c.CourseID, now)
	if active {
		return ErrActiveSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(c)
}

func (s *memStore) HasActiveForCourse(_ context.Context, courseID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.CourseID != nil && *c.CourseID == courseID && !c.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Get(_ context.Context, id int64) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) FindByCode(_ context.Context, code string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.Code == code {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListByAdmin(_ context.Context, adminID int64) ([]Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Code
	for _, c := range s.codes {
		if c.AdminID == adminID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) ListByCourse(_ context.Context, courseID int64) ([]Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Code
	for _, c := range s.codes {
		if c.CourseID != nil && *c.CourseID == courseID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.After(out[j].ExpiresAt) })
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, id)
	delete(s.attended, id)
	return nil
}

func (s *memStore) DeleteExpired(_ context.Context, now time.Time, policy string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciles++
	var n int64
	for id, c := range s.codes {
		if !now.After(c.ExpiresAt) {
			continue
		}
		if policy != SweepAll && s.attended[id] > 0 {
			continue
		}
		delete(s.codes, id)
		delete(s.attended, id)
		n++
	}
	return n, nil
}

func (s *memStore) InsertLocation(_ context.Context, l *Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[l.Code]; ok {
		return ErrDuplicateLocation
	}
	s.nextID++
	l.ID = s.nextID
	s.locations[l.Code] = *l
	return nil
}

func (s *memStore) LocationByCode(_ context.Context, code string) (*Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[code]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *memStore) ListLocations(_ context.Context) ([]Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Location
	for _, l := range s.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *memStore) DeleteLocation(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, l := range s.locations {
		if l.ID == id {
			delete(s.locations, code)
			return true, nil
		}
	}
	return false, nil
}
