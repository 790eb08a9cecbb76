package lockservice

import (
	"context"
	"sync"

	"github.com/hunglin/concourse"
)

// memoryService is the Standalone backend: a concurrent map from Token to a
// refcounted lock entry, modeled on the teacher's MRU cache map minus
// recency eviction (entries are evicted on zero holders, not LRU pressure).
type memoryService struct {
	mu      sync.Mutex
	entries map[Token]*memoryLock
}

// NewMemory returns a Standalone, in-process lock Service.
func NewMemory() Service {
	return &memoryService{entries: make(map[Token]*memoryLock)}
}

func (s *memoryService) Get(token Token) Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[token]; ok {
		return e
	}
	e := &memoryLock{svc: s, token: token, readers: make(map[string]int)}
	s.entries[token] = e
	return e
}

func (s *memoryService) Release(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[token]; ok && e.holders() == 0 {
		delete(s.entries, token)
	}
}

// memoryLock is a reentrant read/write lock: the same owner string may
// re-acquire a hold it already has (reentrancy requirement, §4.6), which a
// bare sync.RWMutex cannot express.
type memoryLock struct {
	svc   *memoryService
	token Token

	mu        sync.Mutex
	cond      *sync.Cond
	writer    string
	writerCnt int
	readers   map[string]int
}

func (l *memoryLock) holders() int {
	n := l.writerCnt
	for _, c := range l.readers {
		n += c
	}
	return n
}

func (l *memoryLock) cnd() *sync.Cond {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	return l.cond
}

func (l *memoryLock) RLock(ctx context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cnd := l.cnd()
	for l.writer != "" && l.writer != owner {
		if ctx.Err() != nil {
			return concourse.ErrTimeout(ctx.Err())
		}
		cnd.Wait()
	}
	l.readers[owner]++
	return nil
}

func (l *memoryLock) Lock(ctx context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cnd := l.cnd()
	for {
		othersReading := false
		for r, c := range l.readers {
			if r != owner && c > 0 {
				othersReading = true
				break
			}
		}
		if (l.writer == "" || l.writer == owner) && !othersReading {
			break
		}
		if ctx.Err() != nil {
			return concourse.ErrTimeout(ctx.Err())
		}
		cnd.Wait()
	}
	l.writer = owner
	l.writerCnt++
	return nil
}

func (l *memoryLock) RUnlock(owner string) {
	l.mu.Lock()
	if l.readers[owner] > 0 {
		l.readers[owner]--
		if l.readers[owner] == 0 {
			delete(l.readers, owner)
		}
	}
	empty := l.holders() == 0
	l.cnd().Broadcast()
	l.mu.Unlock()
	if empty {
		l.svc.Release(l.token)
	}
}

func (l *memoryLock) Unlock(owner string) {
	l.mu.Lock()
	if l.writer == owner && l.writerCnt > 0 {
		l.writerCnt--
		if l.writerCnt == 0 {
			l.writer = ""
		}
	}
	empty := l.holders() == 0
	l.cnd().Broadcast()
	l.mu.Unlock()
	if empty {
		l.svc.Release(l.token)
	}
}
