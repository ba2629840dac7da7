package substrate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process substrate used in tests and local single-node
// runs. Semantics mirror the Redis implementation closely enough for every
// consumer in this repo.
type Memory struct {
	mu       sync.Mutex
	queues   map[string][]string
	jobs     map[string]memJob
	kv       map[string]memValue
	sets     map[string]map[string]bool
	streams  map[string][]StreamEntry
	seq      int64
	entries  map[string]*Entry
}

type memJob struct {
	queue   string
	payload []byte
	timeout time.Duration
	status  string
	retries int
}

type memValue struct {
	value    string
	expireAt time.Time
}

// NewMemory returns an empty in-memory substrate.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string][]string),
		jobs:    make(map[string]memJob),
		kv:      make(map[string]memValue),
		sets:    make(map[string]map[string]bool),
		streams: make(map[string][]StreamEntry),
		entries: make(map[string]*Entry),
	}
}

// --- JobQueue ---

func (m *Memory) Push(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = memJob{
		queue:   job.Queue,
		payload: job.Payload,
		timeout: job.Timeout,
		status:  StatusQueued,
	}
	m.queues[job.Queue] = append(m.queues[job.Queue], job.ID)
	return nil
}

func (m *Memory) tryPop(queues []string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queues {
		if items := m.queues[q]; len(items) > 0 {
			id := items[0]
			m.queues[q] = items[1:]
			j := m.jobs[id]
			return &Job{ID: id, Queue: q, Payload: j.payload, Timeout: j.timeout}
		}
	}
	return nil
}

func (m *Memory) Pop(ctx context.Context, queues []string, block time.Duration) (*Job, error) {
	deadline := time.Now().Add(block)
	for {
		if job := m.tryPop(queues); job != nil {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) PeekDepth(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}

func (m *Memory) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return &JobStatus{Status: j.status, Queue: j.queue, Retries: j.retries}, nil
}

func (m *Memory) SetStatus(ctx context.Context, jobID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrKeyNotFound)
	}
	j.status = status
	m.jobs[jobID] = j
	return nil
}

// --- Scheduler ---

func (m *Memory) AddCron(ctx context.Context, e *Entry) error     { return m.addEntry(e) }
func (m *Memory) AddInterval(ctx context.Context, e *Entry) error { return m.addEntry(e) }

func (m *Memory) addEntry(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *Memory) Update(ctx context.Context, e *Entry) error { return m.addEntry(e) }

func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) GetEntry(ctx context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) List(ctx context.Context) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// --- KeyValueStore ---

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	v := memValue{value: value}
	if ttl > 0 {
		v.expireAt = time.Now().Add(ttl)
	}
	m.kv[key] = v
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	if !v.expireAt.IsZero() && time.Now().After(v.expireAt) {
		delete(m.kv, key)
		return "", ErrKeyNotFound
	}
	return v.value, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	return nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.kv[key]; ok {
		v.expireAt = time.Now().Add(ttl)
		m.kv[key] = v
	}
	return nil
}

func (m *Memory) SAdd(ctx context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saddLocked(set, members...)
	return nil
}

func (m *Memory) saddLocked(set string, members ...string) {
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]bool)
		m.sets[set] = s
	}
	for _, mem := range members {
		s[mem] = true
	}
}

func (m *Memory) SRem(ctx context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		delete(m.sets[set], mem)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[set]))
	for mem := range m.sets[set] {
		out = append(out, mem)
	}
	return out, nil
}

type memPipe struct{ m *Memory }

func (p *memPipe) Set(key, value string, ttl time.Duration) { p.m.setLocked(key, value, ttl) }
func (p *memPipe) Del(keys ...string) {
	for _, k := range keys {
		delete(p.m.kv, k)
	}
}
func (p *memPipe) Expire(key string, ttl time.Duration) {
	if v, ok := p.m.kv[key]; ok {
		v.expireAt = time.Now().Add(ttl)
		p.m.kv[key] = v
	}
}
func (p *memPipe) SAdd(set string, members ...string) { p.m.saddLocked(set, members...) }
func (p *memPipe) SRem(set string, members ...string) {
	for _, mem := range members {
		delete(p.m.sets[set], mem)
	}
}

func (m *Memory) Pipeline(ctx context.Context, fn func(Pipe)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&memPipe{m: m})
	return nil
}

// --- Streams ---

func (m *Memory) XAdd(ctx context.Context, stream string, fields map[string]string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := strconv.FormatInt(m.seq, 10) + "-0"
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.streams[stream] = append(m.streams[stream], StreamEntry{ID: id, Fields: cp})
	return id, nil
}

func (m *Memory) readAfter(stream, cursor string) []StreamEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StreamEntry
	for _, e := range m.streams[stream] {
		if streamIDAfter(e.ID, cursor) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) XRead(ctx context.Context, stream, cursor string, block time.Duration) ([]StreamEntry, error) {
	if cursor == "" {
		cursor = "0"
	}
	deadline := time.Now().Add(block)
	for {
		if entries := m.readAfter(stream, cursor); len(entries) > 0 {
			return entries, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// streamIDAfter compares "<seq>-<sub>" style ids numerically on the first
// component.
func streamIDAfter(id, cursor string) bool {
	parse := func(s string) int64 {
		for i := 0; i < len(s); i++ {
			if s[i] == '-' {
				s = s[:i]
				break
			}
		}
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return parse(id) > parse(cursor)
}
