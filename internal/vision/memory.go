package vision

import (
	"sort"
	"sync"
	"time"
)

// SceneMemory is the rolling scene state of one session. Merges are
// last-write-wins: a repeated object name overwrites position and confidence
// with no smoothing. Objects are keyed by exact name.
type SceneMemory struct {
	mu sync.RWMutex

	ttl             time.Duration
	actionRetention int

	objects          map[string]DetectedObject
	actions          []Action
	sceneDescription string
	lastUpdatedMs    int64
}

func NewSceneMemory(ttl time.Duration, actionRetention int) *SceneMemory {
	if ttl <= 0 {
		ttl = DefaultObjectTTL
	}
	if actionRetention <= 0 {
		actionRetention = DefaultActionRetention
	}
	return &SceneMemory{
		ttl:             ttl,
		actionRetention: actionRetention,
		objects:         make(map[string]DetectedObject),
	}
}

func (m *SceneMemory) Merge(result AnalysisResult, now time.Time) {
	nowMs := now.UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, obj := range result.Objects {
		obj.LastSeenAtMs = nowMs
		m.objects[obj.Name] = obj
	}
	m.sweepLocked(nowMs)

	for _, act := range result.Actions {
		act.OccurredAtMs = nowMs
		m.actions = append(m.actions, act)
	}
	if over := len(m.actions) - m.actionRetention; over > 0 {
		kept := make([]Action, m.actionRetention)
		copy(kept, m.actions[over:])
		m.actions = kept
	}

	m.sceneDescription = result.SceneDescription
	m.lastUpdatedMs = nowMs
}

func (m *SceneMemory) sweepLocked(nowMs int64) {
	ttlMs := m.ttl.Milliseconds()
	for name, obj := range m.objects {
		if nowMs-obj.LastSeenAtMs > ttlMs {
			delete(m.objects, name)
		}
	}
}

// Snapshot returns a copy of the current state. Objects past their TTL are
// left out even before the next merge sweeps them. Objects are ordered most
// recently seen first, then by name.
func (m *SceneMemory) Snapshot(now time.Time) SceneSnapshot {
	nowMs := now.UnixMilli()

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := SceneSnapshot{
		Objects:          make([]TrackedObject, 0, len(m.objects)),
		Actions:          make([]Action, len(m.actions)),
		SceneDescription: m.sceneDescription,
		LastUpdatedMs:    m.lastUpdatedMs,
	}
	ttlMs := m.ttl.Milliseconds()
	for _, obj := range m.objects {
		age := nowMs - obj.LastSeenAtMs
		if age > ttlMs {
			continue
		}
		if age < 0 {
			age = 0
		}
		snap.Objects = append(snap.Objects, TrackedObject{DetectedObject: obj, AgeMs: age})
	}
	sort.Slice(snap.Objects, func(i, j int) bool {
		a, b := snap.Objects[i], snap.Objects[j]
		if a.LastSeenAtMs != b.LastSeenAtMs {
			return a.LastSeenAtMs > b.LastSeenAtMs
		}
		return a.Name < b.Name
	})
	copy(snap.Actions, m.actions)
	return snap
}

func (m *SceneMemory) Object(name string) (DetectedObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[name]
	return obj, ok
}

func (m *SceneMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string]DetectedObject)
	m.actions = nil
	m.sceneDescription = ""
	m.lastUpdatedMs = 0
}
