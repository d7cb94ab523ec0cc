package blob

// Store is the persistence abstraction for object payloads.
// The Registry uses Store for all reads and writes and serializes access to
// it; implementations do not need their own locking.
type Store interface {
	Get(id string) (Object, bool)
	Put(o Object)
	Delete(id string) bool
	Len() int
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	objects map[string]Object
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]Object)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id string) (Object, bool) {
	o, ok := s.objects[id]
	return o, ok
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(o Object) {
	s.objects[o.ID] = o
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(id string) bool {
	if _, ok := s.objects[id]; !ok {
		return false
	}
	delete(s.objects, id)
	return true
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	return len(s.objects)
}
