package apply

import (
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"tidedb/dberr"
)

// indexRegistry tracks index definitions and in-flight two-phase builds per
// collection. The storage engine stores documents only, so index metadata
// lives here; what matters to replication is idempotent command replay and
// the wait-for-build retry policy.
type indexRegistry struct {
	mu      sync.Mutex
	indexes map[uuid.UUID]map[string]bson.Raw
	builds  map[uuid.UUID]map[string]chan struct{}
}

func newIndexRegistry() *indexRegistry {
	return &indexRegistry{
		indexes: make(map[uuid.UUID]map[string]bson.Raw),
		builds:  make(map[uuid.UUID]map[string]chan struct{}),
	}
}

func (r *indexRegistry) create(coll uuid.UUID, name string, spec bson.Raw) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[coll][name]; ok {
		return dberr.Newf(dberr.CodeIndexAlreadyExists, "index %q already exists", name)
	}
	if r.indexes[coll] == nil {
		r.indexes[coll] = make(map[string]bson.Raw)
	}
	r.indexes[coll][name] = spec
	return nil
}

func (r *indexRegistry) start(coll uuid.UUID, name string, spec bson.Raw) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexes[coll][name]; ok {
		return dberr.Newf(dberr.CodeIndexAlreadyExists, "index %q already exists", name)
	}
	if _, ok := r.builds[coll][name]; ok {
		return dberr.Newf(dberr.CodeIndexBuildAlreadyInProgress, "index %q already building", name)
	}
	if r.builds[coll] == nil {
		r.builds[coll] = make(map[string]chan struct{})
	}
	r.builds[coll][name] = make(chan struct{})
	return nil
}

func (r *indexRegistry) commit(coll uuid.UUID, name string, spec bson.Raw) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if done, ok := r.builds[coll][name]; ok {
		close(done)
		delete(r.builds[coll], name)
	}
	if r.indexes[coll] == nil {
		r.indexes[coll] = make(map[string]bson.Raw)
	}
	r.indexes[coll][name] = spec
	return nil
}

func (r *indexRegistry) abort(coll uuid.UUID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if done, ok := r.builds[coll][name]; ok {
		close(done)
		delete(r.builds[coll], name)
	}
}

func (r *indexRegistry) lookup(coll uuid.UUID, name string) (bson.Raw, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.indexes[coll][name]
	return spec, ok
}

func (r *indexRegistry) setSpec(coll uuid.UUID, name string, spec bson.Raw) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexes[coll] == nil {
		r.indexes[coll] = make(map[string]bson.Raw)
	}
	r.indexes[coll][name] = spec
}

func (r *indexRegistry) dropCollection(coll uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexes, coll)
	for _, done := range r.builds[coll] {
		close(done)
	}
	delete(r.builds, coll)
}

// awaitAllBuilds blocks until no build is in flight on any collection.
func (r *indexRegistry) awaitAllBuilds() {
	for {
		r.mu.Lock()
		var done chan struct{}
		for _, byName := range r.builds {
			for _, ch := range byName {
				done = ch
				break
			}
			if done != nil {
				break
			}
		}
		r.mu.Unlock()
		if done == nil {
			return
		}
		<-done
	}
}

// awaitBuilds blocks until every in-flight build on the collection settles.
// Used by the BackgroundOperationInProgress retry policy.
func (r *indexRegistry) awaitBuilds(coll uuid.UUID) {
	for {
		r.mu.Lock()
		var done chan struct{}
		for _, ch := range r.builds[coll] {
			done = ch
			break
		}
		r.mu.Unlock()
		if done == nil {
			return
		}
		<-done
	}
}
