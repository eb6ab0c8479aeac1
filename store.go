package conductor

import (
	"hash/fnv"
	"sync"
)

// WorkflowStore holds live workflow instances keyed by workflow ID. All
// instance lookup goes through this interface so storage can later move to a
// durable backend without touching scheduling logic.
type WorkflowStore interface {
	// Create stores a new instance. Fails if the ID already exists.
	Create(instance *Instance) error

	// Get returns the instance for the given workflow ID.
	Get(workflowID string) (*Instance, error)

	// Delete removes an instance.
	Delete(workflowID string) error

	// List returns all stored instances in no particular order.
	List() []*Instance
}

const storeShardCount = 16

type storeShard struct {
	mutex     sync.RWMutex
	instances map[string]*Instance
}

// ShardedStore is an in-memory WorkflowStore sharded by workflow ID to keep
// lock contention local under concurrent instances.
type ShardedStore struct {
	shards [storeShardCount]*storeShard
}

// NewShardedStore creates an empty in-memory store.
func NewShardedStore() *ShardedStore {
	store := &ShardedStore{}
	for i := range store.shards {
		store.shards[i] = &storeShard{instances: map[string]*Instance{}}
	}
	return store
}

func (s *ShardedStore) shard(workflowID string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return s.shards[h.Sum32()%storeShardCount]
}

func (s *ShardedStore) Create(instance *Instance) error {
	shard := s.shard(instance.ID())
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, exists := shard.instances[instance.ID()]; exists {
		return NewError(ErrorTypeInvalidTransition, "workflow %s already exists", instance.ID())
	}
	shard.instances[instance.ID()] = instance
	return nil
}

func (s *ShardedStore) Get(workflowID string) (*Instance, error) {
	shard := s.shard(workflowID)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	instance, ok := shard.instances[workflowID]
	if !ok {
		return nil, NewError(ErrorTypeUnknownWorkflow, "no workflow with id %s", workflowID)
	}
	return instance, nil
}

func (s *ShardedStore) Delete(workflowID string) error {
	shard := s.shard(workflowID)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, ok := shard.instances[workflowID]; !ok {
		return NewError(ErrorTypeUnknownWorkflow, "no workflow with id %s", workflowID)
	}
	delete(shard.instances, workflowID)
	return nil
}

func (s *ShardedStore) List() []*Instance {
	var instances []*Instance
	for _, shard := range s.shards {
		shard.mutex.RLock()
		for _, instance := range shard.instances {
			instances = append(instances, instance)
		}
		shard.mutex.RUnlock()
	}
	return instances
}
