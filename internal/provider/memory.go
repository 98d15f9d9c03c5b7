package provider

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// OpKind names a Store operation for failure injection and call counting.
type OpKind string

const (
	OpEnsureContainer OpKind = "ensure_container"
	OpStageBlock      OpKind = "stage_block"
	OpCommitBlocks    OpKind = "commit_blocks"
	OpSetMetadata     OpKind = "set_metadata"
	OpArchive         OpKind = "archive"
	OpMetadata        OpKind = "metadata"
)

// Op describes one Store call.
type Op struct {
	Kind      OpKind
	Container string
	Object    string
	BlockID   string
}

// MemoryObject is a snapshot of an object held by a MemoryStore.
type MemoryObject struct {
	Content  []byte
	BlockIDs []string
	Metadata map[string]string
	Archived bool
}

type memoryObject struct {
	staged    map[string][]byte
	committed []string
	content   []byte
	metadata  map[string]string
	exists    bool
	archived  bool
}

// MemoryStore is an in-memory Store. It is safe for concurrent use and
// supports failure injection, which makes it the store used in tests.
type MemoryStore struct {
	mu         sync.Mutex
	containers map[string]map[string]*memoryObject
	calls      map[OpKind]int
	failure    func(Op) error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]map[string]*memoryObject),
		calls:      make(map[OpKind]int),
	}
}

// NewMemoryProvider creates a provider named name over a fresh MemoryStore.
func NewMemoryProvider(name string) (*BlobProvider, *MemoryStore) {
	store := NewMemoryStore()
	return NewBlobProvider(name, store), store
}

// SetFailure installs fn, consulted before every call. A non-nil result is
// returned in place of performing the call. A nil fn removes the hook.
func (m *MemoryStore) SetFailure(fn func(Op) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = fn
}

// Calls returns how many times an operation ran, failed attempts included.
func (m *MemoryStore) Calls(kind OpKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// Object returns a snapshot of a committed object.
func (m *MemoryStore) Object(container, object string) (MemoryObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.containers[container][object]
	if obj == nil || !obj.exists {
		return MemoryObject{}, false
	}
	md := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return MemoryObject{
		Content:  bytes.Clone(obj.content),
		BlockIDs: append([]string(nil), obj.committed...),
		Metadata: md,
		Archived: obj.archived,
	}, true
}

// PutMetadata overwrites an object's metadata directly, creating an empty
// object if needed. Tests use it to plant foreign or stale remote state.
func (m *MemoryStore) PutMetadata(container, object string, metadata map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.object(container, object)
	obj.exists = true
	obj.metadata = metadata
}

func (m *MemoryStore) begin(op Op) error {
	m.calls[op.Kind]++
	if m.failure != nil {
		return m.failure(op)
	}
	return nil
}

func (m *MemoryStore) object(container, object string) *memoryObject {
	objects := m.containers[container]
	if objects == nil {
		objects = make(map[string]*memoryObject)
		m.containers[container] = objects
	}
	obj := objects[object]
	if obj == nil {
		obj = &memoryObject{staged: make(map[string][]byte)}
		objects[object] = obj
	}
	return obj
}

func (m *MemoryStore) EnsureContainer(_ context.Context, container string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Op{Kind: OpEnsureContainer, Container: container}); err != nil {
		return err
	}
	if m.containers[container] == nil {
		m.containers[container] = make(map[string]*memoryObject)
	}
	return nil
}

func (m *MemoryStore) StageBlock(_ context.Context, container, object, blockID string, data []byte, sum Checksum) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Op{Kind: OpStageBlock, Container: container, Object: object, BlockID: blockID}); err != nil {
		return err
	}
	if m.containers[container] == nil {
		return fmt.Errorf("container %s does not exist", container)
	}
	if err := sum.Verify(data); err != nil {
		return err
	}
	m.object(container, object).staged[blockID] = bytes.Clone(data)
	return nil
}

func (m *MemoryStore) CommitBlocks(_ context.Context, container, object string, blockIDs []string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Op{Kind: OpCommitBlocks, Container: container, Object: object}); err != nil {
		return err
	}
	obj := m.object(container, object)
	var content []byte
	for _, id := range blockIDs {
		data, ok := obj.staged[id]
		if !ok {
			return fmt.Errorf("block %s is not staged", id)
		}
		content = append(content, data...)
	}
	obj.committed = append([]string(nil), blockIDs...)
	obj.content = content
	obj.metadata = metadata
	obj.exists = true
	return nil
}

func (m *MemoryStore) SetMetadata(_ context.Context, container, object string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Op{Kind: OpSetMetadata, Container: container, Object: object}); err != nil {
		return err
	}
	obj := m.containers[container][object]
	if obj == nil || !obj.exists {
		return ErrObjectNotFound
	}
	obj.metadata = metadata
	return nil
}

func (m *MemoryStore) Archive(_ context.Context, container, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Op{Kind: OpArchive, Container: container, Object: object}); err != nil {
		return err
	}
	obj := m.containers[container][object]
	if obj == nil || !obj.exists {
		return ErrObjectNotFound
	}
	obj.archived = true
	return nil
}

func (m *MemoryStore) Metadata(_ context.Context, container, object string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Op{Kind: OpMetadata, Container: container, Object: object}); err != nil {
		return nil, err
	}
	obj := m.containers[container][object]
	if obj == nil || !obj.exists {
		return nil, ErrObjectNotFound
	}
	md := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return md, nil
}
