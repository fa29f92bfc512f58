package replica

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

type ChangeFunction func(oldValue any, newValue any)

// FieldDescriptor declares one replicated field of a component type.
// immutable after registration.
type FieldDescriptor struct {
	FieldId uint32
	Name    string
	// only the authority holder may originate changes
	AuthorityOnly bool
	// minimum interval between accepted outbound changes. zero disables
	// per-field throttling.
	ThrottleInterval time.Duration
	// invoked with (old, new) after an accepted local or remote change
	OnChange ChangeFunction
}

// FieldTable is the immutable registration table for one component type,
// keyed by field id.
type FieldTable struct {
	componentType string
	fields        map[uint32]*FieldDescriptor
	orderedIds    []uint32
}

func NewFieldTable(componentType string, descriptors ...*FieldDescriptor) (*FieldTable, error) {
	fields := map[uint32]*FieldDescriptor{}
	orderedIds := []uint32{}
	for _, descriptor := range descriptors {
		if _, ok := fields[descriptor.FieldId]; ok {
			return nil, fmt.Errorf("duplicate field id %d for component type %s", descriptor.FieldId, componentType)
		}
		fields[descriptor.FieldId] = descriptor
		orderedIds = append(orderedIds, descriptor.FieldId)
	}
	slices.Sort(orderedIds)
	return &FieldTable{
		componentType: componentType,
		fields:        fields,
		orderedIds:    orderedIds,
	}, nil
}

func RequireNewFieldTable(componentType string, descriptors ...*FieldDescriptor) *FieldTable {
	fieldTable, err := NewFieldTable(componentType, descriptors...)
	if err != nil {
		panic(err)
	}
	return fieldTable
}

func (self *FieldTable) ComponentType() string {
	return self.componentType
}

func (self *FieldTable) Field(fieldId uint32) (*FieldDescriptor, bool) {
	descriptor, ok := self.fields[fieldId]
	return descriptor, ok
}

func (self *FieldTable) FieldIds() []uint32 {
	return self.orderedIds
}

// Schema is the set of field tables for all replicated component types,
// built once at startup.
type Schema struct {
	tables map[string]*FieldTable
}

func NewSchema(tables ...*FieldTable) *Schema {
	schemaTables := map[string]*FieldTable{}
	for _, table := range tables {
		schemaTables[table.componentType] = table
	}
	return &Schema{
		tables: schemaTables,
	}
}

func (self *Schema) Table(componentType string) (*FieldTable, bool) {
	table, ok := self.tables[componentType]
	return table, ok
}

// ComponentProvider is the contract to the entity/component container that
// owns the replicated objects. the container is an external collaborator.
type ComponentProvider interface {
	// component types present on the identity
	FindComponents(identityId Id) []string
	GetField(identityId Id, componentType string, fieldId uint32) (any, bool)
	SetField(identityId Id, componentType string, fieldId uint32, value any) bool
}

type mapComponentKey struct {
	identityId    Id
	componentType string
}

// MapProvider is an in-memory component container for tests and demos.
type MapProvider struct {
	stateLock  sync.Mutex
	components map[mapComponentKey]map[uint32]any
}

func NewMapProvider() *MapProvider {
	return &MapProvider{
		components: map[mapComponentKey]map[uint32]any{},
	}
}

func (self *MapProvider) AddComponent(identityId Id, componentType string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := mapComponentKey{identityId: identityId, componentType: componentType}
	if _, ok := self.components[key]; !ok {
		self.components[key] = map[uint32]any{}
	}
}

func (self *MapProvider) RemoveComponents(identityId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key := range self.components {
		if key.identityId == identityId {
			delete(self.components, key)
		}
	}
}

func (self *MapProvider) FindComponents(identityId Id) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	componentTypes := []string{}
	for key := range self.components {
		if key.identityId == identityId {
			componentTypes = append(componentTypes, key.componentType)
		}
	}
	slices.Sort(componentTypes)
	return componentTypes
}

func (self *MapProvider) GetField(identityId Id, componentType string, fieldId uint32) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fields, ok := self.components[mapComponentKey{identityId: identityId, componentType: componentType}]
	if !ok {
		return nil, false
	}
	value, ok := fields[fieldId]
	return value, ok
}

func (self *MapProvider) SetField(identityId Id, componentType string, fieldId uint32, value any) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	fields, ok := self.components[mapComponentKey{identityId: identityId, componentType: componentType}]
	if !ok {
		return false
	}
	fields[fieldId] = value
	return true
}
