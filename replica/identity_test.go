package replica

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/jonboulle/clockwork"
)

func TestRegistryOwnership(t *testing.T) {
	localId := NewId()
	registry := NewRegistryWithDefaults(localId, false)

	ownerId := NewId()
	identityId := NewId()

	identity, err := registry.Register(identityId, ownerId)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.HasAuthority, false)

	_, err = registry.Register(identityId, ownerId)
	assert.Equal(t, errors.Is(err, ErrIdentityExists), true)

	found, ok := registry.Find(identityId)
	assert.Equal(t, ok, true)
	assert.Equal(t, found.OwnerId, ownerId)

	// transferring to the local process grants authority
	err = registry.TransferOwnership(identityId, localId)
	assert.Equal(t, err, nil)
	found, _ = registry.Find(identityId)
	assert.Equal(t, found.OwnerId, localId)
	assert.Equal(t, found.HasAuthority, true)

	// and away again clears it
	err = registry.TransferOwnership(identityId, ownerId)
	assert.Equal(t, err, nil)
	found, _ = registry.Find(identityId)
	assert.Equal(t, found.HasAuthority, false)

	err = registry.TransferOwnership(NewId(), localId)
	assert.Equal(t, errors.Is(err, ErrIdentityNotFound), true)
}

func TestRegistryServerAuthority(t *testing.T) {
	serverId := NewId()
	registry := NewRegistryWithDefaults(serverId, true)

	// the server is authoritative for unowned identities
	identity, err := registry.Register(NewId(), Id{})
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.HasAuthority, true)

	clientOwned, err := registry.Register(NewId(), NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, clientOwned.HasAuthority, false)

	assert.Equal(t, len(registry.ListActive()), 2)
	assert.Equal(t, len(registry.ListAuthoritative()), 1)
}

func TestRegistryClearOwner(t *testing.T) {
	serverId := NewId()
	registry := NewRegistryWithDefaults(serverId, true)

	ownerId := NewId()
	idA := NewId()
	idB := NewId()
	registry.Register(idA, ownerId)
	registry.Register(idB, ownerId)
	registry.Register(NewId(), NewId())

	clearedIds := registry.ClearOwner(ownerId)
	assert.Equal(t, len(clearedIds), 2)

	// the identities survive as unowned, and the server takes authority
	for _, id := range []Id{idA, idB} {
		identity, ok := registry.Find(id)
		assert.Equal(t, ok, true)
		assert.Equal(t, identity.OwnerId, Id{})
		assert.Equal(t, identity.HasAuthority, true)
	}

	assert.Equal(t, registry.ClearOwner(ownerId), nil)
}

func TestRegistrySweepOrphans(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(NewId(), true, &RegistrySettings{
		OrphanTimeout: 1 * time.Minute,
		Clock:         clock,
	})

	ownerId := NewId()
	identityId := NewId()
	registry.Register(identityId, ownerId)
	registry.ClearOwner(ownerId)

	assert.Equal(t, len(registry.SweepOrphans()), 0)

	clock.Advance(2 * time.Minute)
	sweptIds := registry.SweepOrphans()
	assert.Equal(t, sweptIds, []Id{identityId})

	_, ok := registry.Find(identityId)
	assert.Equal(t, ok, false)
}

func TestRegistrySequence(t *testing.T) {
	registry := NewRegistryWithDefaults(NewId(), true)
	identityId := NewId()
	registry.Register(identityId, Id{})

	last := uint64(0)
	for range 100 {
		sequence, err := registry.NextSequence(identityId)
		assert.Equal(t, err, nil)
		assert.Equal(t, last < sequence, true)
		last = sequence
	}

	_, err := registry.NextSequence(NewId())
	assert.Equal(t, errors.Is(err, ErrIdentityNotFound), true)
}

func TestRegistryObserveSequence(t *testing.T) {
	registry := NewRegistryWithDefaults(NewId(), true)
	identityId := NewId()
	registry.Register(identityId, NewId())

	registry.ObserveSequence(identityId, 7)
	sequence, err := registry.NextSequence(identityId)
	assert.Equal(t, err, nil)
	assert.Equal(t, sequence, uint64(8))

	// never moves backwards
	registry.ObserveSequence(identityId, 2)
	sequence, _ = registry.NextSequence(identityId)
	assert.Equal(t, sequence, uint64(9))

	// unknown identity is a no-op
	registry.ObserveSequence(NewId(), 5)
}
