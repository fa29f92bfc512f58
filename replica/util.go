package replica

import (
	"slices"
	"sync"
)

// makes a copy of the list on update so `Get` can be iterated without the lock
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}
