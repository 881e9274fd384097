package automationengine

import (
	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/internal/statemachine"
)

// StoreAdapter satisfies StateMachine for a concrete *statemachine.Store.
// It exists because Go interface satisfaction requires exact method
// signatures: Store.Subscribe returns *statemachine.EventReceiver, not the
// engine's narrower EventReceiver interface, so the two can't be wired
// directly without this thin shim.
type StoreAdapter struct {
	Store *statemachine.Store
}

func (a StoreAdapter) Get(entityID string) (entity.State, bool) {
	return a.Store.Get(entityID)
}

func (a StoreAdapter) Subscribe() EventReceiver {
	return a.Store.Subscribe()
}
