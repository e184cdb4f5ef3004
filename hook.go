package txkeeper

import (
	"github.com/tranvictor/txkeeper/internal/reconcile"
	"github.com/tranvictor/txkeeper/txstore"
)

// StatusHook is called after a record's status change is committed. Hooks run
// synchronously on the goroutine that made the change; a panicking hook is
// recovered and logged.
type StatusHook func(change txstore.StatusChange)

// TransactionsHook is called once per reconciliation that added or updated records
type TransactionsHook func(batch reconcile.Batch)

// WatermarkHook is called when the last fetched block of a wallet advances
type WatermarkHook func(change reconcile.WatermarkChange)

// SubscribeStatus registers hook for every status change of every record
func (k *Keeper) SubscribeStatus(hook StatusHook) {
	k.store.Subscribe(txstore.StatusListener(hook))
}

// SubscribeTransactions registers hook for reconciled batches
func (k *Keeper) SubscribeTransactions(hook TransactionsHook) {
	k.reconciler.OnBatch(reconcile.BatchListener(hook))
}

// SubscribeWatermark registers hook for watermark advances
func (k *Keeper) SubscribeWatermark(hook WatermarkHook) {
	k.reconciler.OnWatermark(reconcile.WatermarkListener(hook))
}
