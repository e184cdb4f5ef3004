// Package txstore is the authoritative table of transaction records: their
// status state machine, an append-only diff history per record, and filtered
// queries over them. Every other component reads copies out of the store and
// writes changes back through Update, Modify or SetStatus.
package txstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultHistoryLimit is the number of records retained before terminal ones are evicted
const DefaultHistoryLimit = 60

// Backend persists records. Implementations MUST be safe for concurrent use.
type Backend interface {
	// LoadRecords returns every persisted record
	LoadRecords() ([]*Record, error)
	// PutRecord creates or replaces a record keyed by its id
	PutRecord(r *Record) error
	// DeleteRecord removes a record, it is not an error if it does not exist
	DeleteRecord(id string) error
}

// StatusChange is delivered to listeners after a status transition is committed
type StatusChange struct {
	Record *Record
	From   Status
	To     Status
	Note   string
}

// StatusListener receives status change notifications
type StatusListener func(change StatusChange)

// Store holds transaction records in memory and mirrors them to a Backend
type Store struct {
	mu sync.RWMutex

	records map[string]*Record
	seq     uint64
	idBase  int64

	historyLimit    int
	activeChainID   uint64
	activeNetworkID string

	backend Backend
	clock   clock.Clock

	listenersMu sync.RWMutex
	listeners   []StatusListener
}

// Option configures a Store
type Option func(*Store)

// WithBackend sets the persistence backend
func WithBackend(b Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// WithClock sets the clock used for record and history timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithHistoryLimit sets how many records are retained before eviction
func WithHistoryLimit(limit int) Option {
	return func(s *Store) {
		s.historyLimit = limit
	}
}

// WithActiveNetwork sets the chain queries are scoped to by default
func WithActiveNetwork(chainID uint64, networkID string) Option {
	return func(s *Store) {
		s.activeChainID = chainID
		s.activeNetworkID = networkID
	}
}

// New creates a store and loads every record the backend holds
func New(opts ...Option) (*Store, error) {
	s := &Store{
		records:      make(map[string]*Record),
		historyLimit: DefaultHistoryLimit,
		clock:        clock.NewDefaultClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.idBase = s.clock.Now().UnixNano()

	if s.backend != nil {
		loaded, err := s.backend.LoadRecords()
		if err != nil {
			return nil, fmt.Errorf("couldn't load transaction records: %w", err)
		}
		for _, r := range loaded {
			s.records[r.ID] = r
			if r.Sequence > s.seq {
				s.seq = r.Sequence
			}
		}
		logger.WithFields(logger.Fields{
			"records": len(loaded),
		}).Debug("txstore: loaded records from backend")
	}
	return s, nil
}

// SetActiveNetwork changes the chain queries are scoped to by default
func (s *Store) SetActiveNetwork(chainID uint64, networkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChainID = chainID
	s.activeNetworkID = networkID
}

// ActiveNetwork returns the chain queries are scoped to by default
func (s *Store) ActiveNetwork() (uint64, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChainID, s.activeNetworkID
}

// Subscribe registers a listener for status changes. Listeners run after the
// change is committed and a panicking listener never affects the store.
func (s *Store) Subscribe(l StatusListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Create validates the params of r and stores it as a new record. The id, time
// and initial history are assigned here; the status defaults to Unapproved.
func (s *Store) Create(r Record) (*Record, error) {
	if err := ValidateParams(r.TxParams); err != nil {
		return nil, err
	}
	if r.Status == "" {
		r.Status = StatusUnapproved
	}
	if !r.Status.IsValid() {
		return nil, errors.Join(ErrInvalidParams, fmt.Errorf("unknown status %q", r.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := r.Clone()
	rec.Time = s.clock.Now()
	if err := s.insertLocked(rec); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"tx_id":    rec.ID,
		"chain_id": rec.ChainID,
		"wallet":   rec.TxParams.From.Hex(),
		"status":   rec.Status,
	}).Debug("txstore: record created")

	return rec.Clone(), nil
}

// insertLocked assigns identity and initial history, persists and evicts.
// MUST be called with s.mu held.
func (s *Store) insertLocked(rec *Record) error {
	s.seq++
	rec.Sequence = s.seq
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("%d-%d", s.idBase, s.seq)
	}
	if rec.Time.IsZero() {
		rec.Time = s.clock.Now()
	}
	entry, err := initialHistory(rec, s.clock.Now())
	if err != nil {
		return err
	}
	rec.History = []HistoryEntry{entry}

	if err := s.persistLocked(rec); err != nil {
		return err
	}
	s.records[rec.ID] = rec
	s.evictLocked()
	return nil
}

// Get returns a copy of the record with the given id
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// GetByHash returns a copy of the first record on chainID with the given hash
func (s *Store) GetByHash(chainID uint64, hash common.Hash) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.sortedLocked() {
		if r.ChainID == chainID && r.Hash == hash {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Update revalidates r and commits it, appending a history entry holding the
// diff against the stored state. A no-op update appends nothing.
func (s *Store) Update(r *Record, note string) error {
	if err := ValidateParams(r.TxParams); err != nil {
		return err
	}
	s.mu.Lock()
	change, err := s.updateLocked(r.Clone(), note, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(change)
	return nil
}

// Modify applies fn to a copy of the record with the given id and commits the
// result like Update does. The whole read-modify-write runs under the store lock.
func (s *Store) Modify(id, note string, fn func(r *Record) error) (*Record, error) {
	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	change, err := s.updateLocked(next, note, true)
	var out *Record
	if err == nil {
		out = s.records[id].Clone()
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notify(change)
	return out, nil
}

// SetStatus transitions a record and notifies listeners once the change is committed
func (s *Store) SetStatus(id string, status Status, note string) error {
	_, err := s.Modify(id, note, func(r *Record) error {
		r.Status = status
		return nil
	})
	return err
}

// updateLocked commits next over the stored record with the same id. It
// returns the status change to notify, if any. MUST be called with s.mu held.
func (s *Store) updateLocked(next *Record, note string, checkTransition bool) (*StatusChange, error) {
	cur, ok := s.records[next.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := ValidateParams(next.TxParams); err != nil {
		return nil, err
	}
	if next.Status != cur.Status && checkTransition && !CanTransition(cur.Status, next.Status) {
		return nil, errors.Join(ErrInvalidTransition, fmt.Errorf("%s -> %s for record %s", cur.Status, next.Status, cur.ID))
	}

	// identity and ordering fields never change after creation
	next.ID = cur.ID
	next.Sequence = cur.Sequence
	next.Time = cur.Time
	next.History = cur.History

	patch, err := diffRecords(cur, next)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, nil
	}

	history := make([]HistoryEntry, len(cur.History), len(cur.History)+1)
	copy(history, cur.History)
	next.History = append(history, HistoryEntry{
		Note:      note,
		Timestamp: s.clock.Now(),
		Patch:     patch,
	})

	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.records[next.ID] = next

	if cur.Status == next.Status {
		return nil, nil
	}
	logger.WithFields(logger.Fields{
		"tx_id":    next.ID,
		"tx_hash":  next.Hash.Hex(),
		"chain_id": next.ChainID,
		"from":     cur.Status,
		"to":       next.Status,
		"note":     note,
	}).Debug("txstore: status changed")
	return &StatusChange{Record: next.Clone(), From: cur.Status, To: next.Status, Note: note}, nil
}

// MarkSiblingsDropped drops every record sharing (chainId, from, nonce) with the
// confirmed record, except failed ones, and points them at their replacement.
func (s *Store) MarkSiblingsDropped(confirmedID string) ([]*Record, error) {
	s.mu.Lock()
	confirmed, ok := s.records[confirmedID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if confirmed.Status != StatusConfirmed {
		s.mu.Unlock()
		return nil, errors.Join(ErrInvalidTransition, fmt.Errorf("record %s is %s, not confirmed", confirmedID, confirmed.Status))
	}
	nonce, hasNonce := confirmed.TxParams.NonceValue()
	if !hasNonce {
		s.mu.Unlock()
		return nil, nil
	}

	var (
		changes []*StatusChange
		dropped []*Record
		errs    []error
	)
	for _, r := range s.sortedLocked() {
		if r.ID == confirmed.ID || !isSibling(r, confirmed.ChainID, confirmed.TxParams.From, nonce) {
			continue
		}
		if r.Status == StatusFailed || r.Status == StatusDropped {
			continue
		}
		next := r.Clone()
		next.Status = StatusDropped
		next.ReplacedBy = confirmed.Hash
		next.ReplacedByID = confirmed.ID
		change, err := s.updateLocked(next, "transaction dropped: another transaction with the same nonce was confirmed", false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changes = append(changes, change)
		dropped = append(dropped, s.records[r.ID].Clone())
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.notify(change)
	}
	return dropped, errors.Join(errs...)
}

// MergeResult lists the records a merge committed
type MergeResult struct {
	Added   []*Record
	Updated []*Record
}

// Merge inserts added records and overwrites local records matching updated
// ones by (chainId, hash), keeping the local identity and history. Remote
// state is authoritative here so the state machine is not enforced. Records
// that fail are reported in the error, the rest are committed and returned.
func (s *Store) Merge(added, updated []*Record, note string) (MergeResult, error) {
	var (
		result  MergeResult
		changes []*StatusChange
		errs    []error
	)
	s.mu.Lock()
	for _, r := range added {
		if err := ValidateParams(r.TxParams); err != nil {
			errs = append(errs, fmt.Errorf("hash %s: %w", r.Hash.Hex(), err))
			continue
		}
		rec := r.Clone()
		rec.ID = ""
		if err := s.insertLocked(rec); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Added = append(result.Added, rec.Clone())
	}
	for _, r := range updated {
		local := s.findByHashLocked(r.ChainID, r.Hash)
		if local == nil {
			errs = append(errs, errors.Join(ErrNotFound, fmt.Errorf("hash %s", r.Hash.Hex())))
			continue
		}
		next := mergeRemote(local, r)
		change, err := s.updateLocked(next, note, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Updated = append(result.Updated, s.records[local.ID].Clone())
		if change != nil {
			changes = append(changes, change)
		}
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.notify(change)
	}
	return result, errors.Join(errs...)
}

// Wipe deletes every record sent from address on chainID
func (s *Store) Wipe(address common.Address, chainID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, r := range s.records {
		if r.ChainID != chainID || r.TxParams.From != address {
			continue
		}
		if err := s.deleteLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of records held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// evictLocked removes the oldest terminal records while the store is over its
// retention limit. In-flight records are never evicted. MUST be called with s.mu held.
func (s *Store) evictLocked() {
	if s.historyLimit <= 0 {
		return
	}
	for len(s.records) > s.historyLimit {
		var oldest *Record
		for _, r := range s.sortedLocked() {
			if r.Status.IsTerminal() {
				oldest = r
				break
			}
		}
		if oldest == nil {
			return
		}
		if err := s.deleteLocked(oldest.ID); err != nil {
			logger.WithFields(logger.Fields{
				"tx_id": oldest.ID,
				"error": err,
			}).Warn("txstore: couldn't evict record")
			return
		}
		logger.WithFields(logger.Fields{
			"tx_id":  oldest.ID,
			"status": oldest.Status,
		}).Debug("txstore: evicted record over retention limit")
	}
}

func (s *Store) deleteLocked(id string) error {
	if s.backend != nil {
		if err := s.backend.DeleteRecord(id); err != nil {
			return errors.Join(ErrPersist, err)
		}
	}
	delete(s.records, id)
	return nil
}

func (s *Store) persistLocked(r *Record) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.PutRecord(r); err != nil {
		return errors.Join(ErrPersist, fmt.Errorf("record %s: %w", r.ID, err))
	}
	return nil
}

func (s *Store) findByHashLocked(chainID uint64, hash common.Hash) *Record {
	for _, r := range s.sortedLocked() {
		if r.ChainID == chainID && r.Hash == hash {
			return r
		}
	}
	return nil
}

// sortedLocked returns the stored records ordered by time then insertion sequence
func (s *Store) sortedLocked() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (s *Store) notify(change *StatusChange) {
	if change == nil {
		return
	}
	s.listenersMu.RLock()
	listeners := make([]StatusListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.WithFields(logger.Fields{
						"tx_id": change.Record.ID,
						"panic": p,
					}).Error("txstore: status listener panicked")
				}
			}()
			l(StatusChange{Record: change.Record.Clone(), From: change.From, To: change.To, Note: change.Note})
		}()
	}
}

func isSibling(r *Record, chainID uint64, from common.Address, nonce uint64) bool {
	n, ok := r.TxParams.NonceValue()
	return ok && n == nonce && r.ChainID == chainID && r.TxParams.From == from
}

// mergeRemote overlays the chain-observed fields of remote onto a copy of local
func mergeRemote(local, remote *Record) *Record {
	next := local.Clone()
	next.Status = remote.Status
	next.TxParams.GasUsed = copyUint64(remote.TxParams.GasUsed)
	if remote.Receipt != nil {
		receipt := *remote.Receipt
		next.Receipt = &receipt
	}
	if remote.BlockNumber != nil {
		next.BlockNumber = copyUint64(remote.BlockNumber)
	}
	if remote.BlockTimestamp != 0 {
		next.BlockTimestamp = remote.BlockTimestamp
	}
	if remote.Err != nil {
		txErr := *remote.Err
		next.Err = &txErr
	}
	next.VerifiedOnBlockchain = next.VerifiedOnBlockchain || remote.VerifiedOnBlockchain
	return next
}
