package txstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txkeeper/testutil"
	"github.com/tranvictor/txkeeper/txstore"
)

func nonces(t *testing.T, records []*txstore.Record) []uint64 {
	t.Helper()
	out := make([]uint64, 0, len(records))
	for _, r := range records {
		n, ok := r.TxParams.NonceValue()
		require.True(t, ok)
		out = append(out, n)
	}
	return out
}

func TestQueryLimitByNonce(t *testing.T) {
	s, c := newTestStore(t)
	for i, n := range []uint64{0, 1, 1, 2, 3} {
		c.SetTime(testTime.Add(time.Duration(i) * time.Minute))
		_, err := s.Create(testutil.NewRecord(testutil.TestAddr1).WithNonce(n).Build())
		require.NoError(t, err)
	}

	tests := []struct {
		limit int
		want  []uint64
	}{
		{0, []uint64{0, 1, 1, 2, 3}},
		{1, []uint64{3}},
		{2, []uint64{2, 3}},
		{3, []uint64{1, 1, 2, 3}},
		{10, []uint64{0, 1, 1, 2, 3}},
	}
	for _, tt := range tests {
		got := s.Query(txstore.Query{Limit: tt.limit})
		assert.Equal(t, tt.want, nonces(t, got), "limit %d", tt.limit)
	}
}

func TestQueryLimitWithoutNonce(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Create(testutil.NewRecord(testutil.TestAddr1).Build())
		require.NoError(t, err)
	}
	assert.Len(t, s.Query(txstore.Query{Limit: 2}), 2)
}

func TestQueryFilters(t *testing.T) {
	s, c := newTestStore(t)

	create := func(b *testutil.RecordBuilder) *txstore.Record {
		c.SetTime(c.Now().Add(time.Second))
		rec, err := s.Create(b.Build())
		require.NoError(t, err)
		return rec
	}
	pending := create(testutil.NewRecord(testutil.TestAddr1).WithNonce(0).WithStatus(txstore.StatusSubmitted).WithHash(testutil.Hash(1)))
	confirmed := create(testutil.NewRecord(testutil.TestAddr1).WithNonce(1).WithStatus(txstore.StatusConfirmed).WithHash(testutil.Hash(2)))
	otherWallet := create(testutil.NewRecord(testutil.TestAddr3).WithNonce(0).WithStatus(txstore.StatusSubmitted).WithHash(testutil.Hash(3)))
	sepolia := create(testutil.NewRecord(testutil.TestAddr1).WithNonce(0).WithChainID(testutil.ChainIDSepolia))

	ids := func(records []*txstore.Record) []string {
		out := make([]string, 0, len(records))
		for _, r := range records {
			out = append(out, r.ID)
		}
		return out
	}

	t.Run("active network by default", func(t *testing.T) {
		got := s.Query(txstore.Query{})
		assert.Equal(t, []string{pending.ID, confirmed.ID, otherWallet.ID}, ids(got))
	})

	t.Run("chain override", func(t *testing.T) {
		chainID := testutil.ChainIDSepolia
		got := s.Query(txstore.Query{ChainID: &chainID})
		assert.Equal(t, []string{sepolia.ID}, ids(got))
	})

	t.Run("all networks", func(t *testing.T) {
		got := s.Query(txstore.Query{AllNetworks: true})
		assert.Len(t, got, 4)
	})

	t.Run("status filter", func(t *testing.T) {
		got := s.Query(txstore.Query{Statuses: []txstore.Status{txstore.StatusSubmitted}})
		assert.Equal(t, []string{pending.ID, otherWallet.ID}, ids(got))
	})

	t.Run("from filter", func(t *testing.T) {
		from := testutil.TestAddr3
		got := s.Query(txstore.Query{From: &from})
		assert.Equal(t, []string{otherWallet.ID}, ids(got))
	})

	t.Run("predicates", func(t *testing.T) {
		got := s.Query(txstore.Query{Predicates: []func(r *txstore.Record) bool{
			func(r *txstore.Record) bool { return r.Hash == testutil.Hash(2) },
		}})
		assert.Equal(t, []string{confirmed.ID}, ids(got))
	})

	t.Run("active network can change", func(t *testing.T) {
		s.SetActiveNetwork(testutil.ChainIDSepolia, "")
		defer s.SetActiveNetwork(testutil.ChainIDMainnet, "")
		got := s.Query(txstore.Query{})
		assert.Equal(t, []string{sepolia.ID}, ids(got))
	})
}
