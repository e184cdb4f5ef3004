// Package testutil provides testing utilities for txkeeper.
//
// This package contains test fixtures, record builders and a fake chain
// client that are commonly used across tests in the txkeeper packages.
//
// # Import Cycles
//
// testutil imports txstore, so tests inside package txstore that want these
// helpers live in the external txstore_test package.
//
// # Test Fixtures
//
// Common test values are provided:
//   - TestAddr1, TestAddr2, TestAddr3, TestContract: Common test addresses
//   - TestPrivateKey1, TestPrivateKeyHex, TestPrivateKey1Address: Test private keys and derived address
//   - OneEth, TwentyGwei, TwoGwei: Common value constants
//   - ChainIDMainnet, ChainIDSepolia: Common chain IDs
//
// # Builders
//
//   - NewRecord: Build a txstore.Record with sensible fee-market defaults
//   - NewTx, NewDynamicTx, NewLegacyTx: Create go-ethereum transactions
//   - NewSuccessReceipt, NewFailedReceipt: Create test receipts
//
// # Fake Chain
//
// FakeChain implements every chain client method the txkeeper components
// consume, backed by in-memory maps that tests populate.
//
// # Example Usage
//
//	func TestMyFunction(t *testing.T) {
//	    chain := testutil.NewFakeChain(testutil.ChainIDMainnet)
//	    chain.SetNonce(testutil.TestAddr1, 3)
//
//	    rec := testutil.NewRecord(testutil.TestAddr1).WithNonce(3).Build()
//	    // ...
//	}
package testutil
