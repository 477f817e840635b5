package chain

import (
	"context"

	"github.com/roach88/ledgerops/internal/ir"
)

// NativeAsset is the mint argument that selects the ledger's native asset.
const NativeAsset = ""

// Authority selects which mint authority SetAuthority removes.
type Authority string

const (
	AuthorityMint   Authority = "mint"
	AuthorityFreeze Authority = "freeze"
)

// Encoder turns high-level intent into opaque ledger instructions.
// Amounts are always in base units.
type Encoder interface {
	CreateMint(mint, authority string, decimals uint8) (ir.Instruction, error)
	CreateTokenAccount(payer, owner, mint string) (ir.Instruction, error)
	RegisterMetadata(mint, authority string, md ir.Metadata) (ir.Instruction, error)
	UpdateMetadata(mint, authority string, md ir.Metadata) (ir.Instruction, error)
	MintTo(mint, owner, authority string, amount uint64) (ir.Instruction, error)
	Transfer(from, to, mint string, amount uint64) (ir.Instruction, error)
	CreatePool(pool, mint, payer string) (ir.Instruction, error)
	AddLiquidity(pool, provider, mint string, tokenAmount, nativeAmount uint64) (ir.Instruction, error)
	RevokeAuthority(mint, authority string, which Authority) (ir.Instruction, error)
	CloseAccount(account, destination, owner string) (ir.Instruction, error)
	PriorityFee(fee uint64) (ir.Instruction, error)

	// TokenAccountAddress returns the derived token account of owner for mint.
	TokenAccountAddress(owner, mint string) (string, error)
}

// Signer produces signatures on behalf of wallet references. Signing may
// block for as long as a remote or interactive signer needs.
type Signer interface {
	Sign(ctx context.Context, signer string, message []byte) ([]byte, error)

	// Generate creates a fresh keypair held by the signer and returns its
	// address.
	Generate(ctx context.Context) (string, error)
}

// BundleReceipt is the atomic channel's answer to a bundle submission.
type BundleReceipt struct {
	Accepted  bool
	ChannelID string
}

// AtomicChannel submits bundles that land all-or-nothing. Networks without
// an atomic channel pass a nil AtomicChannel to the orchestrator.
type AtomicChannel interface {
	SubmitBundle(ctx context.Context, txs []ir.Transaction) (BundleReceipt, error)
}

// Confirmation is the observed status of a submitted transaction.
type Confirmation string

const (
	Confirmed Confirmation = "confirmed"
	Pending   Confirmation = "pending"
	Failed    Confirmation = "failed"
	NotFound  Confirmation = "not_found"
)

// StandardChannel submits single transactions and polls for confirmation.
type StandardChannel interface {
	SubmitOne(ctx context.Context, tx ir.Transaction) (string, error)
	PollConfirmation(ctx context.Context, id string) (Confirmation, error)
}

// StatusReader looks up the final on-chain status of a transaction. It is
// used to settle unknown outcomes before compensating.
type StatusReader interface {
	TransactionStatus(ctx context.Context, id string) (Confirmation, error)
}

// BalanceReader returns balances in base units. A mint of NativeAsset
// selects the native balance.
type BalanceReader interface {
	Balance(ctx context.Context, owner, mint string) (uint64, error)
}

// AccountReader answers read-only questions about accounts.
type AccountReader interface {
	AccountExists(ctx context.Context, address string) (bool, error)

	// AccountEmpty reports whether an existing account holds no tokens
	// or liquidity and can be closed.
	AccountEmpty(ctx context.Context, address string) (bool, error)
}

// BlockhashSource returns a recent blockhash for transaction derivation.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (string, error)
}

// MetadataStore is the external metadata storage rollback hook.
type MetadataStore interface {
	RollbackUpload(ctx context.Context, uri string) (string, error)
}

// Ledger bundles the read and write surfaces of a ledger node.
type Ledger interface {
	StandardChannel
	StatusReader
	BalanceReader
	AccountReader
	BlockhashSource
}
