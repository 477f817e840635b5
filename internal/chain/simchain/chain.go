package simchain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// DefaultRent is the native amount locked by every created account.
const DefaultRent = 2_039_280

// Stage selects where a scripted sequential failure strikes.
type Stage string

const (
	// StageSubmit fails SubmitOne itself; nothing is sent.
	StageSubmit Stage = "submit"

	// StageExecute accepts the transaction, which then fails on-chain.
	StageExecute Stage = "execute"

	// StageDelay keeps the transaction pending for PendingPolls polls
	// before it lands.
	StageDelay Stage = "delay"

	// StageDrop accepts the transaction but it never lands.
	StageDrop Stage = "drop"

	// StageLost accepts the transaction, which lands normally, but
	// SubmitOne reports an error as if the response never arrived.
	StageLost Stage = "lost"
)

// Failure scripts the sequential submission of one group label.
type Failure struct {
	Stage        Stage      `json:"stage" yaml:"stage"`
	Kind         chain.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Message      string     `json:"message,omitempty" yaml:"message,omitempty"`
	PendingPolls int        `json:"pending_polls,omitempty" yaml:"pending_polls,omitempty"`

	// Times is the number of submissions the failure applies to; zero
	// means every submission.
	Times int `json:"times,omitempty" yaml:"times,omitempty"`
}

// Submission is one transaction as seen by a channel, in arrival order.
type Submission struct {
	Method     ir.Method
	GroupIndex int
	GroupLabel ir.GroupLabel
	TxID       string
	Fee        uint64
}

// Calls counts collaborator invocations.
type Calls struct {
	Bundles           int
	SubmitOne         int
	Polls             int
	Signs             int
	StatusChecks      int
	MetadataRollbacks int
}

type txState struct {
	status  chain.Confirmation
	pending int
	drop    bool
	tx      ir.Transaction
	failure string
}

// Chain is the simulated ledger.
type Chain struct {
	Encoder

	mu         sync.Mutex
	state      *State
	rent       uint64
	slot       uint64
	names      map[string]string
	keys       map[string]ed25519.PrivateKey
	generated  int
	denied     map[string]bool
	txs        map[string]*txState
	bundleErrs []error
	failures   map[ir.GroupLabel]*Failure
	metaErr    error
	submitted  []Submission
	rollbacks  []string
	calls      Calls
}

var (
	_ chain.Ledger        = (*Chain)(nil)
	_ chain.Signer        = (*Chain)(nil)
	_ chain.AtomicChannel = (*Chain)(nil)
	_ chain.MetadataStore = (*Chain)(nil)
	_ chain.Encoder       = (*Chain)(nil)
)

// New creates an empty ledger.
func New() *Chain {
	return &Chain{
		state:    newState(),
		rent:     DefaultRent,
		names:    map[string]string{},
		keys:     map[string]ed25519.PrivateKey{},
		denied:   map[string]bool{},
		txs:      map[string]*txState{},
		failures: map[ir.GroupLabel]*Failure{},
	}
}

// SetRent changes the native amount locked per created account.
func (c *Chain) SetRent(rent uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rent = rent
}

// Rent returns the native amount locked per created account.
func (c *Chain) Rent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rent
}

// keyFor derives a deterministic keypair from a seed label.
func keyFor(label string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte("simchain/key/" + label))
	return ed25519.NewKeyFromSeed(seed[:])
}

func (c *Chain) register(label string) string {
	key := keyFor(label)
	addr := chain.EncodeAddress(key.Public().(ed25519.PublicKey))
	c.keys[addr] = key
	return addr
}

// Wallet returns the address of the named wallet, creating its key on
// first use. The same name always yields the same address.
func (c *Chain) Wallet(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr, ok := c.names[name]; ok {
		return addr
	}
	addr := c.register("wallet/" + name)
	c.names[name] = addr
	return addr
}

// Lookup returns the address of a named wallet without creating it.
func (c *Chain) Lookup(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.names[name]
	return addr, ok
}

// Fund credits native balance to a named wallet and returns its address.
func (c *Chain) Fund(name string, native uint64) string {
	addr := c.Wallet(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Native[addr] += native
	return addr
}

// FundToken creates (if needed) the token account of owner for mint and
// credits it.
func (c *Chain) FundToken(owner, mint string, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ata := tokenAccount(owner, mint)
	if _, ok := c.state.Accounts[ata]; !ok {
		c.state.Accounts[ata] = Account{Kind: accountToken, Owner: owner, Mint: mint}
	}
	c.state.Tokens[ata] += amount
}

// InstallMint installs a mint directly, bypassing transactions.
func (c *Chain) InstallMint(mint, authority string, decimals uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Accounts[mint] = Account{Kind: accountMint, Owner: authority}
	c.state.Mints[mint] = &Mint{Authority: authority, FreezeAuthority: authority, Decimals: decimals, Metadata: map[string]string{}}
}

// DenySigner makes every signing request for address fail.
func (c *Chain) DenySigner(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied[address] = true
}

// ScriptBundles queues results for the next bundle submissions. A nil
// entry accepts the bundle.
func (c *Chain) ScriptBundles(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundleErrs = append(c.bundleErrs, errs...)
}

// RejectBundles queues n BundleRejected results.
func (c *Chain) RejectBundles(n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = chain.NewError(chain.KindBundleRejected, "submit bundle", "bundle rejected by block engine")
	}
	c.ScriptBundles(errs...)
}

// FailGroup scripts sequential failures for a group label.
func (c *Chain) FailGroup(label ir.GroupLabel, f Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := f
	c.failures[label] = &cp
}

// FailMetadataRollback makes the metadata hook return err.
func (c *Chain) FailMetadataRollback(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metaErr = err
}

// Calls returns a snapshot of invocation counters.
func (c *Chain) Calls() Calls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Submitted returns every transaction received by either channel, in
// arrival order.
func (c *Chain) Submitted() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.submitted...)
}

// MetadataRollbacks returns the URIs passed to the rollback hook.
func (c *Chain) MetadataRollbacks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rollbacks...)
}

// Landed returns the ids of transactions applied to the ledger.
func (c *Chain) Landed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, st := range c.txs {
		if st.status == chain.Confirmed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Mint returns a copy of a mint's state.
func (c *Chain) Mint(address string) (Mint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.state.Mints[address]
	if !ok {
		return Mint{}, false
	}
	return *m, true
}

// Pool returns a copy of a pool's state.
func (c *Chain) Pool(address string) (Pool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.state.Pools[address]
	if !ok {
		return Pool{}, false
	}
	return *p, true
}

// Sign implements chain.Signer.
func (c *Chain) Sign(ctx context.Context, signer string, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Signs++
	if c.denied[signer] {
		return nil, fmt.Errorf("signer %s refused to sign", signer)
	}
	key, ok := c.keys[signer]
	if !ok {
		return nil, fmt.Errorf("no key held for %s", signer)
	}
	return ed25519.Sign(key, message), nil
}

// Generate implements chain.Signer.
func (c *Chain) Generate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generated++
	return c.register(fmt.Sprintf("generated/%d", c.generated)), nil
}

// LatestBlockhash implements chain.BlockhashSource. Every call advances the
// slot, so every derivation sees a fresh blockhash.
func (c *Chain) LatestBlockhash(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.slot)
	sum := sha256.Sum256(append([]byte("simchain/blockhash/"), buf[:]...))
	return chain.EncodeAddress(sum[:]), nil
}

// Balance implements chain.BalanceReader.
func (c *Chain) Balance(ctx context.Context, owner, mint string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if mint == chain.NativeAsset {
		return c.state.Native[owner], nil
	}
	return c.state.Tokens[tokenAccount(owner, mint)], nil
}

// AccountExists implements chain.AccountReader.
func (c *Chain) AccountExists(ctx context.Context, address string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.state.Accounts[address]
	return ok, nil
}

// AccountEmpty implements chain.AccountReader.
func (c *Chain) AccountEmpty(ctx context.Context, address string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.Accounts[address]; !ok {
		return false, chain.NewError(chain.KindAccountNotFound, "account empty", "account %s does not exist", address)
	}
	return c.state.empty(address), nil
}

// RollbackUpload implements chain.MetadataStore.
func (c *Chain) RollbackUpload(ctx context.Context, uri string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.MetadataRollbacks++
	if c.metaErr != nil {
		return "", c.metaErr
	}
	c.rollbacks = append(c.rollbacks, uri)
	return "unpinned", nil
}

// verify checks signatures and required signers of tx.
func (c *Chain) verify(tx ir.Transaction) ([]instruction, error) {
	if len(tx.Signatures) != len(tx.Signers) || len(tx.Signers) == 0 {
		return nil, chain.NewError(chain.KindSimulationFailed, "verify", "transaction %s has %d signatures for %d signers", tx.ID, len(tx.Signatures), len(tx.Signers))
	}
	signed := map[string]bool{}
	for i, signer := range tx.Signers {
		key, ok := c.keys[signer]
		if !ok || !ed25519.Verify(key.Public().(ed25519.PublicKey), tx.Message, tx.Signatures[i]) {
			return nil, chain.NewError(chain.KindSimulationFailed, "verify", "invalid signature from %s", signer)
		}
		signed[signer] = true
	}
	ins := make([]instruction, 0, len(tx.Instructions))
	for _, raw := range tx.Instructions {
		in, err := decode(raw)
		if err != nil {
			return nil, chain.Wrap(chain.KindSimulationFailed, "verify", err)
		}
		for _, req := range requiredSigners(in) {
			if !signed[req] {
				return nil, chain.NewError(chain.KindSimulationFailed, "verify", "%s requires signature from %s", in.Op, req)
			}
		}
		ins = append(ins, in)
	}
	return ins, nil
}

// execute applies ins to st, committing only if all succeed.
func (c *Chain) execute(st *State, ins []instruction) (*State, error) {
	next := st.clone()
	for _, in := range ins {
		if err := next.apply(in, c.rent); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// SubmitBundle implements chain.AtomicChannel. All transactions apply or
// none do.
func (c *Chain) SubmitBundle(ctx context.Context, txs []ir.Transaction) (chain.BundleReceipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.BundleReceipt{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Bundles++
	for _, tx := range txs {
		c.submitted = append(c.submitted, Submission{Method: ir.MethodAtomic, GroupIndex: tx.GroupIndex, GroupLabel: tx.GroupLabel, TxID: tx.ID, Fee: tx.Fee})
	}

	if len(c.bundleErrs) > 0 {
		err := c.bundleErrs[0]
		c.bundleErrs = c.bundleErrs[1:]
		if err != nil {
			return chain.BundleReceipt{}, err
		}
	}
	if len(txs) > ir.MaxBundleSize {
		return chain.BundleReceipt{}, chain.NewError(chain.KindBundleRejected, "submit bundle", "bundle of %d exceeds %d", len(txs), ir.MaxBundleSize)
	}

	next := c.state
	for _, tx := range txs {
		if _, dup := c.txs[tx.ID]; dup {
			return chain.BundleReceipt{}, chain.NewError(chain.KindBundleRejected, "submit bundle", "transaction %s already processed", tx.ID)
		}
		ins, err := c.verify(tx)
		if err != nil {
			return chain.BundleReceipt{}, err
		}
		if next, err = c.execute(next, ins); err != nil {
			return chain.BundleReceipt{}, chain.Wrap(chain.KindSimulationFailed, "submit bundle", err)
		}
	}
	c.state = next
	for _, tx := range txs {
		c.txs[tx.ID] = &txState{status: chain.Confirmed, tx: tx}
	}
	return chain.BundleReceipt{Accepted: true, ChannelID: ir.BundleID(txIDs(txs))}, nil
}

func txIDs(txs []ir.Transaction) []string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}

// takeFailure returns the scripted failure for label, consuming one use.
func (c *Chain) takeFailure(label ir.GroupLabel) *Failure {
	f, ok := c.failures[label]
	if !ok {
		return nil
	}
	out := *f
	if f.Times > 0 {
		f.Times--
		if f.Times == 0 {
			delete(c.failures, label)
		}
	}
	return &out
}

// SubmitOne implements chain.StandardChannel.
func (c *Chain) SubmitOne(ctx context.Context, tx ir.Transaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.SubmitOne++
	c.submitted = append(c.submitted, Submission{Method: ir.MethodSequential, GroupIndex: tx.GroupIndex, GroupLabel: tx.GroupLabel, TxID: tx.ID, Fee: tx.Fee})

	if _, dup := c.txs[tx.ID]; dup {
		return "", chain.NewError(chain.KindSimulationFailed, "submit one", "transaction %s already processed", tx.ID)
	}
	if _, err := c.verify(tx); err != nil {
		return "", err
	}

	f := c.takeFailure(tx.GroupLabel)
	st := &txState{status: chain.Pending, tx: tx}
	if f != nil {
		switch f.Stage {
		case StageSubmit:
			kind := f.Kind
			if kind == "" {
				kind = chain.KindTransportError
			}
			return "", chain.NewError(kind, "submit one", "%s", failureMessage(f))
		case StageExecute:
			st.status = chain.Failed
			st.failure = failureMessage(f)
			c.txs[tx.ID] = st
			return tx.ID, nil
		case StageDelay:
			st.pending = f.PendingPolls
		case StageDrop:
			st.drop = true
		case StageLost:
			c.txs[tx.ID] = st
			kind := f.Kind
			if kind == "" {
				kind = chain.KindTransportError
			}
			return "", chain.NewError(kind, "submit one", "%s", failureMessage(f))
		}
	}
	c.txs[tx.ID] = st
	return tx.ID, nil
}

func failureMessage(f *Failure) string {
	if f.Message != "" {
		return f.Message
	}
	return fmt.Sprintf("scripted %s failure", f.Stage)
}

// land applies a pending transaction. Callers hold c.mu.
func (c *Chain) land(st *txState) {
	ins, err := c.verify(st.tx)
	if err == nil {
		var next *State
		if next, err = c.execute(c.state, ins); err == nil {
			c.state = next
			st.status = chain.Confirmed
			return
		}
	}
	st.status = chain.Failed
	st.failure = err.Error()
}

// PollConfirmation implements chain.StandardChannel.
func (c *Chain) PollConfirmation(ctx context.Context, id string) (chain.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.Polls++
	st, ok := c.txs[id]
	if !ok {
		return chain.NotFound, nil
	}
	if st.status != chain.Pending {
		return st.status, nil
	}
	if st.drop {
		return chain.Pending, nil
	}
	if st.pending > 0 {
		st.pending--
		return chain.Pending, nil
	}
	c.land(st)
	return st.status, nil
}

// TransactionStatus implements chain.StatusReader. A delayed transaction
// settles on lookup; a dropped one is reported as not found.
func (c *Chain) TransactionStatus(ctx context.Context, id string) (chain.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.StatusChecks++
	st, ok := c.txs[id]
	if !ok {
		return chain.NotFound, nil
	}
	if st.status == chain.Pending {
		if st.drop {
			return chain.NotFound, nil
		}
		st.pending = 0
		c.land(st)
	}
	return st.status, nil
}

// FailureReason returns the on-chain failure message of a failed transaction.
func (c *Chain) FailureReason(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.txs[id]; ok {
		return st.failure
	}
	return ""
}

// snapshot is the persisted form of a Chain.
type snapshot struct {
	State     *State            `json:"state"`
	Rent      uint64            `json:"rent"`
	Slot      uint64            `json:"slot"`
	Names     map[string]string `json:"names"`
	Generated int               `json:"generated"`
	Landed    map[string]string `json:"landed"`
}

// Save writes the ledger state to path as JSON. Scripts and pending
// transactions are not saved.
func (c *Chain) Save(path string) error {
	c.mu.Lock()
	snap := snapshot{State: c.state, Rent: c.rent, Slot: c.slot, Names: c.names, Generated: c.generated, Landed: map[string]string{}}
	for id, st := range c.txs {
		if st.status == chain.Confirmed || st.status == chain.Failed {
			snap.Landed[id] = string(st.status)
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save chain: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save chain: %w", err)
	}
	return nil
}

// Load restores a ledger saved with Save.
func Load(path string) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	c := New()
	if snap.State != nil {
		snap.State.fill()
		c.state = snap.State
	}
	if snap.Rent > 0 {
		c.rent = snap.Rent
	}
	c.slot = snap.Slot
	for name := range snap.Names {
		c.names[name] = c.register("wallet/" + name)
	}
	for i := 1; i <= snap.Generated; i++ {
		c.register(fmt.Sprintf("generated/%d", i))
	}
	c.generated = snap.Generated
	for id, status := range snap.Landed {
		c.txs[id] = &txState{status: chain.Confirmation(status)}
	}
	return c, nil
}
