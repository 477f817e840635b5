package simchain

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// instruction is the simulated wire form of one ledger instruction.
type instruction struct {
	Op       string            `json:"op"`
	Accounts []string          `json:"accounts,omitempty"`
	Amounts  []uint64          `json:"amounts,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

const (
	opCreateMint         = "create_mint"
	opCreateTokenAccount = "create_token_account"
	opRegisterMetadata   = "register_metadata"
	opUpdateMetadata     = "update_metadata"
	opMintTo             = "mint_to"
	opTransfer           = "transfer"
	opCreatePool         = "create_pool"
	opAddLiquidity       = "add_liquidity"
	opRevokeAuthority    = "revoke_authority"
	opCloseAccount       = "close_account"
	opPriorityFee        = "priority_fee"
)

// Encoder encodes instructions for the simulated ledger. It is stateless.
type Encoder struct{}

var _ chain.Encoder = Encoder{}

func encode(in instruction) (ir.Instruction, error) {
	for _, a := range in.Accounts {
		if a == "" {
			continue
		}
		if !chain.ValidAddress(a) {
			return nil, fmt.Errorf("%s: invalid account %q", in.Op, a)
		}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", in.Op, err)
	}
	return ir.Instruction(b), nil
}

func decode(raw ir.Instruction) (instruction, error) {
	var in instruction
	if err := json.Unmarshal(raw, &in); err != nil {
		return instruction{}, fmt.Errorf("decode instruction: %w", err)
	}
	return in, nil
}

func (Encoder) CreateMint(mint, authority string, decimals uint8) (ir.Instruction, error) {
	return encode(instruction{Op: opCreateMint, Accounts: []string{mint, authority}, Amounts: []uint64{uint64(decimals)}})
}

func (Encoder) CreateTokenAccount(payer, owner, mint string) (ir.Instruction, error) {
	return encode(instruction{Op: opCreateTokenAccount, Accounts: []string{payer, owner, mint}})
}

func (Encoder) RegisterMetadata(mint, authority string, md ir.Metadata) (ir.Instruction, error) {
	return encode(instruction{Op: opRegisterMetadata, Accounts: []string{mint, authority}, Data: metadataData(md)})
}

func (Encoder) UpdateMetadata(mint, authority string, md ir.Metadata) (ir.Instruction, error) {
	return encode(instruction{Op: opUpdateMetadata, Accounts: []string{mint, authority}, Data: metadataData(md)})
}

func (Encoder) MintTo(mint, owner, authority string, amount uint64) (ir.Instruction, error) {
	return encode(instruction{Op: opMintTo, Accounts: []string{mint, owner, authority}, Amounts: []uint64{amount}})
}

func (Encoder) Transfer(from, to, mint string, amount uint64) (ir.Instruction, error) {
	return encode(instruction{Op: opTransfer, Accounts: []string{from, to, mint}, Amounts: []uint64{amount}})
}

func (Encoder) CreatePool(pool, mint, payer string) (ir.Instruction, error) {
	return encode(instruction{Op: opCreatePool, Accounts: []string{pool, mint, payer}})
}

func (Encoder) AddLiquidity(pool, provider, mint string, tokenAmount, nativeAmount uint64) (ir.Instruction, error) {
	return encode(instruction{Op: opAddLiquidity, Accounts: []string{pool, provider, mint}, Amounts: []uint64{tokenAmount, nativeAmount}})
}

func (Encoder) RevokeAuthority(mint, authority string, which chain.Authority) (ir.Instruction, error) {
	return encode(instruction{Op: opRevokeAuthority, Accounts: []string{mint, authority}, Data: map[string]string{"which": string(which)}})
}

func (Encoder) CloseAccount(account, destination, owner string) (ir.Instruction, error) {
	return encode(instruction{Op: opCloseAccount, Accounts: []string{account, destination, owner}})
}

func (Encoder) PriorityFee(fee uint64) (ir.Instruction, error) {
	return encode(instruction{Op: opPriorityFee, Amounts: []uint64{fee}})
}

// TokenAccountAddress derives the token account of owner for mint.
func (Encoder) TokenAccountAddress(owner, mint string) (string, error) {
	if !chain.ValidAddress(owner) || !chain.ValidAddress(mint) {
		return "", fmt.Errorf("token account: invalid owner %q or mint %q", owner, mint)
	}
	return tokenAccount(owner, mint), nil
}

func tokenAccount(owner, mint string) string {
	sum := sha256.Sum256([]byte("simchain/token-account/" + owner + "/" + mint))
	return chain.EncodeAddress(sum[:])
}

func metadataData(md ir.Metadata) map[string]string {
	return map[string]string{"name": md.Name, "symbol": md.Symbol, "uri": md.URI}
}

// requiredSigners lists the accounts that must sign an instruction.
func requiredSigners(in instruction) []string {
	acct := func(i int) string {
		if i < len(in.Accounts) {
			return in.Accounts[i]
		}
		return ""
	}
	switch in.Op {
	case opCreateMint:
		return []string{acct(0), acct(1)}
	case opCreateTokenAccount:
		return []string{acct(0)}
	case opRegisterMetadata, opUpdateMetadata, opRevokeAuthority:
		return []string{acct(1)}
	case opMintTo:
		return []string{acct(2)}
	case opTransfer:
		return []string{acct(0)}
	case opCreatePool:
		return []string{acct(0), acct(2)}
	case opAddLiquidity:
		return []string{acct(1)}
	case opCloseAccount:
		return []string{acct(2)}
	}
	return nil
}
