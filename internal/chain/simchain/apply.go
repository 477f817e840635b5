package simchain

import (
	"math"

	"github.com/roach88/ledgerops/internal/chain"
)

func programError(op, format string, args ...any) error {
	return chain.NewError(chain.KindProgramError, op, format, args...)
}

func accountNotFound(op, account string) error {
	return chain.NewError(chain.KindAccountNotFound, op, "account %s does not exist", account)
}

func (s *State) debitNative(op, owner string, amount uint64) error {
	if s.Native[owner] < amount {
		return programError(op, "insufficient native balance for %s: have %d, need %d", owner, s.Native[owner], amount)
	}
	s.Native[owner] -= amount
	return nil
}

func (s *State) credit(m map[string]uint64, key string, amount uint64) error {
	if m[key] > math.MaxUint64-amount {
		return programError("credit", "balance overflow for %s", key)
	}
	m[key] += amount
	return nil
}

func (s *State) createAccount(op, address string, acct Account, payer string) error {
	if _, ok := s.Accounts[address]; ok {
		return programError(op, "account %s already exists", address)
	}
	if err := s.debitNative(op, payer, acct.Rent); err != nil {
		return err
	}
	s.Accounts[address] = acct
	return nil
}

// apply executes one instruction against s. The caller applies to a clone
// and discards it on error.
func (s *State) apply(in instruction, rent uint64) error {
	acct := func(i int) string {
		if i < len(in.Accounts) {
			return in.Accounts[i]
		}
		return ""
	}
	amount := func(i int) uint64 {
		if i < len(in.Amounts) {
			return in.Amounts[i]
		}
		return 0
	}

	switch in.Op {
	case opPriorityFee:
		return nil

	case opCreateMint:
		mint, authority := acct(0), acct(1)
		if amount(0) > 9 {
			return programError(in.Op, "decimals %d out of range", amount(0))
		}
		if err := s.createAccount(in.Op, mint, Account{Kind: accountMint, Owner: authority, Rent: rent}, authority); err != nil {
			return err
		}
		s.Mints[mint] = &Mint{Authority: authority, FreezeAuthority: authority, Decimals: uint8(amount(0))}
		return nil

	case opCreateTokenAccount:
		payer, owner, mint := acct(0), acct(1), acct(2)
		if _, ok := s.Mints[mint]; !ok {
			return accountNotFound(in.Op, mint)
		}
		return s.createAccount(in.Op, tokenAccount(owner, mint), Account{Kind: accountToken, Owner: owner, Mint: mint, Rent: rent}, payer)

	case opRegisterMetadata, opUpdateMetadata:
		mint, authority := acct(0), acct(1)
		m, ok := s.Mints[mint]
		if !ok {
			return accountNotFound(in.Op, mint)
		}
		if m.Authority != authority {
			return programError(in.Op, "%s is not the authority of %s", authority, mint)
		}
		if in.Op == opRegisterMetadata && m.Metadata != nil {
			return programError(in.Op, "metadata already registered for %s", mint)
		}
		if in.Op == opUpdateMetadata && m.Metadata == nil {
			return programError(in.Op, "no metadata registered for %s", mint)
		}
		m.Metadata = map[string]string{}
		for k, v := range in.Data {
			m.Metadata[k] = v
		}
		return nil

	case opMintTo:
		mint, owner, authority := acct(0), acct(1), acct(2)
		m, ok := s.Mints[mint]
		if !ok {
			return accountNotFound(in.Op, mint)
		}
		if m.Authority == "" || m.Authority != authority {
			return programError(in.Op, "%s cannot mint %s", authority, mint)
		}
		ata := tokenAccount(owner, mint)
		if _, ok := s.Accounts[ata]; !ok {
			return accountNotFound(in.Op, ata)
		}
		if m.Supply > math.MaxUint64-amount(0) {
			return programError(in.Op, "supply overflow")
		}
		m.Supply += amount(0)
		return s.credit(s.Tokens, ata, amount(0))

	case opTransfer:
		from, to, mint := acct(0), acct(1), acct(2)
		if mint == chain.NativeAsset {
			if err := s.debitNative(in.Op, from, amount(0)); err != nil {
				return err
			}
			return s.credit(s.Native, to, amount(0))
		}
		src := tokenAccount(from, mint)
		if _, ok := s.Accounts[src]; !ok {
			return accountNotFound(in.Op, src)
		}
		if s.Tokens[src] < amount(0) {
			return programError(in.Op, "insufficient token balance for %s: have %d, need %d", from, s.Tokens[src], amount(0))
		}
		dst := tokenAccount(to, mint)
		if _, ok := s.Accounts[dst]; !ok {
			s.Accounts[dst] = Account{Kind: accountToken, Owner: to, Mint: mint}
		}
		s.Tokens[src] -= amount(0)
		return s.credit(s.Tokens, dst, amount(0))

	case opCreatePool:
		pool, mint, payer := acct(0), acct(1), acct(2)
		if _, ok := s.Mints[mint]; !ok {
			return accountNotFound(in.Op, mint)
		}
		if err := s.createAccount(in.Op, pool, Account{Kind: accountPool, Owner: payer, Mint: mint, Rent: rent}, payer); err != nil {
			return err
		}
		s.Pools[pool] = &Pool{Mint: mint}
		return nil

	case opAddLiquidity:
		pool, provider, mint := acct(0), acct(1), acct(2)
		p, ok := s.Pools[pool]
		if !ok {
			return accountNotFound(in.Op, pool)
		}
		if p.Mint != mint {
			return programError(in.Op, "pool %s does not hold %s", pool, mint)
		}
		src := tokenAccount(provider, mint)
		if s.Tokens[src] < amount(0) {
			return programError(in.Op, "insufficient token balance for %s", provider)
		}
		if err := s.debitNative(in.Op, provider, amount(1)); err != nil {
			return err
		}
		s.Tokens[src] -= amount(0)
		p.Token += amount(0)
		p.Native += amount(1)
		return nil

	case opRevokeAuthority:
		mint, authority := acct(0), acct(1)
		m, ok := s.Mints[mint]
		if !ok {
			return accountNotFound(in.Op, mint)
		}
		switch chain.Authority(in.Data["which"]) {
		case chain.AuthorityMint:
			if m.Authority != authority {
				return programError(in.Op, "%s is not the mint authority", authority)
			}
			m.Authority = ""
		case chain.AuthorityFreeze:
			if m.FreezeAuthority != authority {
				return programError(in.Op, "%s is not the freeze authority", authority)
			}
			m.FreezeAuthority = ""
		default:
			return programError(in.Op, "unknown authority %q", in.Data["which"])
		}
		return nil

	case opCloseAccount:
		address, dest, owner := acct(0), acct(1), acct(2)
		a, ok := s.Accounts[address]
		if !ok {
			return accountNotFound(in.Op, address)
		}
		if a.Owner != owner {
			return programError(in.Op, "%s does not own %s", owner, address)
		}
		if !s.empty(address) {
			return programError(in.Op, "account %s is not empty", address)
		}
		delete(s.Accounts, address)
		delete(s.Tokens, address)
		delete(s.Mints, address)
		delete(s.Pools, address)
		return s.credit(s.Native, dest, a.Rent)
	}
	return programError(in.Op, "unknown instruction")
}

// empty reports whether an existing account holds nothing.
func (s *State) empty(address string) bool {
	a, ok := s.Accounts[address]
	if !ok {
		return true
	}
	switch a.Kind {
	case accountMint:
		if m, ok := s.Mints[address]; ok {
			return m.Supply == 0
		}
	case accountToken:
		return s.Tokens[address] == 0
	case accountPool:
		if p, ok := s.Pools[address]; ok {
			return p.Token == 0 && p.Native == 0
		}
	}
	return true
}
