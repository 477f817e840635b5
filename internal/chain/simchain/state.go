package simchain

// Account is one ledger account.
type Account struct {
	Kind  string `json:"kind"`
	Owner string `json:"owner"`
	Mint  string `json:"mint,omitempty"`
	Rent  uint64 `json:"rent"`
}

const (
	accountMint  = "mint"
	accountToken = "token"
	accountPool  = "pool"
)

// Mint is the state of one asset.
type Mint struct {
	Authority       string            `json:"authority,omitempty"`
	FreezeAuthority string            `json:"freeze_authority,omitempty"`
	Decimals        uint8             `json:"decimals"`
	Supply          uint64            `json:"supply"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Pool is the state of one liquidity pool.
type Pool struct {
	Mint   string `json:"mint"`
	Token  uint64 `json:"token"`
	Native uint64 `json:"native"`
}

// State is the full ledger state.
type State struct {
	Native   map[string]uint64  `json:"native"`
	Tokens   map[string]uint64  `json:"tokens"`
	Accounts map[string]Account `json:"accounts"`
	Mints    map[string]*Mint   `json:"mints"`
	Pools    map[string]*Pool   `json:"pools"`
}

func newState() *State {
	return &State{
		Native:   map[string]uint64{},
		Tokens:   map[string]uint64{},
		Accounts: map[string]Account{},
		Mints:    map[string]*Mint{},
		Pools:    map[string]*Pool{},
	}
}

func (s *State) clone() *State {
	c := newState()
	for k, v := range s.Native {
		c.Native[k] = v
	}
	for k, v := range s.Tokens {
		c.Tokens[k] = v
	}
	for k, v := range s.Accounts {
		c.Accounts[k] = v
	}
	for k, v := range s.Mints {
		m := *v
		if v.Metadata != nil {
			m.Metadata = make(map[string]string, len(v.Metadata))
			for mk, mv := range v.Metadata {
				m.Metadata[mk] = mv
			}
		}
		c.Mints[k] = &m
	}
	for k, v := range s.Pools {
		p := *v
		c.Pools[k] = &p
	}
	return c
}

// fill replaces nil maps after decoding a saved state.
func (s *State) fill() {
	if s.Native == nil {
		s.Native = map[string]uint64{}
	}
	if s.Tokens == nil {
		s.Tokens = map[string]uint64{}
	}
	if s.Accounts == nil {
		s.Accounts = map[string]Account{}
	}
	if s.Mints == nil {
		s.Mints = map[string]*Mint{}
	}
	if s.Pools == nil {
		s.Pools = map[string]*Pool{}
	}
}
