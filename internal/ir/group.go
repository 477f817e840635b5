package ir

// Instruction is an opaque, encoder-produced ledger instruction.
type Instruction []byte

// GroupLabel names the role an InstructionGroup plays in its operation.
type GroupLabel string

const (
	GroupCreateAccount   GroupLabel = "create-account"
	GroupMetadata        GroupLabel = "metadata"
	GroupMint            GroupLabel = "mint"
	GroupTransfer        GroupLabel = "transfer"
	GroupCreatePool      GroupLabel = "create-pool"
	GroupLiquidity       GroupLabel = "liquidity"
	GroupUpdateMetadata  GroupLabel = "update-metadata"
	GroupRevokeAuthority GroupLabel = "revoke-authority"
	GroupContribution    GroupLabel = "contribution"

	// GroupCloseAccount is a compensation transaction, never part of an
	// operation's own groups.
	GroupCloseAccount GroupLabel = "close-account"
)

// InstructionGroup is an ordered set of instructions that must be signed
// and submitted together as exactly one transaction.
type InstructionGroup struct {
	Index        int           `json:"index"`
	Label        GroupLabel    `json:"label"`
	Instructions []Instruction `json:"-"`

	// ExtraSigner must co-sign this group in addition to the primary
	// signer (for example a freshly generated account keypair).
	ExtraSigner string `json:"extra_signer,omitempty"`

	// Effects describes the side effects this group has once it lands.
	Effects []Effect `json:"effects,omitempty"`
}

// Size returns the total encoded size of the group's instructions.
func (g InstructionGroup) Size() int {
	n := 0
	for _, ins := range g.Instructions {
		n += len(ins)
	}
	return n
}

// Signers returns the signer set for the group, primary first.
func (g InstructionGroup) Signers(primary string) []string {
	if g.ExtraSigner == "" || g.ExtraSigner == primary {
		return []string{primary}
	}
	return []string{primary, g.ExtraSigner}
}

// Effect is a side effect an InstructionGroup produces when it lands.
// Effects become CompensationRecords at submission time.
type Effect struct {
	Action        ActionType    `json:"action"`
	Reversibility Reversibility `json:"reversibility"`
	Wallet        string        `json:"wallet,omitempty"`
	Target        string        `json:"target,omitempty"`
	Asset         string        `json:"asset,omitempty"`
	Amount        uint64        `json:"amount,omitempty"`
	Participant   bool          `json:"participant,omitempty"`
	Detail        string        `json:"detail,omitempty"`
}

// Relabel returns a copy of groups with Index set to the slice position.
func Relabel(groups []InstructionGroup) []InstructionGroup {
	out := make([]InstructionGroup, len(groups))
	for i, g := range groups {
		g.Index = i
		out[i] = g
	}
	return out
}
