package ir

// MaxBundleSize is the largest number of transactions the atomic channel
// accepts in one bundle.
const MaxBundleSize = 5

// Transaction is one InstructionGroup after signing.
type Transaction struct {
	// ID is the base58 encoding of the primary signature; it doubles as
	// the content hash used for duplicate detection and polling.
	ID           string        `json:"id"`
	OperationID  string        `json:"operation_id"`
	GroupIndex   int           `json:"group_index"`
	GroupLabel   GroupLabel    `json:"group_label"`
	Blockhash    string        `json:"blockhash"`
	Fee          uint64        `json:"fee"`
	Signers      []string      `json:"signers"`
	Instructions []Instruction `json:"-"`
	Message      []byte        `json:"-"`
	Signatures   [][]byte      `json:"-"`
}

// Bundle is an ordered list of transactions accepted or rejected as a unit.
type Bundle struct {
	ID           string        `json:"id"`
	Transactions []Transaction `json:"transactions"`
}

// IDs returns the transaction ids in bundle order.
func (b *Bundle) IDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	return ids
}
