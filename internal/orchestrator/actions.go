package orchestrator

import (
	"context"
	"errors"

	"github.com/roach88/ledgerops/internal/bundler"
	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/gateway"
	"github.com/roach88/ledgerops/internal/ir"
)

var errNoMetadataStore = errors.New("no metadata store configured")

// chainActions performs rollback's chain work. Closures are submitted on
// the standard channel directly; they are not part of the operation and
// never pass through the compensation ledger.
type chainActions struct {
	enc      chain.Encoder
	bundler  *bundler.Bundler
	ledger   chain.Ledger
	metadata chain.MetadataStore
	gateway  *gateway.Gateway
}

var _ compensation.Actions = (*chainActions)(nil)

func (a *chainActions) AccountEmpty(ctx context.Context, address string) (bool, error) {
	exists, err := a.ledger.AccountExists(ctx, address)
	if err != nil {
		return false, chain.Wrap(chain.KindTransportError, "account exists", err)
	}
	if !exists {
		return false, chain.NewError(chain.KindAccountNotFound, "account empty", "account %s does not exist", address)
	}
	empty, err := a.ledger.AccountEmpty(ctx, address)
	if err != nil {
		return false, chain.Wrap(chain.KindTransportError, "account empty", err)
	}
	return empty, nil
}

func (a *chainActions) CloseAccount(ctx context.Context, account, owner string) (string, error) {
	ins, err := a.enc.CloseAccount(account, owner, owner)
	if err != nil {
		return "", chain.Wrap(chain.KindValidation, "close account", err)
	}
	group := ir.InstructionGroup{Label: ir.GroupCloseAccount, Instructions: []ir.Instruction{ins}}
	tx, err := a.bundler.SignGroup(ctx, group, owner, &ir.ExecutionContext{OperationID: "close:" + account})
	if err != nil {
		return "", err
	}
	id, err := a.ledger.SubmitOne(ctx, tx)
	if err != nil {
		if chain.KindOf(err) == chain.KindUnknown {
			err = chain.Wrap(chain.KindTransportError, "close account", err)
		}
		return "", err
	}
	if id == "" {
		id = tx.ID
	}
	status, err := a.gateway.AwaitConfirmation(ctx, id)
	if err != nil {
		return "", err
	}
	if status != chain.Confirmed {
		return "", chain.NewError(chain.KindProgramError, "close account", "closing %s failed on-chain", account).With("tx", id)
	}
	return id, nil
}

func (a *chainActions) RollbackUpload(ctx context.Context, uri string) (string, error) {
	if a.metadata == nil {
		return "", errNoMetadataStore
	}
	return a.metadata.RollbackUpload(ctx, uri)
}

func (a *chainActions) TransactionStatus(ctx context.Context, txID string) (chain.Confirmation, error) {
	return a.ledger.TransactionStatus(ctx, txID)
}
