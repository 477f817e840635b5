package compensation_test

import (
	"testing"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/compensation/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) compensation.Store { return compensation.NewMemoryStore() })
}
