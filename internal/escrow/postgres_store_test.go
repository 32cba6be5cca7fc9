//go:build integration

package escrow

import (
	"testing"

	"github.com/mbd888/escrowd/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, NewPostgresStore(db))
}
