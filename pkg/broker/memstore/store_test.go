package memstore

import (
	"testing"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/storetest"
)

func TestStore(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) broker.Store { return New() })
}
