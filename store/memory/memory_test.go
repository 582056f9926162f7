package memory_test

import (
	"testing"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/store/memory"
	"github.com/warp/commission-engine/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) commission.TxStore {
		return memory.New()
	})
}
