package memory_test

import (
	"testing"

	"github.com/fenwick-systems/vtransport/pkg/messaging/adapters/memory"
	"github.com/fenwick-systems/vtransport/pkg/messaging/tests"
)

func TestMemoryBroker(t *testing.T) {
	broker := memory.New(memory.Config{BufferSize: 100})
	defer broker.Close()

	tests.RunBrokerTests(t, broker)
}
