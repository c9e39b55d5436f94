package deadletter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSink_Send_EmptyRowsIsNoOp(t *testing.T) {
	sink := New(nil, "bucket", "prefix", func() string { return "01" })
	err := sink.Send(context.Background(), nil)
	assert.NoError(t, err)
}
