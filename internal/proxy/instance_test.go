package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenvm/tsi-proxy/internal/wire"
)

func TestResponseQueueFIFOAndDrain(t *testing.T) {
	var q ResponseQueue
	require.Equal(t, 0, q.Len())

	q.Push(wire.Response{Kind: wire.KindRw, StreamSrcPort: 1})
	q.Push(wire.Response{Kind: wire.KindCreditUpdate, StreamSrcPort: 2})
	require.Equal(t, 2, q.Len())

	drained := q.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, uint32(1), drained[0].StreamSrcPort)
	require.Equal(t, uint32(2), drained[1].StreamSrcPort)

	require.Equal(t, 0, q.Len())
	require.Nil(t, q.Drain())
}
