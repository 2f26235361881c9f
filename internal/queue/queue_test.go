package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	req := harvest.SweepRequest{ID: "d-1", SourceID: "src-1", Kind: harvest.SweepKindTail, RequestedAt: time.Unix(1700000000, 0).UTC()}
	data, err := Encode(req)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, req, got)

	got, err = Decode([]byte("{not json"))
	require.Error(t, err)
	require.Error(t, got.Validate())
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base, maxDelay := 5*time.Second, 5*time.Minute
	require.Equal(t, 5*time.Second, Backoff(0, base, maxDelay))
	require.Equal(t, 5*time.Second, Backoff(1, base, maxDelay))
	require.Equal(t, 10*time.Second, Backoff(2, base, maxDelay))
	require.Equal(t, 40*time.Second, Backoff(4, base, maxDelay))
	require.Equal(t, maxDelay, Backoff(20, base, maxDelay))
}
