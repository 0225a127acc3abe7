package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DonalWall207/ds-eda-lab/pkg/kafka/testutils"
)

func TestKafkaProcessor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.bridge.KafkaProcessor()

	require.NoError(t, p.Process(t.Context(), testutils.NewNotificationRecord(1, []byte(s3Doc))))
	require.NoError(t, p.Process(t.Context(), testutils.NewNotificationRecord(2, []byte("garbage"))),
		"malformed records are skipped")

	batch, err := f.images.DequeueBatch(t.Context(), 5, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, f.topic.Subscribe(failingSubscriber{name: "broken"}))
	require.Error(t, p.Process(t.Context(), testutils.NewNotificationRecord(3, []byte(`{"bucket":"b","key":"c.png"}`))))
}
