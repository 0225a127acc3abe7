package mailer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/events"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendMessage(ctx context.Context, recipient, subject, body string) error {
	return m.Called(ctx, recipient, subject, body).Error(0)
}

func message(t *testing.T, id, key string) broker.Message {
	t.Helper()
	body, err := events.Seal(events.TypeObjectCreated, events.ObjectCreated{
		Bucket: "images",
		Key:    key,
		Size:   42,
	}, time.Now())
	require.NoError(t, err)
	return broker.Message{ID: id, Body: body}
}

func TestHandler_SendsOneEmailPerMessage(t *testing.T) {
	t.Parallel()
	sender := &mockSender{}
	sender.On("SendMessage", mock.Anything, "ops@example.com", "New image uploaded", mock.AnythingOfType("string")).
		Return(nil).Twice()

	h := New(zaptest.NewLogger(t).Sugar(), sender, "ops@example.com")
	res := h.Handle(t.Context(), handler.Batch{Messages: []broker.Message{
		message(t, "1", "a.png"),
		message(t, "2", "b.png"),
	}})

	require.Equal(t, handler.OutcomeSuccess, res.Outcome)
	sender.AssertExpectations(t)
}

func TestHandler_SendFailureCompletesSentOnly(t *testing.T) {
	t.Parallel()
	boom := errors.New("provider throttled")
	sender := &mockSender{}
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(boom).Once()

	h := New(zaptest.NewLogger(t).Sugar(), sender, "ops@example.com")
	res := h.Handle(t.Context(), handler.Batch{Messages: []broker.Message{
		message(t, "1", "a.png"),
		message(t, "2", "b.png"),
		message(t, "3", "c.png"),
	}})

	require.Equal(t, handler.OutcomePartial, res.Outcome)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, []string{"1"}, res.Completed, "the sent email is not sent again on redelivery")
	sender.AssertNumberOfCalls(t, "SendMessage", 2)
}

func TestHandler_FirstSendFailureFailsBatch(t *testing.T) {
	t.Parallel()
	sender := &mockSender{}
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused")).Once()

	h := New(zaptest.NewLogger(t).Sugar(), sender, "ops@example.com")
	res := h.Handle(t.Context(), handler.Batch{Messages: []broker.Message{
		message(t, "1", "a.png"),
		message(t, "2", "b.png"),
	}})

	require.Equal(t, handler.OutcomeFailure, res.Outcome)
	require.Empty(t, res.Completed)
	sender.AssertNumberOfCalls(t, "SendMessage", 1)
}

func TestHandler_MalformedBodyIsSkipped(t *testing.T) {
	t.Parallel()
	sender := &mockSender{}
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()

	h := New(zaptest.NewLogger(t).Sugar(), sender, "ops@example.com")
	res := h.Handle(t.Context(), handler.Batch{Messages: []broker.Message{
		message(t, "1", "a.png"),
		{ID: "2", Body: []byte("{")},
		message(t, "3", "c.png"),
	}})

	require.Equal(t, handler.OutcomePartial, res.Outcome)
	require.Equal(t, []string{"1", "3"}, res.Completed)
	require.ErrorContains(t, res.Err, "message 2")
	sender.AssertExpectations(t)
}

func TestHandler_OnlyMalformedFailsBatch(t *testing.T) {
	t.Parallel()
	h := New(zaptest.NewLogger(t).Sugar(), LogSender{Log: zaptest.NewLogger(t).Sugar()}, "ops@example.com")
	res := h.Handle(t.Context(), handler.Batch{Messages: []broker.Message{{ID: "1", Body: []byte("{")}}})
	require.Equal(t, handler.OutcomeFailure, res.Outcome)
}

func TestCompose(t *testing.T) {
	t.Parallel()
	subject, body := Compose(events.ObjectCreated{Bucket: "images", Key: "cat.png", Size: 7})
	require.Equal(t, "New image uploaded", subject)
	require.Contains(t, body, "s3://images/cat.png")
	require.Contains(t, body, "7 bytes")
}

func TestLogSender_RequiresRecipient(t *testing.T) {
	t.Parallel()
	s := LogSender{Log: zaptest.NewLogger(t).Sugar()}
	require.Error(t, s.SendMessage(t.Context(), "", "s", "b"))
	require.NoError(t, s.SendMessage(t.Context(), "a@b.c", "s", "b"))
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()
	raw := string(buildMessage("from@x", "to@y", "Hi", "line1\nline2"))
	require.Contains(t, raw, "Subject: Hi\r\n")
	require.Contains(t, raw, "line1\r\nline2\r\n")
}
