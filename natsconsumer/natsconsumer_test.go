package natsconsumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	sent      []string
	streamed  []string
	failed    error
	finalized int
}

func (r *recordingSink) Send(_ context.Context, content string) error {
	r.sent = append(r.sent, content)
	return nil
}

func (r *recordingSink) SendStreaming(_ context.Context, delta string) error {
	r.streamed = append(r.streamed, delta)
	return nil
}

func (r *recordingSink) Fail(_ context.Context, err error) error {
	r.failed = err
	return nil
}

func (r *recordingSink) Finalize(context.Context) error {
	r.finalized++
	return nil
}

func TestApplyFrameMapping(t *testing.T) {
	ctx := context.Background()
	rec := &recordingSink{}

	applyFrame(ctx, replyFrame{Type: "stream", Data: "a"}, rec)
	applyFrame(ctx, replyFrame{Type: "stream", Data: "b"}, rec)
	applyFrame(ctx, replyFrame{Type: "message", Data: "whole"}, rec)
	applyFrame(ctx, replyFrame{Type: "end"}, rec)

	assert.Equal(t, []string{"a", "b"}, rec.streamed)
	assert.Equal(t, []string{"whole"}, rec.sent)
	assert.Equal(t, 1, rec.finalized)
	assert.NoError(t, rec.failed)
}

func TestApplyFrameError(t *testing.T) {
	rec := &recordingSink{}
	applyFrame(context.Background(), replyFrame{Type: "error", Data: "engine down"}, rec)

	require.Error(t, rec.failed)
	assert.Equal(t, "engine down", rec.failed.Error())
}

func TestApplyFrameUnknownKindIgnored(t *testing.T) {
	rec := &recordingSink{}
	applyFrame(context.Background(), replyFrame{Type: "bogus", Data: "x"}, rec)

	assert.Empty(t, rec.sent)
	assert.Empty(t, rec.streamed)
	assert.Equal(t, 0, rec.finalized)
	assert.NoError(t, rec.failed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "subj")
	assert.Error(t, err)

	_, err = New(nil, "")
	assert.Error(t, err)
}
