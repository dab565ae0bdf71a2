package bucket

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/metadata"
	"github.com/lockbox/lockbox/internal/storage"
	"github.com/lockbox/lockbox/internal/uid"
)

const testChunkSize = 16

func newTestService(t *testing.T, opts Options) (*Service, *metadata.MemoryStore, *storage.MemoryBackend) {
	t.Helper()
	if opts.ChunkSize == 0 {
		opts.ChunkSize = testChunkSize
	}
	reg := metadata.NewMemoryStore()
	chunks := storage.NewMemoryBackend(0)
	t.Cleanup(func() {
		reg.Close()
		chunks.Close()
	})
	return New(reg, chunks, opts), reg, chunks
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func readAll(t *testing.T, svc *Service, id string) []byte {
	t.Helper()
	_, dl, err := svc.OpenDownloadSession(context.Background(), id)
	require.NoError(t, err)
	defer dl.Close()
	got, err := io.ReadAll(dl)
	require.NoError(t, err)
	return got
}

func TestRoundTrip(t *testing.T) {
	sizes := map[string]int{
		"empty":          0,
		"one byte":       1,
		"chunk minus 1":  testChunkSize - 1,
		"exact chunk":    testChunkSize,
		"chunk plus 1":   testChunkSize + 1,
		"ten chunks":     10 * testChunkSize,
		"ten and a half": 10*testChunkSize + testChunkSize/2,
	}
	for name, size := range sizes {
		t.Run(name, func(t *testing.T) {
			svc, _, _ := newTestService(t, Options{})
			ctx := context.Background()
			payload := randomBytes(t, size)

			meta, err := svc.Upload(ctx, bytes.NewReader(payload), UploadOptions{
				DisplayName: "blob.bin",
				ContentType: "application/octet-stream",
			})
			require.NoError(t, err)
			assert.Equal(t, int64(size), meta.Length)
			assert.Equal(t, testChunkSize, meta.ChunkSize)
			assert.False(t, meta.UploadedAt.IsZero())

			_, dl, err := svc.OpenDownloadSession(ctx, meta.ID)
			require.NoError(t, err)
			defer dl.Close()

			var got []byte
			var seqs []int64
			for {
				c, err := dl.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				seqs = append(seqs, c.Seq)
				got = append(got, c.Data...)
			}
			assert.True(t, bytes.Equal(payload, got), "payload mismatch for %d bytes", size)
			for i, seq := range seqs {
				assert.Equal(t, int64(i), seq)
			}
			assert.Equal(t, storage.ChunkCount(int64(size), testChunkSize), int64(len(seqs)))
		})
	}
}

func TestRoundTripSmallWrites(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	payload := randomBytes(t, 5*testChunkSize+3)

	sess, err := svc.OpenUploadSession(context.Background(), UploadOptions{DisplayName: "pieces"})
	require.NoError(t, err)
	for off := 0; off < len(payload); off += 7 {
		end := min(off+7, len(payload))
		n, err := sess.Write(payload[off:end])
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}
	meta, err := sess.Finish()
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), meta.ID)

	var buf bytes.Buffer
	_, dl, err := svc.OpenDownloadSession(context.Background(), meta.ID)
	require.NoError(t, err)
	n, err := dl.WriteTo(&buf)
	require.NoError(t, err)
	require.NoError(t, dl.Close())
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())
}

func TestUnfinishedUploadIsInvisible(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx := context.Background()

	sess, err := svc.OpenUploadSession(ctx, UploadOptions{DisplayName: "partial"})
	require.NoError(t, err)
	_, err = sess.Write(randomBytes(t, 2*testChunkSize+3))
	require.NoError(t, err)
	require.Greater(t, chunks.Size(), int64(0))

	_, err = svc.Stat(ctx, sess.ID())
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)
	_, _, err = svc.OpenDownloadSession(ctx, sess.ID())
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)
	objs, err := svc.List(ctx, metadata.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, objs)

	meta, err := sess.Finish()
	require.NoError(t, err)
	_, err = svc.Stat(ctx, meta.ID)
	assert.NoError(t, err)
}

func TestAbortIsIdempotent(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := svc.OpenUploadSession(ctx, UploadOptions{})
	require.NoError(t, err)
	_, err = sess.Write(randomBytes(t, 3*testChunkSize))
	require.NoError(t, err)

	cancel()
	require.NoError(t, sess.Abort())
	require.NoError(t, sess.Abort())
	assert.Zero(t, chunks.Size(), "aborted chunks must be removed")

	_, err = sess.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.Finish()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, svc.hasSession(sess.ID()))
}

func TestAbortAfterFinishKeepsObject(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	sess, err := svc.OpenUploadSession(context.Background(), UploadOptions{})
	require.NoError(t, err)
	_, err = sess.Write([]byte("keep me"))
	require.NoError(t, err)
	meta, err := sess.Finish()
	require.NoError(t, err)

	require.NoError(t, sess.Abort())
	assert.Equal(t, []byte("keep me"), readAll(t, svc, meta.ID))
}

func TestSizeCeiling(t *testing.T) {
	const limit = 2*testChunkSize + 4
	svc, _, chunks := newTestService(t, Options{MaxObjectSize: limit})
	ctx := context.Background()

	_, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, limit+1)), UploadOptions{})
	require.ErrorIs(t, err, apperr.ErrSizeLimitExceeded)
	objs, err := svc.List(ctx, metadata.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, objs)
	assert.Zero(t, chunks.Size())

	meta, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, limit)), UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(limit), meta.Length)

	_, err = svc.OpenUploadSession(ctx, UploadOptions{DeclaredSize: limit + 1})
	assert.ErrorIs(t, err, apperr.ErrSizeLimitExceeded)

	sess, err := svc.OpenUploadSession(ctx, UploadOptions{})
	require.NoError(t, err)
	_, err = sess.Write(randomBytes(t, limit+1))
	assert.ErrorIs(t, err, apperr.ErrSizeLimitExceeded)
	_, err = sess.Finish()
	assert.ErrorIs(t, err, apperr.ErrSizeLimitExceeded)
}

func TestContentTypeAllowList(t *testing.T) {
	svc, _, _ := newTestService(t, Options{AllowedContentTypes: []string{"image/png", "application/pdf"}})
	ctx := context.Background()

	_, err := svc.OpenUploadSession(ctx, UploadOptions{ContentType: "application/x-msdownload"})
	assert.ErrorIs(t, err, apperr.ErrInvalidContentType)

	_, err = svc.OpenUploadSession(ctx, UploadOptions{ContentType: "Application/PDF; charset=binary"})
	assert.NoError(t, err)
}

func TestDeleteThenRead(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx := context.Background()
	meta, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, 40)), UploadOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, meta.ID))
	assert.Zero(t, chunks.Size())

	_, _, err = svc.OpenDownloadSession(ctx, meta.ID)
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, meta.ID), apperr.ErrObjectNotFound)
}

func TestInvalidIdentifier(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"", "short", "../../etc/passwd", "zzzzzzzzzzzzzzzzzzzzzzzz"} {
		_, err := svc.Stat(ctx, id)
		assert.ErrorIs(t, err, apperr.ErrInvalidIdentifier, "Stat(%q)", id)
		assert.ErrorIs(t, svc.Delete(ctx, id), apperr.ErrInvalidIdentifier, "Delete(%q)", id)
	}
}

func TestDeleteDuringDownload(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	meta, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, 4*testChunkSize)), UploadOptions{})
	require.NoError(t, err)

	_, dl, err := svc.OpenDownloadSession(ctx, meta.ID)
	require.NoError(t, err)
	defer dl.Close()
	first, err := dl.Next()
	require.NoError(t, err)
	assert.Len(t, first.Data, testChunkSize)

	require.NoError(t, svc.Delete(ctx, meta.ID))
	_, err = dl.Next()
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)
}

func TestCorruptChunkDetected(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx := context.Background()
	meta, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, 3*testChunkSize)), UploadOptions{})
	require.NoError(t, err)

	require.NoError(t, chunks.WriteChunk(ctx, meta.ID, 1, []byte("short")))
	_, dl, err := svc.OpenDownloadSession(ctx, meta.ID)
	require.NoError(t, err)
	defer dl.Close()
	_, err = io.ReadAll(dl)
	assert.ErrorIs(t, err, ErrCorruptObject)
	assert.ErrorIs(t, err, apperr.ErrInternalError)
}

func TestInvalidateFailsInFlightWork(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	meta, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, 3*testChunkSize)), UploadOptions{})
	require.NoError(t, err)

	sess, err := svc.OpenUploadSession(ctx, UploadOptions{})
	require.NoError(t, err)
	_, dl, err := svc.OpenDownloadSession(ctx, meta.ID)
	require.NoError(t, err)
	defer dl.Close()

	svc.Invalidate()
	assert.True(t, svc.Invalidated())

	_, err = sess.Write([]byte("x"))
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	_, err = dl.Next()
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	_, err = svc.Stat(ctx, meta.ID)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	_, err = svc.OpenUploadSession(ctx, UploadOptions{})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.ErrorIs(t, svc.Probe(ctx), apperr.ErrStoreUnavailable)
}

type faultyChunks struct {
	storage.ChunkStore
	failAt int64
	err    error
}

func (f *faultyChunks) WriteChunk(ctx context.Context, id string, seq int64, data []byte) error {
	if seq == f.failAt {
		return f.err
	}
	return f.ChunkStore.WriteChunk(ctx, id, seq, data)
}

func TestChunkWriteFailureAborts(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want *apperr.APIError
	}{
		{"io error", errors.New("disk full"), apperr.ErrPartialWriteFailure},
		{"connection down", storage.ErrUnavailable, apperr.ErrStoreUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := metadata.NewMemoryStore()
			mem := storage.NewMemoryBackend(0)
			svc := New(reg, &faultyChunks{ChunkStore: mem, failAt: 2, err: tc.err}, Options{ChunkSize: testChunkSize})
			ctx := context.Background()

			_, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, 5*testChunkSize)), UploadOptions{})
			require.ErrorIs(t, err, tc.want)
			assert.Zero(t, mem.Size(), "chunks written before the failure must be removed")
			objs, err := reg.List(ctx, metadata.ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, objs)
		})
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestBrokenBodyAborts(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	cause := errors.New("connection reset by peer")
	_, err := svc.Upload(context.Background(), &failingReader{data: randomBytes(t, 3*testChunkSize), err: cause}, UploadOptions{})
	require.ErrorIs(t, err, apperr.ErrPartialWriteFailure)
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, chunks.Size())
}

func TestProbe(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx := context.Background()
	require.NoError(t, svc.Probe(ctx))

	chunks.Close()
	assert.ErrorIs(t, svc.Probe(ctx), apperr.ErrStoreUnavailable)
}

func TestListByOwner(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	for _, owner := range []string{"alice", "bob", "alice"} {
		_, err := svc.Upload(ctx, bytes.NewReader([]byte(owner)), UploadOptions{
			Attributes: map[string]string{metadata.AttrOwner: owner},
		})
		require.NoError(t, err)
	}
	objs, err := svc.List(ctx, metadata.ListOptions{Owner: "alice"})
	require.NoError(t, err)
	assert.Len(t, objs, 2)
}

func TestSweepOrphans(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx := context.Background()

	committed, err := svc.Upload(ctx, bytes.NewReader(randomBytes(t, 2*testChunkSize)), UploadOptions{})
	require.NoError(t, err)

	orphan := uid.New()
	require.NoError(t, chunks.WriteChunk(ctx, orphan, 0, []byte("left behind")))

	idle, err := svc.OpenUploadSession(ctx, UploadOptions{})
	require.NoError(t, err)
	_, err = idle.Write(randomBytes(t, testChunkSize))
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err := svc.SweepOrphans(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SessionsReaped)
	assert.Equal(t, 1, res.ChunkSetsDeleted)

	_, err = idle.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrSessionAbandoned)
	assert.Len(t, readAll(t, svc, committed.ID), 2*testChunkSize)

	sets, err := chunks.ChunkSets(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{committed.ID}, sets)
}

func TestSweepSkipsActiveSessions(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx := context.Background()
	future := time.Now().Add(2 * time.Hour)
	svc.now = func() time.Time { return future }

	sess, err := svc.OpenUploadSession(ctx, UploadOptions{})
	require.NoError(t, err)
	_, err = sess.Write(randomBytes(t, 2*testChunkSize))
	require.NoError(t, err)

	res, err := svc.SweepOrphans(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.SessionsReaped)
	assert.Zero(t, res.ChunkSetsDeleted)
	assert.Greater(t, chunks.Size(), int64(0))

	_, err = sess.Finish()
	assert.NoError(t, err)
}

type staticSource struct{ svc *Service }

func (s staticSource) Handle(context.Context) (*Service, error) { return s.svc, nil }

func TestRunSweeper(t *testing.T) {
	svc, _, chunks := newTestService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, chunks.WriteChunk(ctx, uid.New(), 0, []byte("orphan")))
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	done := make(chan error, 1)
	go func() { done <- RunSweeper(ctx, staticSource{svc}, 10*time.Millisecond, time.Minute) }()

	require.Eventually(t, func() bool { return chunks.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not stop after cancel")
	}
}
