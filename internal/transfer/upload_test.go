package transfer

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/deskwire/internal/bus"
	"github.com/1ureka/deskwire/internal/protocol"
)

func newUploads(t *testing.T) (*Uploads, *recorder, *fakeScheduler) {
	t.Helper()
	rec := &recorder{}
	sched := &fakeScheduler{}
	return NewUploads(testOptions(), rec, rec, sched), rec, sched
}

func TestTotalChunks(t *testing.T) {
	assert.Equal(t, 0, TotalChunks(0, 32768))
	assert.Equal(t, 1, TotalChunks(1, 32768))
	assert.Equal(t, 1, TotalChunks(32768, 32768))
	assert.Equal(t, 2, TotalChunks(32769, 32768))
	assert.Equal(t, 3, TotalChunks(70000, 32768))
}

// TestUploadLockstep walks a 70000-byte file through its three chunks and
// checks each chunk is sent only after the previous one was acknowledged.
func TestUploadLockstep(t *testing.T) {
	up, rec, sched := newUploads(t)
	data := pattern(70000)

	tempID, err := up.Start("a.bin", data)
	require.NoError(t, err)
	assert.Contains(t, tempID, "temp_")
	assert.Equal(t, []string{"FILE_UPLOAD_START:a.bin:70000:file"}, rec.sent)
	assert.Equal(t, PendingRegistration, up.Snapshot()[0].State)

	up.OnSession("s1")
	assert.Equal(t, protocol.EncodeFileChunk("s1", 0, data[:32768]), rec.last())
	assert.Len(t, rec.sent, 2)

	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: true})
	assert.Equal(t, protocol.EncodeFileChunk("s1", 1, data[32768:65536]), rec.last())

	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 1, Success: true})
	assert.Equal(t, protocol.EncodeFileChunk("s1", 2, data[65536:]), rec.last())
	assert.Len(t, rec.sent, 4)

	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 2, Success: true})
	assert.Len(t, rec.sent, 4)
	assert.Empty(t, up.Snapshot())

	final := rec.lastProgress(bus.UploadProgress)
	assert.Equal(t, Completed, final.State)
	assert.Equal(t, "s1", final.SessionID)
	assert.InDelta(t, 100.0, final.Percent, 0.001)

	// Only the delayed file-list refresh is left.
	live := sched.live()
	require.Len(t, live, 1)
	assert.Equal(t, time.Second, live[0].d)
	sched.fire()
	assert.Equal(t, protocol.CmdRequestFileList, rec.last())
	assert.Empty(t, rec.errs())
}

func TestUploadProgressSequence(t *testing.T) {
	up, rec, _ := newUploads(t)
	_, err := up.Start("a.bin", pattern(70000))
	require.NoError(t, err)
	up.OnSession("s1")
	for i := 0; i < 3; i++ {
		up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: i, Success: true})
	}

	var done []int
	for _, p := range rec.progress(bus.UploadProgress) {
		done = append(done, p.Done)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, done)
}

func TestUploadIgnoresStaleAck(t *testing.T) {
	up, rec, _ := newUploads(t)
	_, err := up.Start("a.bin", pattern(70000))
	require.NoError(t, err)
	up.OnSession("s1")
	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: true})
	sent := len(rec.sent)

	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: true})
	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 2, Success: true})
	up.OnAck(protocol.ChunkAck{SessionID: "other", Index: 1, Success: true})

	assert.Len(t, rec.sent, sent)
	assert.Equal(t, 1, up.Snapshot()[0].Done)
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	up, rec, _ := newUploads(t)

	_, err := up.Start("empty.txt", nil)
	assert.ErrorIs(t, err, ErrEmptyFile)

	opts := testOptions()
	_, err = up.Start("huge.bin", make([]byte, opts.MaxUploadSize+1))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	assert.Empty(t, rec.sent)
	assert.Empty(t, up.Snapshot())
	require.Len(t, rec.errs(), 2)
	assert.Equal(t, bus.KindTransfer, rec.errs()[0].Kind)
}

func TestRejected(t *testing.T) {
	up, rec, _ := newUploads(t)
	_, err := up.Start("empty.txt", nil)
	require.Error(t, err)
	assert.True(t, Rejected(err))
	assert.True(t, Rejected(rec.errs()[0].Err))

	assert.True(t, Rejected(fmt.Errorf("%w: %w", ErrUnreadableFile, os.ErrNotExist)))
	assert.False(t, Rejected(ErrTimeout))
	assert.False(t, Rejected(ErrRegistrationRejected))
	assert.False(t, Rejected(nil))
}

func TestUploadSingleChunkBoundary(t *testing.T) {
	up, rec, _ := newUploads(t)
	data := pattern(32768)

	_, err := up.Start("exact.bin", data)
	require.NoError(t, err)
	up.OnSession("s1")
	assert.Equal(t, protocol.EncodeFileChunk("s1", 0, data), rec.last())

	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: true})
	final := rec.lastProgress(bus.UploadProgress)
	assert.Equal(t, Completed, final.State)
	assert.Equal(t, 1, final.Total)
}

func TestUploadNegativeAckAborts(t *testing.T) {
	up, rec, sched := newUploads(t)
	_, err := up.Start("a.bin", pattern(70000))
	require.NoError(t, err)
	up.OnSession("s1")

	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: false})

	errs := rec.errs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrChunkRejected)
	assert.Equal(t, "s1", errs[0].SessionID)
	assert.Equal(t, Aborted, rec.lastProgress(bus.UploadProgress).State)
	assert.Empty(t, up.Snapshot())
	assert.Empty(t, sched.live())

	sent := len(rec.sent)
	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: true})
	assert.Len(t, rec.sent, sent)
}

// TestUploadPairsSessionsInOrder verifies session ids go to pending uploads
// in submission order.
func TestUploadPairsSessionsInOrder(t *testing.T) {
	up, rec, _ := newUploads(t)
	first := []byte("first file")
	second := []byte("second file")

	_, err := up.Start("one.txt", first)
	require.NoError(t, err)
	_, err = up.Start("two.txt", second)
	require.NoError(t, err)

	up.OnSession("s1")
	assert.Equal(t, protocol.EncodeFileChunk("s1", 0, first), rec.last())
	up.OnSession("s2")
	assert.Equal(t, protocol.EncodeFileChunk("s2", 0, second), rec.last())

	// Nothing left to pair with.
	sent := len(rec.sent)
	up.OnSession("s3")
	assert.Len(t, rec.sent, sent)
}

func TestUploadRegistrationTimeoutLeavesTombstone(t *testing.T) {
	up, rec, sched := newUploads(t)

	_, err := up.Start("old.txt", []byte("old"))
	require.NoError(t, err)
	require.Equal(t, 1, sched.fire())

	errs := rec.errs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrTimeout)
	assert.Empty(t, up.Snapshot())

	young := []byte("young")
	_, err = up.Start("young.txt", young)
	require.NoError(t, err)

	// The late session belongs to the timed-out upload.
	sent := len(rec.sent)
	up.OnSession("late")
	assert.Len(t, rec.sent, sent)

	up.OnSession("s2")
	assert.Equal(t, protocol.EncodeFileChunk("s2", 0, young), rec.last())
}

func TestUploadLateRegistrationErrorConsumesTombstone(t *testing.T) {
	up, rec, sched := newUploads(t)

	_, err := up.Start("old.txt", []byte("old"))
	require.NoError(t, err)
	require.Equal(t, 1, sched.fire())
	require.Len(t, rec.errs(), 1)

	young := []byte("young")
	_, err = up.Start("young.txt", young)
	require.NoError(t, err)

	// The host finally rejects the timed-out upload.
	up.OnRegistrationError("File too large or invalid")
	assert.Len(t, rec.errs(), 1)
	require.Len(t, up.Snapshot(), 1)
	assert.Equal(t, PendingRegistration, up.Snapshot()[0].State)

	up.OnSession("s2")
	assert.Equal(t, protocol.EncodeFileChunk("s2", 0, young), rec.last())
	assert.Equal(t, Transferring, up.Snapshot()[0].State)
}

func TestUploadRegistrationError(t *testing.T) {
	up, rec, sched := newUploads(t)
	_, err := up.Start("a.txt", []byte("abc"))
	require.NoError(t, err)

	up.OnRegistrationError("File too large or invalid")

	errs := rec.errs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrRegistrationRejected)
	assert.Contains(t, errs[0].Reason, "File too large or invalid")
	assert.Empty(t, up.Snapshot())
	assert.Empty(t, sched.live())
}

func TestUploadChunkTimeoutRetries(t *testing.T) {
	up, rec, sched := newUploads(t)
	data := pattern(100)
	_, err := up.Start("a.bin", data)
	require.NoError(t, err)
	up.OnSession("s1")
	chunk := protocol.EncodeFileChunk("s1", 0, data)

	for i := 0; i < testOptions().MaxChunkRetries; i++ {
		require.Equal(t, 1, sched.fire())
		assert.Equal(t, chunk, rec.last())
		assert.Empty(t, rec.errs())
	}
	assert.Len(t, rec.sent, 2+testOptions().MaxChunkRetries)

	require.Equal(t, 1, sched.fire())
	errs := rec.errs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrTimeout)
	assert.Empty(t, sched.live())
}

func TestUploadAckResetsRetryBudget(t *testing.T) {
	up, rec, sched := newUploads(t)
	_, err := up.Start("a.bin", pattern(70000))
	require.NoError(t, err)
	up.OnSession("s1")

	for i := 0; i < testOptions().MaxChunkRetries; i++ {
		sched.fire()
	}
	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: true})

	for i := 0; i < testOptions().MaxChunkRetries; i++ {
		sched.fire()
	}
	assert.Empty(t, rec.errs())
	assert.Equal(t, Transferring, up.Snapshot()[0].State)
}

func TestUploadReset(t *testing.T) {
	up, rec, sched := newUploads(t)
	_, err := up.Start("one.txt", []byte("one"))
	require.NoError(t, err)
	_, err = up.Start("two.txt", []byte("two"))
	require.NoError(t, err)
	up.OnSession("s1")

	up.Reset()

	assert.Empty(t, up.Snapshot())
	assert.Empty(t, sched.live())
	assert.Empty(t, rec.errs())

	var aborted int
	for _, p := range rec.progress(bus.UploadProgress) {
		if p.State == Aborted {
			aborted++
		}
	}
	assert.Equal(t, 2, aborted)

	// Acks for the old connection are ignored.
	sent := len(rec.sent)
	up.OnAck(protocol.ChunkAck{SessionID: "s1", Index: 0, Success: true})
	assert.Len(t, rec.sent, sent)
}
