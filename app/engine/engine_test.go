package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example/mixreport-api/app/models"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEngineSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "rock", r.FormValue("genre"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		body, _ := io.ReadAll(f)
		assert.Equal(t, "mix.wav", hdr.Filename)
		assert.Equal(t, "RIFF", string(body))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"eng-1"}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL, "key", time.Second)
	id, err := e.Submit(context.Background(), Upload{Name: "mix.wav", Body: []byte("RIFF")}, Options{"genre": "rock"})
	require.NoError(t, err)
	assert.Equal(t, "eng-1", id)
}

func TestHTTPEngineSubmitErrors(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnprocessableEntity, ErrRejected},
		{http.StatusRequestEntityTooLarge, ErrRejected},
		{http.StatusTooManyRequests, ErrTransport},
		{http.StatusBadGateway, ErrTransport},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		_, err := NewHTTPEngine(srv.URL, "", time.Second).Submit(context.Background(), Upload{Name: "a.wav"}, nil)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestHTTPEnginePoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/eng-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"analyzing","progress":55}`))
	}))
	defer srv.Close()

	got, err := NewHTTPEngine(srv.URL, "", time.Second).Poll(context.Background(), "eng-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobAnalyzing, got.Status)
	assert.Equal(t, 55, got.Progress)
}

func TestHTTPEnginePollUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPEngine(url, "", time.Second).Poll(context.Background(), "eng-1")
	assert.ErrorIs(t, err, ErrTransport)
}

type fakeS3 struct {
	in  *s3.PutObjectInput
	err error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, f.err
}

type fakeSQS struct {
	bodies []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.bodies = append(f.bodies, *in.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

func TestQueueEngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	objects, queue, status := &fakeS3{}, &fakeSQS{}, NewMemoryStatus()
	e := NewQueueEngine("uploads-bucket", "https://sqs.example/q", objects, queue, status)

	id, err := e.Submit(ctx, Upload{Name: "../mix.wav", ContentType: "audio/wav", Body: []byte("RIFF")}, Options{"genre": "edm"})
	require.NoError(t, err)

	assert.Equal(t, "uploads-bucket", *objects.in.Bucket)
	assert.Equal(t, "uploads/"+id+"/mix.wav", *objects.in.Key)
	require.Len(t, queue.bodies, 1)
	var msg models.JobMessage
	require.NoError(t, json.Unmarshal([]byte(queue.bodies[0]), &msg))
	assert.Equal(t, id, msg.EngineJobID)
	assert.Equal(t, "edm", msg.Options["genre"])

	r, err := e.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, r.Status)

	status.Set(id, PollResponse{Status: models.JobComplete, Progress: 100, Result: json.RawMessage(`{}`)})
	r, err = e.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobComplete, r.Status)
}

func TestQueueEngineUploadFailure(t *testing.T) {
	queue := &fakeSQS{}
	e := NewQueueEngine("b", "q", &fakeS3{err: errors.New("denied")}, queue, NewMemoryStatus())

	_, err := e.Submit(context.Background(), Upload{Name: "a.wav"}, nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, queue.bodies)
}

func TestQueueEngineUnknownJob(t *testing.T) {
	e := NewQueueEngine("b", "q", &fakeS3{}, &fakeSQS{}, NewMemoryStatus())
	_, err := e.Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTransport)
}
