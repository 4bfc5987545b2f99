package worker

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRegistration(t *testing.T, waitForClients bool) (*Registration, *CacheStorage, *fakeNetwork) {
	t.Helper()
	storage := newStorage(t)
	network := newFakeNetwork()
	base := workerConfig("")
	base.WaitForClients = waitForClients
	return NewRegistration(base, storage, network, zap.NewNop(), nil), storage, network
}

func TestFirstRegistrationActivatesAndClaims(t *testing.T) {
	reg, _, _ := newRegistration(t, true)
	ctx := context.Background()

	client := reg.NewClient()
	assert.Nil(t, client.Controller())

	ctrl, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	assert.Equal(t, StateActive, ctrl.State())
	assert.Same(t, ctrl, reg.Active())
	assert.Same(t, ctrl, client.Controller(), "open clients are claimed on activation")
	assert.NotEmpty(t, client.ID)
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	reg, _, _ := newRegistration(t, false)
	ctx := context.Background()

	first, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	second, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestSkipWaitingAfterCleanInstall(t *testing.T) {
	reg, storage, _ := newRegistration(t, false)
	ctx := context.Background()

	v9, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	client := reg.NewClient()

	v10, err := reg.Register(ctx, "v10")
	require.NoError(t, err)
	assert.Equal(t, StateActive, v10.State())
	assert.Equal(t, StateRedundant, v9.State())
	assert.Same(t, v10, client.Controller())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shadowsky-blog-v10"}, names)
}

func TestWaitingVersionActivatesWhenClientsRelease(t *testing.T) {
	reg, storage, _ := newRegistration(t, true)
	ctx := context.Background()

	v9, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	first := reg.NewClient()
	second := reg.NewClient()

	v10, err := reg.Register(ctx, "v10")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, v10.State())
	assert.Same(t, v10, reg.Waiting())
	assert.Same(t, v9, first.Controller())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 2, "old cache survives while the new version waits")

	first.Release(ctx)
	assert.Equal(t, StateWaiting, v10.State())

	second.Release(ctx)
	assert.Equal(t, StateActive, v10.State())
	assert.Equal(t, StateRedundant, v9.State())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, 0, reg.Clients())
}

func TestSkipWaitingMessage(t *testing.T) {
	reg, _, _ := newRegistration(t, true)
	ctx := context.Background()

	_, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	client := reg.NewClient()

	v10, err := reg.Register(ctx, "v10")
	require.NoError(t, err)
	require.Equal(t, StateWaiting, v10.State())

	require.NoError(t, reg.Message(ctx, MessageSkipWaiting))
	assert.Equal(t, StateActive, v10.State())
	assert.Same(t, v10, client.Controller())

	require.NoError(t, reg.Message(ctx, MessageSkipWaiting), "nothing waiting is a no-op")
	assert.ErrorIs(t, reg.Message(ctx, "reload"), ErrUnknownMessage)
}

func TestFailedInstallWaits(t *testing.T) {
	reg, _, network := newRegistration(t, false)
	ctx := context.Background()

	v9, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	reg.NewClient()

	network.status["/css/style.css"] = http.StatusNotFound
	v10, err := reg.Register(ctx, "v10")
	require.Error(t, err)
	require.NotNil(t, v10)
	assert.Equal(t, StateWaiting, v10.State())
	assert.Same(t, v9, reg.Active())
}

func TestClientTransportFollowsController(t *testing.T) {
	reg, _, network := newRegistration(t, false)
	ctx := context.Background()

	client := reg.NewClient()
	network.setOffline(true)
	_, _, err := get(t, client.Transport(), testOrigin+"/css/style.css", nil)
	assert.ErrorIs(t, err, errOffline, "uncontrolled clients use the network")

	network.setOffline(false)
	_, err = reg.Register(ctx, "v9")
	require.NoError(t, err)

	network.setOffline(true)
	_, body, err := get(t, client.Transport(), testOrigin+"/css/style.css", nil)
	require.NoError(t, err)
	assert.Equal(t, "body{}", body)
}

// gatedNetwork holds requests for one path until release is closed.
type gatedNetwork struct {
	next    http.RoundTripper
	path    string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == g.path {
		close(g.entered)
		<-g.release
	}
	return g.next.RoundTrip(req)
}

func TestInFlightRequestDoesNotRecreateDeletedCache(t *testing.T) {
	storage := newStorage(t)
	network := &gatedNetwork{
		next:    newFakeNetwork(),
		path:    "/blog.html",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg := NewRegistration(workerConfig(""), storage, network, zap.NewNop(), nil)
	ctx := context.Background()

	v9, err := reg.Register(ctx, "v9")
	require.NoError(t, err)
	client := reg.NewClient()

	type outcome struct {
		body string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, testOrigin+"/blog.html", nil)
		resp, err := client.Transport().RoundTrip(req)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- outcome{body: string(body), err: err}
	}()

	select {
	case <-network.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the network")
	}

	_, err = reg.Register(ctx, "v10")
	require.NoError(t, err)
	assert.Equal(t, StateRedundant, v9.State())

	close(network.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "<html>blog</html>", res.body)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shadowsky-blog-v10"}, names)
}
