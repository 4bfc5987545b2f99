package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/models"
)

// MessageSkipWaiting asks a waiting version to activate at once.
const MessageSkipWaiting = "skipWaiting"

// ErrUnknownMessage is returned by Message for unsupported messages.
var ErrUnknownMessage = errors.New("unknown worker message")

// Registration tracks the active and waiting versions of the worker and the
// clients they control. At most one version is active at a time.
type Registration struct {
	base    config.WorkerConfig
	storage *CacheStorage
	network http.RoundTripper
	logger  *zap.Logger
	metrics *models.Metrics

	mu      sync.Mutex
	active  *Controller
	waiting *Controller
	clients map[string]*Client
}

// NewRegistration creates an empty registration. base provides every worker
// setting except the version, which is given to Register.
func NewRegistration(base config.WorkerConfig, storage *CacheStorage, network http.RoundTripper, logger *zap.Logger, metrics *models.Metrics) *Registration {
	if network == nil {
		network = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = models.NewMetrics()
	}
	return &Registration{
		base:    base,
		storage: storage,
		network: network,
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*Client),
	}
}

// Register installs version. The new controller activates at once when
// nothing is active, when it installed cleanly and the registration does not
// wait for clients, or when no client uses the active version. Otherwise it
// waits. An install failure is returned along with the waiting controller.
func (r *Registration) Register(ctx context.Context, version string) (*Controller, error) {
	r.mu.Lock()
	if r.active != nil && r.active.Version() == version {
		defer r.mu.Unlock()
		return r.active, nil
	}
	if r.waiting != nil && r.waiting.Version() == version {
		defer r.mu.Unlock()
		return r.waiting, nil
	}
	r.mu.Unlock()

	cfg := r.base
	cfg.Version = version
	ctrl, err := NewController(cfg, r.storage, r.network, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	installErr := ctrl.Install(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting != nil {
		r.logger.Info("Replacing waiting worker", zap.String("old", r.waiting.Version()), zap.String("new", version))
		r.waiting.retire()
	}
	r.waiting = ctrl

	skipWaiting := installErr == nil && !r.base.WaitForClients
	if r.active == nil || skipWaiting || r.clientsOf(r.active) == 0 {
		if err := r.promote(ctx); err != nil {
			return ctrl, errors.Join(installErr, err)
		}
	}
	return ctrl, installErr
}

// Message delivers a control message to the worker. MessageSkipWaiting
// activates the waiting version, if any.
func (r *Registration) Message(ctx context.Context, msg string) error {
	if msg != MessageSkipWaiting {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return nil
	}
	return r.promote(ctx)
}

// Active returns the active controller, or nil.
func (r *Registration) Active() *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the waiting controller, or nil.
func (r *Registration) Waiting() *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// NewClient opens a client controlled by the active version, if any.
func (r *Registration) NewClient() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	client := &Client{ID: uuid.NewString(), reg: r, controller: r.active}
	r.clients[client.ID] = client
	return client
}

// Clients returns the number of open clients.
func (r *Registration) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Registration) release(ctx context.Context, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; !ok {
		return
	}
	delete(r.clients, client.ID)

	if r.waiting != nil && (r.active == nil || r.clientsOf(r.active) == 0) {
		if err := r.promote(ctx); err != nil {
			r.logger.Error("Failed to activate waiting worker", zap.Error(err))
		}
	}
}

// promote activates the waiting controller and makes it control every open
// client. Must be called with r.mu held.
func (r *Registration) promote(ctx context.Context) error {
	next := r.waiting
	if err := next.Activate(ctx); err != nil {
		return err
	}

	if r.active != nil {
		r.active.retire()
	}
	r.active = next
	r.waiting = nil

	for _, client := range r.clients {
		client.controller = next
	}
	r.logger.Info("Worker version active", zap.String("version", next.Version()), zap.Int("claimed", len(r.clients)))
	return nil
}

// clientsOf counts the clients controlled by ctrl. Must be called with r.mu
// held.
func (r *Registration) clientsOf(ctrl *Controller) int {
	n := 0
	for _, client := range r.clients {
		if client.controller == ctrl {
			n++
		}
	}
	return n
}

// Client is one page session using the worker.
type Client struct {
	ID string

	reg        *Registration
	controller *Controller
}

// Controller returns the controller currently serving the client, or nil.
func (c *Client) Controller() *Controller {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.controller
}

// Transport returns a RoundTripper that routes every request through the
// controller serving the client at the time of the request.
func (c *Client) Transport() http.RoundTripper {
	return clientTransport{client: c}
}

// Release closes the client. A waiting version activates once no client uses
// the active one.
func (c *Client) Release(ctx context.Context) {
	c.reg.release(ctx, c)
}

type clientTransport struct {
	client *Client
}

func (t clientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if ctrl := t.client.Controller(); ctrl != nil {
		return ctrl.RoundTrip(req)
	}
	return t.client.reg.network.RoundTrip(req)
}
