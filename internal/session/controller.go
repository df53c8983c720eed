// Package session owns the authentication state machine: it wires the
// identity provider's principal stream to the backend authorization flow,
// hydrates from durable storage on start, and propagates logouts performed
// by other processes sharing the same storage.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/driveease/rentctl/internal/api"
	"github.com/driveease/rentctl/internal/authstore"
	"github.com/driveease/rentctl/internal/identity"
)

// State is the controller's position in the authentication lifecycle.
// Re-entrancy guards are states here, not ad hoc booleans; refreshing while
// logging out is unrepresentable.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAuthorizing
	StateAuthenticated
	StateUnauthenticated
	StateLoggingOut
)

func (state State) String() string {
	switch state {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateLoggingOut:
		return "logging_out"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// NotificationKind tags user-facing session events.
type NotificationKind int

const (
	NoticeWelcome NotificationKind = iota
	NoticeAccountCreated
	NoticeAuthorizeFailed
	NoticeSignInRequired
)

// Notification is a one-time user-facing session event.
type Notification struct {
	Kind    NotificationKind
	Message string
}

// Snapshot is the derived session aggregate exposed to consumers. It is
// rebuilt whole on every change, never patched in place.
type Snapshot struct {
	State           State
	Principal       *identity.Principal
	Customer        *authstore.CustomerRecord
	Bundle          *authstore.AuthBundle
	IsAuthenticated bool
	Loading         bool
	IsAuthorizing   bool
}

// Config wires the controller's collaborators. One controller instance is
// constructed at application start and owned by the application root.
type Config struct {
	Provider identity.Provider
	Client   *api.Client
	Store    authstore.Store
	Logger   *zap.Logger
	Metrics  MetricsRecorder
}

var (
	errMissingProvider = errors.New("session.missing_provider")
	errMissingClient   = errors.New("session.missing_client")
	errMissingStore    = errors.New("session.missing_store")
)

// Controller is the single owner of session state.
type Controller struct {
	provider identity.Provider
	client   *api.Client
	store    authstore.Store
	logger   *zap.Logger
	metrics  MetricsRecorder

	mutex     sync.Mutex
	state     State
	principal *identity.Principal
	customer  *authstore.CustomerRecord
	bundle    *authstore.AuthBundle

	notifications  chan Notification
	cancelProvider func()
	cancelStore    func()

	// lifecycleCtx bounds work the controller starts on its own, such as the
	// authorize call triggered by a provider callback. Close cancels it.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
}

// NewController validates collaborators and returns an unstarted controller.
func NewController(config Config) (*Controller, error) {
	if config.Provider == nil {
		return nil, fmt.Errorf("session.new: %w", errMissingProvider)
	}
	if config.Client == nil {
		return nil, fmt.Errorf("session.new: %w", errMissingClient)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("session.new: %w", errMissingStore)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	lifecycleCtx, lifecycleCancel := context.WithCancel(context.Background())
	return &Controller{
		provider:        config.Provider,
		client:          config.Client,
		store:           config.Store,
		logger:          logger,
		metrics:         metrics,
		state:           StateUninitialized,
		notifications:   make(chan Notification, 16),
		lifecycleCtx:    lifecycleCtx,
		lifecycleCancel: lifecycleCancel,
	}, nil
}

// Start hydrates from storage and subscribes to the identity provider and the
// storage change stream. Hydration is optimistic: a stored bundle makes the
// session provisionally authenticated before the provider's first callback.
func (controller *Controller) Start() {
	controller.mutex.Lock()
	controller.state = StateLoading
	storedBundle, readErr := controller.store.ReadBundle()
	if readErr != nil {
		controller.logger.Warn("stored session unreadable", zap.Error(readErr))
	}
	storedCustomer, customerErr := controller.store.ReadCustomer()
	if customerErr != nil {
		controller.logger.Warn("stored customer unreadable", zap.Error(customerErr))
	}
	if storedBundle != nil && storedCustomer != nil {
		controller.bundle = storedBundle
		controller.customer = storedCustomer
	}
	controller.mutex.Unlock()

	controller.cancelStore = controller.store.Subscribe(controller.handleStorageChange)
	controller.cancelProvider = controller.provider.PrincipalChanges(controller.handlePrincipal)
}

// Close cancels the provider and storage subscriptions and aborts any
// in-flight authorization.
func (controller *Controller) Close() {
	if controller.cancelProvider != nil {
		controller.cancelProvider()
	}
	if controller.cancelStore != nil {
		controller.cancelStore()
	}
	controller.lifecycleCancel()
}

// Snapshot returns the current derived session aggregate.
func (controller *Controller) Snapshot() Snapshot {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.snapshotLocked()
}

// Notifications exposes one-time user-facing session events. The channel is
// buffered; events are dropped rather than blocking the state machine.
func (controller *Controller) Notifications() <-chan Notification {
	return controller.notifications
}

// SignIn runs the provider's interactive flow. Authorization against the
// backend happens through the resulting principal-changed callback. Popup
// failures propagate to the caller and leave session state untouched.
func (controller *Controller) SignIn(ctx context.Context) error {
	_, signInErr := controller.provider.SignIn(ctx)
	return signInErr
}

// Logout signs out of the identity provider first, awaits completion, then
// clears durable storage and caches. Provider callbacks arriving while the
// logout runs are ignored so a stale sign-in event cannot resurrect state.
func (controller *Controller) Logout(ctx context.Context) error {
	controller.mutex.Lock()
	if controller.state == StateLoggingOut {
		controller.mutex.Unlock()
		return nil
	}
	previousState := controller.state
	controller.state = StateLoggingOut
	controller.mutex.Unlock()

	if signOutErr := controller.provider.SignOut(ctx); signOutErr != nil {
		controller.mutex.Lock()
		controller.state = previousState
		controller.mutex.Unlock()
		return fmt.Errorf("session.logout.sign_out: %w", signOutErr)
	}

	if clearErr := controller.store.Clear(); clearErr != nil {
		controller.logger.Warn("storage clear failed during logout", zap.Error(clearErr))
	}
	controller.client.InvalidateCaches()

	controller.mutex.Lock()
	controller.state = StateUnauthenticated
	controller.principal = nil
	controller.customer = nil
	controller.bundle = nil
	controller.mutex.Unlock()

	controller.metrics.Increment(MetricLogout)
	controller.notify(Notification{Kind: NoticeSignInRequired, Message: "Signed out. Sign in to continue."})
	return nil
}

func (controller *Controller) handlePrincipal(principal *identity.Principal) {
	controller.mutex.Lock()
	if controller.state == StateLoggingOut {
		controller.mutex.Unlock()
		controller.logger.Debug("ignoring principal event during logout")
		return
	}
	if principal == nil || principal.Email == "" {
		controller.principal = nil
		controller.customer = nil
		controller.bundle = nil
		controller.state = StateUnauthenticated
		controller.mutex.Unlock()
		return
	}
	controller.principal = principal
	controller.state = StateAuthorizing
	controller.mutex.Unlock()

	bundle, authorizeErr := controller.client.Authorize(controller.lifecycleCtx, principal.Email, principal)

	controller.mutex.Lock()
	if controller.state != StateAuthorizing {
		// A logout or cross-process signal won the race; discard the result.
		currentState := controller.state
		controller.mutex.Unlock()
		controller.logger.Debug("discarding authorize result after state change",
			zap.String("state", currentState.String()))
		return
	}
	if authorizeErr != nil {
		controller.principal = nil
		controller.customer = nil
		controller.bundle = nil
		controller.state = StateUnauthenticated
		controller.mutex.Unlock()
		controller.metrics.Increment(MetricLoginFailed)
		controller.logger.Warn("backend authorization failed", zap.String("email", principal.Email), zap.Error(authorizeErr))
		controller.notify(Notification{Kind: NoticeAuthorizeFailed, Message: "Sign-in failed. Please try again."})
		return
	}

	controller.mutex.Unlock()

	// Persist before flipping to Authenticated so an authenticated snapshot
	// always has a stored token behind it.
	if saveErr := controller.store.SaveBundle(*bundle); saveErr != nil {
		controller.logger.Warn("session persist failed", zap.Error(saveErr))
	}

	controller.mutex.Lock()
	if controller.state != StateAuthorizing {
		controller.mutex.Unlock()
		return
	}
	controller.bundle = bundle
	customer := bundle.UserDetails
	controller.customer = &customer
	controller.state = StateAuthenticated
	controller.mutex.Unlock()

	if bundle.IsNew {
		controller.metrics.Increment(MetricLoginNewUser)
		controller.notify(Notification{Kind: NoticeAccountCreated, Message: "Account created. Welcome to DriveEase!"})
	} else {
		controller.metrics.Increment(MetricLoginSuccess)
		controller.notify(Notification{Kind: NoticeWelcome, Message: "Welcome back!"})
	}
}

// handleStorageChange re-reads durable storage. A missing bundle means some
// process logged out; this controller follows immediately.
func (controller *Controller) handleStorageChange() {
	storedBundle, readErr := controller.store.ReadBundle()
	if readErr != nil {
		controller.logger.Warn("storage re-read failed", zap.Error(readErr))
		return
	}

	controller.mutex.Lock()
	if controller.state == StateLoggingOut {
		controller.mutex.Unlock()
		return
	}
	if storedBundle == nil {
		hadSession := controller.bundle != nil || controller.state == StateAuthenticated
		controller.principal = nil
		controller.customer = nil
		controller.bundle = nil
		controller.state = StateUnauthenticated
		controller.mutex.Unlock()
		if hadSession {
			controller.metrics.Increment(MetricCrossProcessLogout)
			controller.notify(Notification{Kind: NoticeSignInRequired, Message: "Signed out in another session."})
		}
		return
	}
	controller.bundle = storedBundle
	if storedCustomer, customerErr := controller.store.ReadCustomer(); customerErr == nil && storedCustomer != nil {
		controller.customer = storedCustomer
	}
	controller.mutex.Unlock()
}

func (controller *Controller) snapshotLocked() Snapshot {
	isAuthenticated := controller.state == StateAuthenticated ||
		(controller.state == StateLoading && controller.bundle != nil && controller.bundle.Token != "")
	return Snapshot{
		State:           controller.state,
		Principal:       controller.principal,
		Customer:        controller.customer,
		Bundle:          controller.bundle,
		IsAuthenticated: isAuthenticated,
		Loading:         controller.state == StateUninitialized || controller.state == StateLoading,
		IsAuthorizing:   controller.state == StateAuthorizing,
	}
}

func (controller *Controller) notify(notification Notification) {
	select {
	case controller.notifications <- notification:
	default:
		controller.logger.Debug("notification dropped", zap.Int("kind", int(notification.Kind)))
	}
}
